package app

import (
	"sync"

	"github.com/vocalis-ai/vocalis/internal/orchestrator"
)

// sessionRegistry tracks the sessions currently attached to the server so
// shutdown can stop them and operators can count them. Sessions add themselves
// on connect and remove themselves when their handler returns.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*orchestrator.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*orchestrator.Session)}
}

func (r *sessionRegistry) add(s *orchestrator.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// stopAll signals every active session to stop. It does not wait; each
// connection handler unwinds on its own once the session loop returns.
func (r *sessionRegistry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.Stop()
	}
}
