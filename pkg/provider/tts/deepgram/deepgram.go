// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram REST speak API. It implements the tts.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

const (
	speakEndpoint     = "https://api.deepgram.com/v1/speak"
	defaultModel      = "aura-asteria-en"
	defaultEncoding   = "linear16"
	defaultSampleRate = 24000

	// chunkSize is the size of audio chunks emitted by SynthesizeStream.
	chunkSize = 4096
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Aura voice model (e.g., "aura-asteria-en").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithHTTPClient overrides the HTTP client used for speak requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the Deepgram speak API.
type Provider struct {
	apiKey     string
	model      string
	encoding   string
	sampleRate int
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
		endpoint:   speakEndpoint,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format reports the audio encoding and sample rate of synthesised audio.
func (p *Provider) Format() tts.Format {
	return tts.Format{Encoding: p.encoding, SampleRate: p.sampleRate}
}

// Synthesize converts text into a complete linear16 audio buffer.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := p.speak(ctx, text)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read audio: %w", err)
	}
	return audio, nil
}

// SynthesizeStream converts text into audio delivered in chunks of at most
// 4 KiB as the response body arrives.
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	body, err := p.speak(ctx, text)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer body.Close()
		for {
			buf := make([]byte, chunkSize)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

// speak issues the POST request and returns the response body on success.
// The caller owns the returned body and must close it.
func (p *Provider) speak(ctx context.Context, text string) (io.ReadCloser, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("deepgram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: speak request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	return resp.Body, nil
}

// requestURL builds the speak endpoint URL with the configured voice settings.
func (p *Provider) requestURL() string {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("encoding", p.encoding)
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("container", "none")
	return p.endpoint + "?" + q.Encode()
}

// StatusError is returned when Deepgram responds with a non-200 status. It
// exposes the HTTP status code so retry classifiers can distinguish transient
// (429, 5xx) from terminal (other 4xx) failures.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("deepgram: speak returned status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status code of the failed request.
func (e *StatusError) StatusCode() int { return e.Code }
