// Package stream consumes token-streamed chat completions.
//
// A Session posts the conversation to a chat endpoint and reads the response
// body as it arrives, cutting it into lines, extracting the incremental text
// of every frame and reporting the accumulated assistant text after each
// delta. Frames split across network reads are reassembled; rendering is left
// to the caller.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Config is injected into a Session at construction.
type Config struct {
	Endpoint  string
	AuthToken string
	// Header is added to the request (e.g. HTTP-Referer for OpenRouter).
	Header  http.Header
	Framing Framing
	// Extract defaults to OpenAIChat for SSE and OllamaChat for NDJSON.
	Extract Extractor
	// Client defaults to an http.Client without timeout; the context passed
	// to Run bounds the request.
	Client *http.Client
	Logger *zap.Logger
}

// Session is a single request/stream exchange. It is not restartable.
type Session struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Session {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{cfg: cfg, log: log.With(zap.String("endpoint", cfg.Endpoint))}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run posts payload as JSON and streams the reply. fn receives every
// non-empty delta together with the accumulated text; it is never called
// when the request itself fails. Run returns the accumulated text.
func (s *Session) Run(ctx context.Context, payload any, fn func(Update)) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.state = StateRequesting
	s.mu.Unlock()

	text, err := s.run(ctx, payload, fn)
	switch {
	case err == nil:
		s.setState(StateCompleted)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.setState(StateCancelled)
		s.log.Debug("chat stream cancelled", zap.Int("received", len(text)))
	default:
		s.setState(StateFailed)
		s.log.Warn("chat stream failed", zap.Int("received", len(text)), zap.Error(err))
	}
	return text, err
}

func (s *Session) run(ctx context.Context, payload any, fn func(Update)) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	for k, vs := range s.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Framing == SSE {
		req.Header.Set("Accept", "text/event-stream")
	}
	if tok := strings.TrimSpace(s.cfg.AuthToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return "", err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return "", ErrNoBody
	}

	s.setState(StateStreaming)
	s.log.Debug("chat stream open", zap.String("content_type", resp.Header.Get("Content-Type")))

	return NewDecoder(s.cfg.Framing, s.cfg.Extract, s.log).Decode(ctx, resp.Body, fn)
}
