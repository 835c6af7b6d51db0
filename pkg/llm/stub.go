package llm

import (
	"context"
	"fmt"
	"sync"
)

// StubClient is a placeholder Client for tests and local development.
// It never calls a network oracle; TextFunc (if set) computes the
// response, otherwise a canned three-choice node is returned. Mirrors the
// teacher's StubExecutor pattern of a no-op implementation behind the
// same interface used in production.
type StubClient struct {
	// TextFunc, if set, computes the response for each call. Tests can
	// use this to return node JSON, settlement JSON, or force a failure.
	TextFunc func(systemPrompt string, history []Message) (string, error)

	mu    sync.Mutex
	calls int64
}

// NewStubClient builds a StubClient with the default canned node response.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// Generate implements Client.
func (s *StubClient) Generate(_ context.Context, systemPrompt string, history []Message) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.TextFunc != nil {
		return s.TextFunc(systemPrompt, history)
	}
	return defaultStubNodeJSON, nil
}

// Metrics implements Client with a trivial calls_total counter.
func (s *StubClient) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{CallsTotal: s.calls}
}

// CallCount reports how many times Generate has been invoked.
func (s *StubClient) CallCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const defaultStubNodeJSON = `{
	"text": "The road forks beneath a pale sky.",
	"image_prompts": ["a forking road under a pale sky, painterly"],
	"image_continuity_token": "stub-token-0001",
	"choices": [
		{"option": "Take the left path", "summary": "A quieter, uncertain route.",
		 "effects": {"delta_progress": 5, "delta_risk": 2, "delta_exposure": 0, "tags": ["cautious"]}},
		{"option": "Take the right path", "summary": "A faster, riskier route.",
		 "effects": {"delta_progress": 8, "delta_risk": 6, "delta_exposure": 3, "tags": ["bold"]}},
		{"option": "Make camp and wait", "summary": "Lose no ground, but time passes.",
		 "effects": {"delta_progress": 0, "delta_risk": -1, "delta_exposure": 0, "tags": ["patient"]}}
	]
}`

// ErrStub lets tests force a deterministic failure through TextFunc.
var ErrStub = fmt.Errorf("stub client: forced failure")
