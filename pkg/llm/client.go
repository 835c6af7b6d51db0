// Package llm wraps the opaque "produce-text-and-choices" and
// "produce-settlement" oracles behind a contract-level interface: retry
// with jittered backoff and call metrics. JSON parsing of the output and
// the one-shot repair call are done by the caller (pkg/engine). No
// streaming — every call returns a single string.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/hezawei/rebirth-game/pkg/services"
)

// Client is the oracle contract used by the story engine.
type Client interface {
	// Generate sends a system preamble and conversation history to the
	// model and returns its raw text response (expected to be a JSON
	// object). It retries transport/protocol failures internally.
	Generate(ctx context.Context, systemPrompt string, history []Message) (string, error)

	// Metrics returns a point-in-time snapshot of call counters.
	Metrics() Metrics
}

// Message is one turn of the reconstructed conversation history.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Metrics mirrors the teacher's pool-health snapshot idiom: a plain struct
// returned under the owning mutex, never a live reference.
type Metrics struct {
	CallsTotal      int64   `json:"calls_total"`
	RetriesTotal    int64   `json:"retries_total"`
	FailuresTotal   int64   `json:"failures_total"`
	LastLatencyMS   int64   `json:"last_latency_ms"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
}

// Config controls retry/backoff behavior, mirroring the teacher's
// recovery-constants style (pkg/mcp/recovery.go) generalized to env-driven
// values instead of package constants.
type Config struct {
	Endpoint     string
	Model        string
	TimeoutSec   int
	MaxRetries   int
	BackoffMinMS int
	BackoffMaxMS int
}

// HTTPClient is the production Client: a single JSON-over-HTTP oracle
// endpoint, matching the "opaque oracle" shape spec.md describes without
// assuming any particular provider's SDK.
type HTTPClient struct {
	cfg Config
	hc  *http.Client

	mu            sync.Mutex
	callsTotal    int64
	retriesTotal  int64
	failuresTotal int64
	lastLatency   time.Duration
	totalLatency  time.Duration
}

// NewHTTPClient builds an HTTPClient from cfg.
func NewHTTPClient(cfg Config) *HTTPClient {
	return &HTTPClient{
		cfg: cfg,
		hc:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Content string `json:"content"`
}

// Generate implements Client. It retries up to cfg.MaxRetries times on any
// transport error with jittered backoff in [BackoffMinMS, BackoffMaxMS],
// then fails with services.ErrLLMUnavailable.
func (c *HTTPClient) Generate(ctx context.Context, systemPrompt string, history []Message) (string, error) {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	msgs = append(msgs, history...)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.recordRetry()
			sleepJittered(ctx, c.cfg.BackoffMinMS, c.cfg.BackoffMaxMS)
		}

		start := time.Now()
		text, err := c.doCall(ctx, msgs)
		elapsed := time.Since(start)
		c.recordCall(elapsed)

		if err == nil {
			return text, nil
		}
		lastErr = err
	}

	c.recordFailure()
	return "", fmt.Errorf("%w: %v", services.ErrLLMUnavailable, lastErr)
}

func (c *HTTPClient) doCall(ctx context.Context, msgs []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Content, nil
}

func (c *HTTPClient) recordCall(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callsTotal++
	c.lastLatency = d
	c.totalLatency += d
}

func (c *HTTPClient) recordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retriesTotal++
}

func (c *HTTPClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failuresTotal++
}

// Metrics returns a snapshot of call counters.
func (c *HTTPClient) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := float64(0)
	if c.callsTotal > 0 {
		avg = float64(c.totalLatency.Milliseconds()) / float64(c.callsTotal)
	}
	return Metrics{
		CallsTotal:    c.callsTotal,
		RetriesTotal:  c.retriesTotal,
		FailuresTotal: c.failuresTotal,
		LastLatencyMS: c.lastLatency.Milliseconds(),
		AvgLatencyMS:  avg,
	}
}

func sleepJittered(ctx context.Context, minMS, maxMS int) {
	if maxMS <= minMS {
		maxMS = minMS + 1
	}
	d := time.Duration(minMS+rand.IntN(maxMS-minMS)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
