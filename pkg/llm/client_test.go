package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hezawei/rebirth-game/pkg/services"
)

func TestHTTPClient_Generate_SucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": "{\"text\": \"hi\"}"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{Endpoint: srv.URL, Model: "test-model", TimeoutSec: 5, MaxRetries: 2, BackoffMinMS: 1, BackoffMaxMS: 2})

	text, err := client.Generate(context.Background(), "system", nil)
	assert.NoError(t, err)
	assert.Equal(t, `{"text": "hi"}`, text)
	assert.Equal(t, int64(1), client.Metrics().CallsTotal)
	assert.Equal(t, int64(0), client.Metrics().RetriesTotal)
}

func TestHTTPClient_Generate_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"content": "ok"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{Endpoint: srv.URL, Model: "test-model", TimeoutSec: 5, MaxRetries: 3, BackoffMinMS: 1, BackoffMaxMS: 2})

	text, err := client.Generate(context.Background(), "system", nil)
	assert.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int64(1), client.Metrics().RetriesTotal)
}

func TestHTTPClient_Generate_ExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{Endpoint: srv.URL, Model: "test-model", TimeoutSec: 5, MaxRetries: 2, BackoffMinMS: 1, BackoffMaxMS: 2})

	_, err := client.Generate(context.Background(), "system", nil)
	assert.ErrorIs(t, err, services.ErrLLMUnavailable)
	assert.Equal(t, int64(1), client.Metrics().FailuresTotal)
	assert.Equal(t, int64(2), client.Metrics().RetriesTotal)
}

func TestHTTPClient_Metrics_ZeroCallsAvgLatencyIsZero(t *testing.T) {
	client := NewHTTPClient(Config{Endpoint: "http://unused", MaxRetries: 0})
	assert.Zero(t, client.Metrics().AvgLatencyMS)
}

func TestStubClient_DefaultResponseIsCannedNode(t *testing.T) {
	client := NewStubClient()

	text, err := client.Generate(context.Background(), "system", nil)
	assert.NoError(t, err)
	assert.Contains(t, text, "\"choices\"")
	assert.Equal(t, int64(1), client.CallCount())
}

func TestStubClient_TextFuncOverridesDefault(t *testing.T) {
	client := &StubClient{
		TextFunc: func(systemPrompt string, history []Message) (string, error) {
			return "", ErrStub
		},
	}

	_, err := client.Generate(context.Background(), "system", nil)
	assert.ErrorIs(t, err, ErrStub)
	assert.Equal(t, int64(1), client.CallCount())
}

func TestStubClient_Metrics_CountsCalls(t *testing.T) {
	client := NewStubClient()
	client.Generate(context.Background(), "a", nil)
	client.Generate(context.Background(), "b", nil)

	assert.Equal(t, int64(2), client.Metrics().CallsTotal)
}
