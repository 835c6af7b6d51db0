package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezawei/rebirth-game/pkg/cache"
	"github.com/hezawei/rebirth-game/pkg/config"
	"github.com/hezawei/rebirth-game/pkg/engine"
	"github.com/hezawei/rebirth-game/pkg/image"
	"github.com/hezawei/rebirth-game/pkg/llm"
	"github.com/hezawei/rebirth-game/pkg/models"
	"github.com/hezawei/rebirth-game/pkg/story"
	"github.com/hezawei/rebirth-game/pkg/store"
	"github.com/hezawei/rebirth-game/test/dbtest"
)

func newTestRouter(t *testing.T) *Server {
	t.Helper()
	db := dbtest.SetupTestDatabase(t)

	_, err := db.Exec(`INSERT INTO users (id, email, password_hash) VALUES ('u1', 'u1@example.test', 'hash')`)
	require.NoError(t, err)

	st := store.New(db)
	eng := engine.New(llm.NewStubClient(), image.NewAdapter(config.ImageConfig{}, nil), models.SettlementConfig{
		MinNodes: 3, MaxNodes: 5, PassThreshold: 80, FailThreshold: 90,
	})
	svc := story.New(st, eng, nil, cache.New(10), nil, config.PrimingCacheConfig{StartCacheWaitSec: 0}, 10*time.Millisecond)

	cfg := &config.Config{GinMode: "test", CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}}
	return NewServer(cfg, nil, svc, llm.NewStubClient())
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestRouter_StartThenContinue_GoldenPath(t *testing.T) {
	s := newTestRouter(t)

	w := doRequest(t, s, http.MethodPost, "/story/start", StartRequest{Wish: "become an immortal cultivator"})
	require.Equal(t, http.StatusOK, w.Code)

	var segment StorySegment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &segment))
	assert.NotZero(t, segment.SessionID)
	assert.NotZero(t, segment.NodeID)
	assert.Len(t, segment.Choices, 3)

	w = doRequest(t, s, http.MethodPost, "/story/continue", ContinueRequest{
		SessionID: segment.SessionID, NodeID: segment.NodeID, Choice: segment.Choices[0].Option,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var next StorySegment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	assert.NotEqual(t, segment.NodeID, next.NodeID)
}

func TestRouter_Start_RejectsEmptyWish(t *testing.T) {
	s := newTestRouter(t)

	w := doRequest(t, s, http.MethodPost, "/story/start", StartRequest{Wish: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_RequiresAuth(t *testing.T) {
	s := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/story/sessions", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_ListSessions_ReflectsCreatedSession(t *testing.T) {
	s := newTestRouter(t)

	w := doRequest(t, s, http.MethodPost, "/story/start", StartRequest{Wish: "become an immortal cultivator"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/story/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 1)
}

func TestRouter_SaveLifecycle(t *testing.T) {
	s := newTestRouter(t)

	w := doRequest(t, s, http.MethodPost, "/story/start", StartRequest{Wish: "become an immortal cultivator"})
	require.Equal(t, http.StatusOK, w.Code)
	var segment StorySegment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &segment))

	w = doRequest(t, s, http.MethodPost, "/story/saves", CreateSaveRequest{
		SessionID: segment.SessionID, NodeID: segment.NodeID, Title: "checkpoint",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var save SaveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &save))
	assert.Equal(t, "active", save.Status)

	savePath := "/story/saves/" + strconv.FormatInt(save.ID, 10)
	w = doRequest(t, s, http.MethodPatch, savePath, UpdateSaveRequest{Title: "renamed", Status: "completed"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodDelete, savePath, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRouter_Metrics_ReturnsDecodableSnapshot(t *testing.T) {
	s := newTestRouter(t)

	w := doRequest(t, s, http.MethodGet, "/story/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var metrics story.Metrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
}
