// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp/lsptest"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv    *lsptest.Server
	reg    *lsp.Registry
	cache  *resultcache.Cache
	hub    *events.Hub
	router *gin.Engine
	dir    string
}

func newTestEnv(t *testing.T, goCfg lsp.LanguageConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := lsptest.NewServer()
	dir := t.TempDir()

	goCfg.Language = "go"
	goCfg.Command = "gopls"
	goCfg.Extensions = []string{".go"}
	goCfg.ProbeInterval = -1
	configs := lsp.NewEmptyConfigRegistry()
	configs.Register(goCfg)
	configs.Register(lsp.LanguageConfig{Language: "python", Command: "pyright-langserver", Extensions: []string{".py"}, ProbeInterval: -1})

	hub := events.NewHub(16)
	cache := resultcache.New(resultcache.NewMemoryBackend(), resultcache.WithLogger(logger))
	reg := lsp.NewRegistry(dir, configs, lsp.RegistryConfig{
		Logger:   logger,
		LookPath: lsptest.LookPath,
		ManagerOptions: []lsp.ManagerOption{
			lsp.WithLauncher(srv.Launcher()),
			lsp.WithLogger(logger),
			lsp.WithCache(cache),
			lsp.WithEventSink(hub),
		},
	})
	t.Cleanup(func() {
		_ = reg.ShutdownAll(context.Background())
		hub.Close()
	})

	s := NewServer(Config{
		Registry: reg,
		Cache:    cache,
		Hub:      hub,
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "lsp_query_total 1\n") }),
		Logger:   logger,
	})
	return &testEnv{srv: srv, reg: reg, cache: cache, hub: hub, router: s.Router(), dir: dir}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func hoverRequest(file string) QueryRequest {
	return QueryRequest{QueryRequest: lsp.QueryRequest{Kind: lsp.QueryHover, File: file, Line: 4, Character: 6}}
}

// =============================================================================
// Health
// =============================================================================

func TestHandleHealth_BeforeAnyQuery(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})

	w := env.do(t, http.MethodGet, "/v1/lsp/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, resp.Running)
	require.Len(t, resp.Languages, 2)
	assert.Equal(t, "go", resp.Languages[0].Language)
	assert.Equal(t, lsp.HealthNotStarted, resp.Languages[0].Status)
	assert.Zero(t, env.srv.Spawns(), "health never starts a server")
}

func TestHandleLanguageHealth(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	file := env.writeFile(t, "greet.go", "package greet\n")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file)).Code)

	w := env.do(t, http.MethodGet, "/v1/lsp/health/GO", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[lsp.Health](t, w)
	assert.Equal(t, "running", h.State)
	assert.Equal(t, lsp.HealthHealthy, h.Status)
	assert.Equal(t, "lsptest", h.ServerName)
	assert.NotZero(t, h.PID)

	w = env.do(t, http.MethodGet, "/v1/lsp/health/python", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, lsp.HealthNotStarted, decode[lsp.Health](t, w).Status)

	w = env.do(t, http.MethodGet, "/v1/lsp/health/cobol", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeUnknownLanguage, decode[ErrorResponse](t, w).Code)
}

// =============================================================================
// Query
// =============================================================================

func TestHandleQuery_HoverThenCached(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	file := env.writeFile(t, "greet.go", "package greet\n\nfunc Hello() string { return \"hi\" }\n")

	w := env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	res := decode[lsp.QueryResult](t, w)
	require.NotNil(t, res.Hover)
	assert.Contains(t, res.Hover.Contents, "Hello greets the caller.")
	assert.Equal(t, "go", res.Language)

	w = env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.True(t, decode[lsp.QueryResult](t, w).Cached)
	assert.Equal(t, 1, env.srv.Count("textDocument/hover"))
}

func TestHandleQuery_References(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	file := env.writeFile(t, "greet.go", "package greet\n")

	req := QueryRequest{QueryRequest: lsp.QueryRequest{
		Kind: lsp.QueryReferences, File: file, Line: 4, Character: 6, IncludeDeclaration: true,
	}}
	w := env.do(t, http.MethodPost, "/v1/lsp/query", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[lsp.QueryResult](t, w).Locations, 2)
}

func TestHandleQuery_BadRequests(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	file := env.writeFile(t, "greet.go", "package greet\n")

	tests := []struct {
		name string
		body any
		code string
	}{
		{"malformed json", `{"kind":`, CodeInvalidRequest},
		{"negative timeout", QueryRequest{QueryRequest: lsp.QueryRequest{Kind: lsp.QueryHover, File: file}, TimeoutMS: -1}, CodeInvalidRequest},
		{"unknown extension", QueryRequest{QueryRequest: lsp.QueryRequest{Kind: lsp.QueryHover, File: "notes.txt"}}, CodeUnknownLanguage},
		{"unknown kind", QueryRequest{QueryRequest: lsp.QueryRequest{Kind: "callHierarchy", File: file}}, CodeUnsupported},
		{"missing file", QueryRequest{QueryRequest: lsp.QueryRequest{Language: "go", Kind: lsp.QueryHover}}, CodeUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/lsp/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandleQuery_NotInstalled(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	env.srv.SetNotInstalled(true)
	file := env.writeFile(t, "greet.go", "package greet\n")

	w := env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeUnavailable, decode[ErrorResponse](t, w).Code)
	assert.Empty(t, w.Header().Get("Retry-After"), "a missing binary is terminal")
}

func TestHandleQuery_TimeoutThenCircuitOpen(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{
		Breaker: breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	})
	env.srv.HoverDelay = 200 * time.Millisecond
	file := env.writeFile(t, "greet.go", "package greet\n")

	req := hoverRequest(file)
	req.TimeoutMS = 20
	w := env.do(t, http.MethodPost, "/v1/lsp/query", req)
	require.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
	assert.Equal(t, CodeTimeout, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/v1/lsp/query", req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, CodeCircuitOpen, resp.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, 60, resp.RetryAfterSeconds)
}

func TestHandleQuery_ServerErrorIsBadGateway(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	env.srv.SetHoverError(true)
	file := env.writeFile(t, "greet.go", "package greet\n")

	w := env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, CodeUpstream, decode[ErrorResponse](t, w).Code)
}

// =============================================================================
// Restart and cache
// =============================================================================

func TestHandleRestart(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})

	w := env.do(t, http.MethodPost, "/v1/lsp/go/restart", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[RestartResponse](t, w)
	assert.Equal(t, "go", resp.Language)
	assert.Equal(t, "running", resp.Health.State)
	first := resp.Health.PID

	w = env.do(t, http.MethodPost, "/v1/lsp/go/restart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, first, decode[RestartResponse](t, w).Health.PID)
	assert.Equal(t, 2, env.srv.Spawns())

	w = env.do(t, http.MethodPost, "/v1/lsp/cobol/restart", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCacheFlush(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	file := env.writeFile(t, "greet.go", "package greet\n")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file)).Code)

	w := env.do(t, http.MethodGet, "/v1/lsp/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[resultcache.Stats](t, w).Stores)

	w = env.do(t, http.MethodPost, "/v1/lsp/cache/flush", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[FlushResponse](t, w).Flushed)

	w = env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	assert.Equal(t, 2, env.srv.Count("textDocument/hover"))
}

func TestCacheEndpoints_Disabled(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	router := NewServer(Config{Registry: env.reg}).Router()

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/v1/lsp/cache/stats"},
		{http.MethodPost, "/v1/lsp/cache/flush"},
		{http.MethodGet, "/v1/lsp/events"},
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(r.method, r.path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, r.path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "metrics are not mounted without a handler")
}

// =============================================================================
// Middleware and misc
// =============================================================================

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})

	w := env.do(t, http.MethodGet, "/v1/lsp/health", nil)
	assert.Len(t, w.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodPost, "/v1/lsp/query", strings.NewReader("{"))
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "abc-123", decode[ErrorResponse](t, rec).RequestID)
}

func TestMetricsMounted(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lsp_query_total")
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 3, retryAfterSeconds(2100*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
}

// =============================================================================
// Event stream
// =============================================================================

func TestHandleEvents_StreamsFilteredLifecycle(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/lsp/events?language=go&type=server_running"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	env.hub.Emit(events.Event{Type: events.TypeCacheMiss, Language: "go"})
	env.hub.Emit(events.Event{Type: events.TypeServerRunning, Language: "python"})
	file := env.writeFile(t, "greet.go", "package greet\n")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/lsp/query", hoverRequest(file)).Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.TypeServerRunning, e.Type)
	assert.Equal(t, "go", e.Language)
	assert.NotEmpty(t, e.Fields["instance_id"])
}

func TestHandleEvents_ClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t, lsp.LanguageConfig{})
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/lsp/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	env.hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"Go,python"}, []string{"server_crashed", " server_running "})
	assert.True(t, f.match(events.Event{Type: events.TypeServerCrashed, Language: "go"}))
	assert.True(t, f.match(events.Event{Type: events.TypeServerRunning, Language: "python"}))
	assert.False(t, f.match(events.Event{Type: events.TypeCacheMiss, Language: "go"}))
	assert.False(t, f.match(events.Event{Type: events.TypeServerCrashed, Language: "rust"}))
	assert.True(t, newEventFilter(nil, nil).match(events.Event{Type: events.TypeCacheMiss}))
}
