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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

// Handlers implements the /v1/lsp endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	registry *lsp.Registry
	cache    *resultcache.Cache
	hub      *events.Hub
	logger   *slog.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewHandlers creates handlers over registry. cache and hub may be nil.
func NewHandlers(registry *lsp.Registry, cache *resultcache.Cache, hub *events.Hub, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		registry: registry,
		cache:    cache,
		hub:      hub,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (h *Handlers) closeStreams() {
	h.doneOnce.Do(func() { close(h.done) })
}

// HandleHealth handles GET /v1/lsp/health.
//
// The overall status is "degraded" when any language is crashed; servers
// that were never started do not count against it.
func (h *Handlers) HandleHealth(c *gin.Context) {
	langs := h.registry.Health()
	status := "ok"
	for _, l := range langs {
		if l.Status == lsp.HealthCrashed {
			status = "degraded"
			break
		}
	}
	running := h.registry.Running()
	if running == nil {
		running = []string{}
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Workspace: h.registry.RootPath(),
		Running:   running,
		Languages: langs,
	})
}

// HandleLanguageHealth handles GET /v1/lsp/health/:language.
func (h *Handlers) HandleLanguageHealth(c *gin.Context) {
	lang := strings.ToLower(c.Param("language"))
	if m, ok := h.registry.Manager(lang); ok {
		c.JSON(http.StatusOK, m.Health())
		return
	}
	for _, hl := range h.registry.Health() {
		if hl.Language == lang {
			c.JSON(http.StatusOK, hl)
			return
		}
	}
	h.unknownLanguage(c, lang)
}

// HandleQuery handles POST /v1/lsp/query.
//
// Responses:
//
//	200 OK: lsp.QueryResult (X-Cache: hit or miss)
//	400 Bad Request: malformed body, unknown language or unsupported query
//	502 Bad Gateway: the language server answered with an error
//	503 Service Unavailable: server down or circuit open, with Retry-After
//	504 Gateway Timeout: the request timed out
func (h *Handlers) HandleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request body: " + err.Error(),
			Code:      CodeInvalidRequest,
			RequestID: c.GetString(requestIDKey),
		})
		return
	}
	if req.TimeoutMS < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:     "timeout_ms must not be negative",
			Code:      CodeInvalidRequest,
			RequestID: c.GetString(requestIDKey),
		})
		return
	}

	q := req.QueryRequest
	if req.TimeoutMS > 0 {
		q.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	res, err := h.registry.Query(c.Request.Context(), q)
	if err != nil {
		h.logger.Debug("query failed",
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.String("kind", string(q.Kind)),
			slog.String("file", q.File),
			slog.String("error", err.Error()))
		abortWithError(c, err)
		return
	}

	if res.Cached {
		c.Header("X-Cache", "hit")
	} else {
		c.Header("X-Cache", "miss")
	}
	c.JSON(http.StatusOK, res)
}

// HandleRestart handles POST /v1/lsp/:language/restart.
//
// The restart clears a terminal state and starts the server
// synchronously, so the reply reflects the new process.
func (h *Handlers) HandleRestart(c *gin.Context) {
	lang := strings.ToLower(c.Param("language"))
	err := h.registry.Restart(c.Request.Context(), lang)
	if errors.Is(err, lsp.ErrUnsupportedLanguage) {
		h.unknownLanguage(c, lang)
		return
	}
	if err != nil {
		h.logger.Warn("manual restart failed",
			slog.String("language", lang),
			slog.String("error", err.Error()))
		abortWithError(c, err)
		return
	}

	m, _ := h.registry.Manager(lang)
	resp := RestartResponse{Language: lang}
	if m != nil {
		resp.Health = m.Health()
	}
	h.logger.Info("manual restart", slog.String("language", lang))
	c.JSON(http.StatusOK, resp)
}

// HandleCacheStats handles GET /v1/lsp/cache/stats.
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	if h.cache == nil {
		h.cacheDisabled(c)
		return
	}
	c.JSON(http.StatusOK, h.cache.Stats())
}

// HandleCacheFlush handles POST /v1/lsp/cache/flush.
//
// A failing tier yields 500 but the others are still flushed.
func (h *Handlers) HandleCacheFlush(c *gin.Context) {
	if h.cache == nil {
		h.cacheDisabled(c)
		return
	}
	if err := h.cache.Flush(c.Request.Context()); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			Code:      CodeCacheFlushFailed,
			RequestID: c.GetString(requestIDKey),
		})
		return
	}
	h.logger.Info("result cache flushed")
	c.JSON(http.StatusOK, FlushResponse{Flushed: true, Stats: h.cache.Stats()})
}

func (h *Handlers) unknownLanguage(c *gin.Context, lang string) {
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error:     "no language server configured for " + lang,
		Code:      CodeUnknownLanguage,
		RequestID: c.GetString(requestIDKey),
	})
}

func (h *Handlers) cacheDisabled(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error:     "result cache is not configured",
		Code:      CodeCacheDisabled,
		RequestID: c.GetString(requestIDKey),
	})
}
