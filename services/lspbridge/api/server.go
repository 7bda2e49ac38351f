// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the language server registry over HTTP.
//
// Routes:
//
//	GET  /v1/lsp/health               all configured languages
//	GET  /v1/lsp/health/:language     one language
//	POST /v1/lsp/query                run a query
//	POST /v1/lsp/:language/restart    operator restart
//	GET  /v1/lsp/cache/stats          cache counters
//	POST /v1/lsp/cache/flush          empty every cache tier
//	GET  /v1/lsp/events               websocket stream of lifecycle events
//	GET  /metrics                     Prometheus scrape endpoint
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
	"github.com/AleutianAI/lspbridge/services/lspbridge/telemetry"
)

// Config wires a Server. Registry is required.
type Config struct {
	Registry *lsp.Registry

	// Cache backs the cache endpoints. Nil disables them.
	Cache *resultcache.Cache

	// Hub feeds GET /v1/lsp/events. Nil disables the stream.
	Hub *events.Hub

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler

	// HTTPMetrics records per-route request metrics when non-nil.
	HTTPMetrics *telemetry.HTTPMetrics

	// ServiceName labels otelgin spans.
	ServiceName string

	Logger *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	router   *gin.Engine
	handlers *Handlers
	logger   *slog.Logger
}

// NewServer builds the router and registers every route.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lspbridge"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(requestID())
	router.Use(requestLogger(cfg.Logger))
	if cfg.HTTPMetrics != nil {
		router.Use(telemetry.GinMetrics(cfg.HTTPMetrics))
	}

	h := NewHandlers(cfg.Registry, cfg.Cache, cfg.Hub, cfg.Logger)
	RegisterRoutes(router.Group("/v1"), h)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	return &Server{router: router, handlers: h, logger: cfg.Logger}
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// RegisterRoutes registers the /lsp routes on rg (typically /v1).
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	g := rg.Group("/lsp")
	{
		g.GET("/health", h.HandleHealth)
		g.GET("/health/:language", h.HandleLanguageHealth)
		g.POST("/query", h.HandleQuery)
		g.POST("/:language/restart", h.HandleRestart)

		g.GET("/cache/stats", h.HandleCacheStats)
		g.POST("/cache/flush", h.HandleCacheFlush)

		g.GET("/events", h.HandleEvents)
	}
}

// Run serves on addr until ctx is canceled, then drains in-flight requests
// for up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	// Websocket streams are hijacked and ignored by Shutdown; closing the
	// hub ends them.
	s.handlers.closeStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http api stopped")
	return nil
}
