// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/lspbridge/api"
	"github.com/AleutianAI/lspbridge/services/lspbridge/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP query API until interrupted",
		Long: `Starts the HTTP API. Language servers are launched lazily on the first
query for their language and stopped after the configured idle timeout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the config)")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	logger := c.logger.Slog()
	gin.SetMode(gin.ReleaseMode)

	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:   cfg.Telemetry.ServiceName,
		OTLPEndpoint:  cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:  true,
		StdoutTraces:  cfg.Telemetry.StdoutTraces,
		StdoutMetrics: cfg.Telemetry.StdoutMetrics,
		Prometheus:    cfg.Telemetry.Prometheus,
		Writer:        c.stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	a, err := bootstrap(ctx, cfg, logger, bootstrapOptions{launcher: c.launcher, lookPath: c.lookPath, watch: true})
	if err != nil {
		return err
	}
	a.registry.StartIdleMonitor()

	httpMetrics, err := telemetry.NewHTTPMetrics(nil)
	if err != nil {
		logger.Warn("http metrics disabled", slog.String("error", err.Error()))
	}
	srv := api.NewServer(api.Config{
		Registry:    a.registry,
		Cache:       a.cache,
		Hub:         a.hub,
		Metrics:     tel.MetricsHandler(),
		HTTPMetrics: httpMetrics,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	})

	logger.Info("lspbridge starting",
		slog.String("workspace", cfg.Workspace),
		slog.String("addr", cfg.HTTP.Addr),
		slog.Any("languages", a.registry.Languages()))

	runErr := srv.Run(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+cfg.Servers.ShutdownGrace)
	defer cancel()
	closeErr := a.Close(closeCtx)
	logger.Info("lspbridge stopped")
	return errors.Join(runErr, closeErr)
}
