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
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/config"
	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/fingerprint"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

const janitorInterval = time.Minute

// app holds every long-lived component built from a Config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	cache    *resultcache.Cache
	hub      *events.Hub
	nats     *events.NATSSink
	index    *fingerprint.Index
	watcher  *fingerprint.Watcher
	registry *lsp.Registry
}

type bootstrapOptions struct {
	launcher process.Launcher
	lookPath func(string) (string, error)

	// watch starts the workspace watcher when the config asks for it.
	watch bool
}

// bootstrap wires cache tiers, event sinks, the fingerprint index and the
// registry. Optional infrastructure that fails to connect (Redis, NATS) is
// logged and skipped; the bridge runs degraded rather than not at all.
func bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts bootstrapOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: events.NewHub(cfg.Events.HubBuffer), index: fingerprint.NewIndex()}

	sinks := events.Fanout{a.hub}
	if cfg.Events.Log {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	if cfg.Events.NATS.URL != "" {
		sink, err := events.ConnectNATS(cfg.Events.NATS, logger)
		if err != nil {
			logger.Warn("nats unavailable, events stay local",
				slog.String("url", cfg.Events.NATS.URL),
				slog.String("error", err.Error()))
		} else {
			a.nats = sink
			sinks = append(sinks, sink)
		}
	}

	cache, err := buildCache(ctx, cfg, logger, sinks)
	if err != nil {
		a.hub.Close()
		a.closeNATS()
		return nil, err
	}
	a.cache = cache

	if opts.watch && cfg.Servers.WatchWorkspace {
		w, err := fingerprint.NewWatcher(cfg.Workspace, a.index, fingerprint.WithWatchLogger(logger))
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			logger.Warn("workspace watcher disabled", slog.String("error", err.Error()))
		} else {
			a.watcher = w
		}
	}

	managerOpts := []lsp.ManagerOption{
		lsp.WithLogger(logger),
		lsp.WithEventSink(sinks),
		lsp.WithCache(cache),
		lsp.WithFingerprints(a.index),
	}
	if opts.launcher != nil {
		managerOpts = append(managerOpts, lsp.WithLauncher(opts.launcher))
	}
	a.registry = lsp.NewRegistry(cfg.Workspace, cfg.LanguageRegistry(), lsp.RegistryConfig{
		IdleTimeout:    cfg.Servers.IdleTimeout,
		ManagerOptions: managerOpts,
		Logger:         logger,
		LookPath:       opts.lookPath,
	})
	return a, nil
}

func buildCache(ctx context.Context, cfg *config.Config, logger *slog.Logger, sink events.Sink) (*resultcache.Cache, error) {
	var local resultcache.Backend
	switch cfg.Cache.Backend {
	case "badger":
		bc := cfg.Cache.Badger
		bc.Logger = logger
		b, err := resultcache.OpenBadgerBackend(bc)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		local = b
	default:
		m := resultcache.NewMemoryBackend(resultcache.WithMaxEntries(cfg.Cache.MaxEntries))
		m.StartJanitor(janitorInterval)
		local = m
	}

	opts := []resultcache.Option{
		resultcache.WithDefaultTTL(cfg.CacheTTL()),
		resultcache.WithLogger(logger),
		resultcache.WithEventSink(sink),
	}
	if cfg.Cache.Remote.Enabled {
		remote := resultcache.NewRedisBackend(cfg.Cache.Remote.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := remote.Ping(pingCtx); err != nil {
			logger.Warn("redis cache unreachable, continuing with breaker protection",
				slog.String("addr", cfg.Cache.Remote.Redis.Address),
				slog.String("error", err.Error()))
		}
		cancel()
		cb := breaker.New(cfg.Cache.Remote.Breaker, breaker.WithLogger(logger))
		opts = append(opts, resultcache.WithRemote(remote, cb))
	}
	return resultcache.New(local, opts...), nil
}

// Close stops servers first so no query touches a closed cache.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.registry.ShutdownAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown servers: %w", err))
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	a.hub.Close()
	a.closeNATS()
	return errors.Join(errs...)
}

func (a *app) closeNATS() {
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.logger.Warn("close nats", slog.String("error", err.Error()))
		}
	}
}
