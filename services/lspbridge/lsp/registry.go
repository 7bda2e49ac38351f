// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// IdleTimeout is how long a running server may go unused before it is
	// shut down. Zero disables idle shutdown.
	IdleTimeout time.Duration

	// ManagerOptions are applied to every manager the registry creates.
	ManagerOptions []ManagerOption

	Logger *slog.Logger

	// LookPath resolves server binaries for Available. Defaults to
	// exec.LookPath.
	LookPath func(string) (string, error)
}

// Registry owns one Manager per language under a single workspace root.
//
// Description:
//
//	Managers are created lazily on first use. A manager stopped by the
//	idle monitor is removed, so the next request creates a fresh one.
//	After ShutdownAll no new managers are created.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Registry struct {
	rootPath string
	configs  *ConfigRegistry
	config   RegistryConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	managers map[string]*Manager

	// startMu serializes manager creation per language.
	startMu sync.Map // language -> *sync.Mutex

	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry rooted at rootPath. A nil configs uses
// the built-in languages.
func NewRegistry(rootPath string, configs *ConfigRegistry, config RegistryConfig) *Registry {
	if configs == nil {
		configs = NewConfigRegistry()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LookPath == nil {
		config.LookPath = exec.LookPath
	}
	return &Registry{
		rootPath: rootPath,
		configs:  configs,
		config:   config,
		logger:   config.Logger,
		managers: make(map[string]*Manager),
		stopped:  make(chan struct{}),
	}
}

func (r *Registry) RootPath() string         { return r.rootPath }
func (r *Registry) Configs() *ConfigRegistry { return r.configs }

func (r *Registry) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// GetOrCreate returns the manager for language, creating it if needed.
// Creating a manager does not start its server.
//
// Errors:
//
//	ErrUnsupportedLanguage - No configuration for language.
//	ErrShutdown - ShutdownAll was called.
func (r *Registry) GetOrCreate(language string) (*Manager, error) {
	if r.isStopped() {
		return nil, ErrShutdown
	}

	r.mu.RLock()
	m, ok := r.managers[language]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	cfg, ok := r.configs.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	muI, _ := r.startMu.LoadOrStore(language, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have created it while we waited.
	r.mu.RLock()
	m, ok = r.managers[language]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	opts := append([]ManagerOption{WithLogger(r.logger)}, r.config.ManagerOptions...)
	m = NewManager(r.rootPath, cfg, opts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isStopped() {
		return nil, ErrShutdown
	}
	r.managers[language] = m
	return m, nil
}

// Manager returns an existing manager without creating one.
func (r *Registry) Manager(language string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[language]
	return m, ok
}

// LanguageForFile maps a path to a configured language by extension.
func (r *Registry) LanguageForFile(path string) (string, bool) {
	return r.configs.LanguageForFile(path)
}

// Languages returns the configured languages, sorted.
func (r *Registry) Languages() []string {
	return r.configs.Languages()
}

// Available reports whether language is configured and its server binary
// is installed. Does not start anything.
func (r *Registry) Available(language string) bool {
	cfg, ok := r.configs.Get(language)
	if !ok {
		return false
	}
	_, err := r.config.LookPath(cfg.Command)
	return err == nil
}

// Query routes req to the manager for its language, inferring the
// language from the file extension when unset.
func (r *Registry) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if req.Language == "" {
		lang, ok := r.LanguageForFile(req.File)
		if !ok {
			return nil, fmt.Errorf("%w: no server for %q", ErrUnsupportedLanguage, req.File)
		}
		req.Language = lang
	}
	m, err := r.GetOrCreate(req.Language)
	if err != nil {
		return nil, err
	}
	return m.Query(ctx, req)
}

// Restart restarts the server for language.
func (r *Registry) Restart(ctx context.Context, language string) error {
	m, err := r.GetOrCreate(language)
	if err != nil {
		return err
	}
	return m.Restart(ctx)
}

// Health reports every configured language, sorted by name. Languages
// without a manager are reported as not started.
func (r *Registry) Health() []Health {
	langs := r.configs.Languages()
	out := make([]Health, 0, len(langs))
	for _, lang := range langs {
		if m, ok := r.Manager(lang); ok {
			out = append(out, m.Health())
			continue
		}
		cfg, _ := r.configs.Get(lang)
		out = append(out, Health{
			Language:     lang,
			State:        StateNotStarted.String(),
			Status:       HealthNotStarted,
			Command:      cfg.Command,
			CircuitState: "closed",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Running returns languages whose server is currently running.
func (r *Registry) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var langs []string
	for lang, m := range r.managers {
		if m.State() == StateRunning {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// ShutdownAll stops every manager concurrently. Idempotent; later calls
// to GetOrCreate return ErrShutdown.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopped) })

	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		g.Go(func() error { return m.Shutdown(gctx) })
	}
	return g.Wait()
}

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor shuts down servers idle longer than IdleTimeout,
// checking at half that interval. Does nothing when IdleTimeout is zero.
// Stops with ShutdownAll.
func (r *Registry) StartIdleMonitor() {
	if r.config.IdleTimeout <= 0 {
		return
	}
	go func() {
		interval := r.config.IdleTimeout / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopped:
				return
			case <-ticker.C:
				r.shutdownIdle(time.Now())
			}
		}
	}()
}

func (r *Registry) shutdownIdle(now time.Time) {
	r.mu.Lock()
	var idle []*Manager
	for lang, m := range r.managers {
		if m.State() == StateRunning && now.Sub(m.LastUsed()) > r.config.IdleTimeout {
			idle = append(idle, m)
			delete(r.managers, lang)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		r.logger.Info("Shutting down idle language server",
			slog.String("language", m.Language()),
			slog.Duration("idle_timeout", r.config.IdleTimeout))
		if err := m.Shutdown(context.Background()); err != nil {
			r.logger.Warn("idle shutdown failed",
				slog.String("language", m.Language()), slog.String("error", err.Error()))
		}
	}
}
