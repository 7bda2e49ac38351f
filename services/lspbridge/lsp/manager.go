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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/fingerprint"
	"github.com/AleutianAI/lspbridge/services/lspbridge/jsonrpc"
	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

// Client identity sent in initialize.
const (
	ClientName    = "aleutian-lspbridge"
	ClientVersion = "0.1.0"
)

// =============================================================================
// STATE
// =============================================================================

// State is the lifecycle state of a managed server.
type State int

const (
	// StateNotStarted is the initial state, and the state after a manual
	// Restart tears the old process down.
	StateNotStarted State = iota

	// StateStarting means a process is being spawned and initialized.
	StateStarting

	// StateRunning means the handshake completed and the process is live.
	StateRunning

	// StateCrashed means the process died or failed to start. A restart
	// may be scheduled, or the crash may be terminal.
	StateCrashed

	// StateStopped is final. Only reached through Shutdown.
	StateStopped
)

func (s State) String() string {
	names := []string{"not_started", "starting", "running", "crashed", "stopped"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// HealthStatus is the coarse status reported by HealthCheck.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthStarting   HealthStatus = "starting"
	HealthNotStarted HealthStatus = "not_started"
	HealthCrashed    HealthStatus = "crashed"
	HealthStopped    HealthStatus = "stopped"
)

// =============================================================================
// SCHEDULING
// =============================================================================

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests inject one to drive restarts by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// =============================================================================
// SESSION
// =============================================================================

// session is one live process with its client. A restart creates a new
// session; stale references are detected by pointer comparison.
type session struct {
	id        string
	proc      process.Process
	client    *jsonrpc.Client
	caps      Capabilities
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	docsMu sync.Mutex
	docs   map[protocol.DocumentURI]*openDocument
}

type openDocument struct {
	version     int32
	fingerprint string
}

// Capabilities summarizes what the server advertised in initialize.
type Capabilities struct {
	ServerName    string          `json:"server_name,omitempty"`
	ServerVersion string          `json:"server_version,omitempty"`
	Providers     map[string]bool `json:"providers"`

	// TextDocumentSync is 0 (none), 1 (full) or 2 (incremental).
	TextDocumentSync int `json:"text_document_sync"`
}

// Supports reports whether the server advertised the provider kind needs.
func (c Capabilities) Supports(kind QueryKind) bool {
	return c.Providers[kind.provider()]
}

func parseCapabilities(raw map[string]json.RawMessage, info *protocol.ServerInfo) Capabilities {
	caps := Capabilities{Providers: make(map[string]bool)}
	if info != nil {
		caps.ServerName = info.Name
		caps.ServerVersion = info.Version
	}
	for _, kind := range QueryKinds() {
		name := kind.provider()
		v, ok := raw[name]
		caps.Providers[name] = ok && !isNull(v) && string(v) != "false"
	}
	if v, ok := raw["textDocumentSync"]; ok && !isNull(v) {
		var n int
		if err := json.Unmarshal(v, &n); err == nil {
			caps.TextDocumentSync = n
		} else {
			var opts struct {
				Change int `json:"change"`
			}
			if json.Unmarshal(v, &opts) == nil {
				caps.TextDocumentSync = opts.Change
			}
		}
	}
	return caps
}

// =============================================================================
// MANAGER
// =============================================================================

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLauncher replaces the process launcher.
func WithLauncher(l process.Launcher) ManagerOption {
	return func(m *Manager) { m.launcher = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventSink receives lifecycle events.
func WithEventSink(sink events.Sink) ManagerOption {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithCache shares a result cache between managers.
func WithCache(c *resultcache.Cache) ManagerOption {
	return func(m *Manager) { m.cache = c }
}

// WithFingerprints shares a file fingerprint index between managers.
func WithFingerprints(idx *fingerprint.Index) ManagerOption {
	return func(m *Manager) { m.fps = idx }
}

// WithClock injects the time source used for state timestamps, restart
// deadlines and the breaker.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithScheduler injects the restart scheduler.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.sched = s
		}
	}
}

// WithRandom injects the jitter source, returning values in [0, 1).
func WithRandom(r func() float64) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.random = r
		}
	}
}

// WithFlavor overrides the flavor selected from the configuration.
func WithFlavor(f Flavor) ManagerOption {
	return func(m *Manager) { m.flavor = f }
}

// Manager owns one language server process and its lifecycle.
//
// Description:
//
//	Starts the server lazily, performs the initialize handshake, watches
//	the process, and restarts it with bounded exponential backoff after a
//	crash. Queries go through the result cache and a circuit breaker
//	before reaching the server. Restart scheduling and breaker accounting
//	are independent: a crash does not trip the breaker by itself and an
//	open breaker does not restart the process.
//
// Thread Safety:
//
//	Safe for concurrent use. Startup runs outside any lock held by
//	callers; concurrent EnsureStarted calls share one start.
type Manager struct {
	cfg      LanguageConfig
	rootPath string
	rootURI  protocol.DocumentURI
	flavor   Flavor
	launcher process.Launcher
	logger   *slog.Logger
	sink     events.Sink
	cache    *resultcache.Cache
	fps      *fingerprint.Index
	now      func() time.Time
	sched    Scheduler
	random   func() float64
	breaker  *breaker.Breaker

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu            sync.Mutex
	state         State
	sess          *session
	starting      chan struct{}
	restartTimer  Timer
	timerGen      uint64
	attempt       int
	restartCount  int
	nextRestartAt time.Time
	terminal      bool
	lastErr       error
	lastStderr    []string
	lastUsed      time.Time

	wg sync.WaitGroup
}

// NewManager creates a manager for one language. Nothing is started until
// the first EnsureStarted, Initialize, Dispatch or Query.
func NewManager(rootPath string, cfg LanguageConfig, opts ...ManagerOption) *Manager {
	cfg = cfg.WithDefaults()
	if abs, err := filepath.Abs(rootPath); err == nil {
		rootPath = abs
	}
	m := &Manager{
		cfg:      cfg,
		rootPath: rootPath,
		rootURI:  protocol.DocumentURI(uri.File(rootPath)),
		logger:   slog.Default(),
		sink:     events.Nop,
		now:      time.Now,
		sched:    realScheduler{},
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("language", cfg.Language))
	if m.flavor == nil {
		m.flavor = FlavorFor(cfg.Flavor)
	}
	if m.launcher == nil {
		m.launcher = process.NewSupervisor(process.WithLogger(m.logger))
	}
	if m.cache == nil {
		m.cache = resultcache.New(nil, resultcache.WithLogger(m.logger), resultcache.WithEventSink(m.sink))
	}
	if m.fps == nil {
		m.fps = fingerprint.NewIndex()
	}
	m.breaker = breaker.New(cfg.Breaker,
		breaker.WithClock(m.now),
		breaker.WithLogger(m.logger),
		breaker.WithFailurePredicate(countsAgainstServer),
		breaker.WithStateChangeHook(m.onCircuitTransition),
	)
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	m.lastUsed = m.now()
	return m
}

func (m *Manager) Language() string          { return m.cfg.Language }
func (m *Manager) Config() LanguageConfig    { return m.cfg }
func (m *Manager) RootPath() string          { return m.rootPath }
func (m *Manager) Flavor() Flavor            { return m.flavor }
func (m *Manager) Breaker() *breaker.Breaker { return m.breaker }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastUsed returns when the manager last served a request.
func (m *Manager) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

// EnsureStarted makes sure a server is running.
//
// Description:
//
//	Returns nil at once when running. Joins an in-flight start rather
//	than spawning a second process. Never blocks on a scheduled restart:
//	while one is pending it returns *UnavailableError with RetryAfter.
//
// Errors:
//
//	*UnavailableError - Crashed (Terminal when restarts are exhausted or
//	                    the binary is missing).
//	ErrShutdown - The manager was shut down.
//	ctx.Err() - The caller gave up waiting for a start.
func (m *Manager) EnsureStarted(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case StateRunning:
			m.mu.Unlock()
			return nil
		case StateStopped:
			m.mu.Unlock()
			return ErrShutdown
		case StateCrashed:
			err := m.unavailableLocked(nil)
			m.mu.Unlock()
			return err
		case StateNotStarted:
			m.beginStartLocked()
		}
		ch := m.starting
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// beginStartLocked moves to Starting and spawns the start goroutine.
func (m *Manager) beginStartLocked() {
	m.state = StateStarting
	ch := make(chan struct{})
	m.starting = ch
	attempt := m.attempt
	m.wg.Add(1)
	go m.runStart(ch, attempt)
}

func (m *Manager) runStart(ch chan struct{}, attempt int) {
	defer m.wg.Done()

	m.emit(events.Event{Type: events.TypeServerStarting, Attempt: attempt})
	begin := time.Now()
	ctx, cancel := context.WithTimeout(m.lifeCtx, m.cfg.StartupTimeout)
	sess, err := m.start(ctx)
	cancel()
	recordSpawn(context.Background(), m.cfg.Language, err == nil)

	m.mu.Lock()
	m.starting = nil
	if m.state == StateStopped {
		m.mu.Unlock()
		close(ch)
		if sess != nil {
			m.teardown(context.Background(), sess, false)
		}
		return
	}
	if err != nil {
		delay, scheduled := m.crashLocked(err, time.Time{})
		m.mu.Unlock()
		close(ch)
		m.afterCrash(err, delay, scheduled)
		return
	}
	m.state = StateRunning
	m.sess = sess
	m.lastErr = nil
	m.lastStderr = nil
	m.nextRestartAt = time.Time{}
	m.wg.Add(1)
	m.mu.Unlock()
	close(ch)

	go m.monitor(sess)

	m.logger.Info("language server ready",
		slog.Int("pid", sess.proc.Pid()),
		slog.String("instance_id", sess.id),
		slog.String("server", sess.caps.ServerName),
		slog.Duration("startup", time.Since(begin)))
	m.emit(events.Event{
		Type:    events.TypeServerRunning,
		Attempt: attempt,
		Latency: time.Since(begin),
		Fields:  map[string]string{"pid": strconv.Itoa(sess.proc.Pid()), "instance_id": sess.id},
	})
}

// start spawns the process and runs the handshake.
func (m *Manager) start(ctx context.Context) (*session, error) {
	ctx, span := tracer.Start(ctx, "Manager.start")
	defer span.End()

	proc, err := m.launcher.Launch(ctx, m.cfg.ProcessSpec(m.rootPath))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	t := jsonrpc.NewTransport(proc.Stdout(), proc.Stdin(), jsonrpc.WithTransportLogger(m.logger))
	t.DrainErrorStream(proc.Stderr(), jsonrpc.WithDrainLabel(m.cfg.Command))
	client := jsonrpc.NewClient(t, jsonrpc.ClientOptions{
		Logger:         m.logger,
		OnNotification: m.onNotification,
		OnRequest:      serverRequestHandler(m.flavor, m.rootURI, filepath.Base(m.rootPath)),
		WriteTimeout:   m.cfg.RequestTimeout,
	})

	sess := &session{
		id:        uuid.NewString(),
		proc:      proc,
		client:    client,
		startedAt: m.now(),
		docs:      make(map[protocol.DocumentURI]*openDocument),
	}
	sess.ctx, sess.cancel = context.WithCancel(m.lifeCtx)

	caps, err := m.handshake(ctx, client)
	if err != nil {
		tail := t.StderrTail()
		m.teardown(context.Background(), sess, false)
		m.mu.Lock()
		m.lastStderr = tail
		m.mu.Unlock()
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrInitializeFailed, err)
	}
	sess.caps = caps
	return sess, nil
}

func (m *Manager) handshake(ctx context.Context, client *jsonrpc.Client) (Capabilities, error) {
	initOpts := m.flavor.InitializationOptions()
	if m.cfg.InitializationOptions != nil {
		initOpts = m.cfg.InitializationOptions
	}
	params := &protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		RootURI:   m.rootURI,
		ClientInfo: &protocol.ClientInfo{
			Name:    ClientName,
			Version: ClientVersion,
		},
		Capabilities: protocol.ClientCapabilities{
			TextDocument: &protocol.TextDocumentClientCapabilities{
				Hover:          &protocol.HoverTextDocumentClientCapabilities{},
				Definition:     &protocol.DefinitionTextDocumentClientCapabilities{},
				References:     &protocol.ReferencesTextDocumentClientCapabilities{},
				DocumentSymbol: &protocol.DocumentSymbolClientCapabilities{},
			},
			Workspace: &protocol.WorkspaceClientCapabilities{
				Symbol: &protocol.WorkspaceClientCapabilitiesSymbol{},
			},
		},
	}
	if initOpts != nil {
		params.InitializationOptions = initOpts
	}

	var result struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
		ServerInfo   *protocol.ServerInfo       `json:"serverInfo"`
	}
	if err := client.Call(ctx, "initialize", params, &result, m.cfg.StartupTimeout); err != nil {
		return Capabilities{}, err
	}
	if err := client.Notify("initialized", &protocol.InitializedParams{}); err != nil {
		return Capabilities{}, err
	}
	return parseCapabilities(result.Capabilities, result.ServerInfo), nil
}

func (m *Manager) onNotification(method string, params json.RawMessage) {
	switch method {
	case "window/logMessage", "window/showMessage":
		var msg struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &msg) == nil {
			m.logger.Debug("server message", slog.Int("type", msg.Type), slog.String("message", msg.Message))
		}
	default:
		m.logger.Debug("server notification", slog.String("method", method))
	}
}

const exitSettle = 250 * time.Millisecond

// monitor turns process exit, connection loss or a failed probe into a
// crash for sess.
func (m *Manager) monitor(sess *session) {
	defer m.wg.Done()

	var tick <-chan time.Time
	if m.cfg.ProbeInterval > 0 {
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.proc.Done():
			m.handleCrash(sess, fmt.Errorf("%w: %s", ErrServerCrashed, describeExit(sess.proc)))
			return
		case <-sess.client.Done():
			// A dying process usually closes stdout just before it is
			// reaped; prefer the exit status when it follows promptly.
			cause := fmt.Errorf("%w: %w", ErrServerCrashed, sess.client.Err())
			settle := time.NewTimer(exitSettle)
			select {
			case <-sess.proc.Done():
				cause = fmt.Errorf("%w: %s", ErrServerCrashed, describeExit(sess.proc))
			case <-settle.C:
			case <-sess.ctx.Done():
				settle.Stop()
				return
			}
			settle.Stop()
			m.handleCrash(sess, cause)
			return
		case <-tick:
			if !sess.proc.Alive() {
				continue
			}
			if err := sess.proc.Probe(); err != nil {
				m.handleCrash(sess, fmt.Errorf("%w: liveness probe: %w", ErrServerCrashed, err))
				return
			}
		}
	}
}

func describeExit(p process.Process) string {
	if err := p.ExitErr(); err != nil {
		return "process exited: " + err.Error()
	}
	return "process exited"
}

// handleCrash records a crash of sess if it is still the live session.
func (m *Manager) handleCrash(sess *session, cause error) {
	m.mu.Lock()
	if m.sess != sess || m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.lastStderr = sess.client.Transport().StderrTail()
	delay, scheduled := m.crashLocked(cause, sess.startedAt)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.teardown(context.Background(), sess, false)
	}()
	m.afterCrash(cause, delay, scheduled)
}

// crashLocked moves to Crashed and schedules the next restart, or marks
// the crash terminal.
func (m *Manager) crashLocked(cause error, startedAt time.Time) (time.Duration, bool) {
	m.state = StateCrashed
	m.lastErr = cause
	p := m.cfg.Restart

	if p.StableAfter > 0 && !startedAt.IsZero() && m.now().Sub(startedAt) >= p.StableAfter {
		m.attempt = 0
	}
	m.attempt++

	if errors.Is(cause, process.ErrNotInstalled) {
		m.terminal = true
		return 0, false
	}
	if m.attempt > p.MaxAttempts {
		m.terminal = true
		m.lastErr = fmt.Errorf("%w (%d failures): %w", ErrRestartsExhausted, m.attempt, cause)
		return 0, false
	}

	delay := p.jittered(p.Delay(m.attempt-1), m.random())
	m.nextRestartAt = m.now().Add(delay)
	m.timerGen++
	gen := m.timerGen
	m.restartTimer = m.sched.AfterFunc(delay, func() { m.restartFromTimer(gen) })
	return delay, true
}

func (m *Manager) afterCrash(cause error, delay time.Duration, scheduled bool) {
	m.mu.Lock()
	attempt, tail := m.attempt, m.lastStderr
	m.mu.Unlock()

	m.logger.Warn("language server crashed",
		slog.String("error", cause.Error()),
		slog.Int("attempt", attempt),
		slog.Any("stderr_tail", tail))
	m.emit(events.Event{Type: events.TypeServerCrashed, Attempt: attempt, Error: cause.Error()})

	if scheduled {
		m.emit(events.Event{Type: events.TypeRestartScheduled, Attempt: attempt, Latency: delay})
		return
	}
	m.logger.Error("language server will not be restarted automatically",
		slog.Int("attempt", attempt), slog.String("error", cause.Error()))
	m.emit(events.Event{Type: events.TypeRestartsExhausted, Attempt: attempt, Error: cause.Error()})
}

func (m *Manager) restartFromTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.timerGen || m.state != StateCrashed || m.terminal {
		return
	}
	m.restartTimer = nil
	m.restartCount++
	m.beginStartLocked()
	recordRestart(context.Background(), m.cfg.Language, "automatic")
}

func (m *Manager) stopTimerLocked() {
	m.timerGen++
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
}

// teardown stops sess. A graceful teardown runs the shutdown/exit
// handshake first.
func (m *Manager) teardown(ctx context.Context, sess *session, graceful bool) {
	sess.cancel()
	grace := m.cfg.ShutdownGrace

	if graceful && sess.client.Err() == nil && sess.proc.Alive() {
		if _, err := sess.client.Request(ctx, "shutdown", nil, grace); err != nil {
			m.logger.Debug("shutdown request failed", slog.String("error", err.Error()))
		}
		_ = sess.client.Notify("exit", nil)

		timer := time.NewTimer(grace)
		select {
		case <-sess.proc.Done():
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	_ = sess.client.Close()
	var err error
	if graceful {
		err = sess.proc.Terminate(ctx, grace)
	} else {
		err = sess.proc.Kill()
	}
	if err != nil {
		m.logger.Warn("failed to stop language server process",
			slog.Int("pid", sess.proc.Pid()), slog.String("error", err.Error()))
	}
}

// unavailableLocked builds the error for a server that cannot serve now.
func (m *Manager) unavailableLocked(cause error) error {
	if m.state == StateStopped {
		return ErrShutdown
	}
	if cause == nil {
		cause = m.lastErr
	}
	e := &UnavailableError{Language: m.cfg.Language, Terminal: m.terminal, Cause: cause}
	if !m.terminal && !m.nextRestartAt.IsZero() {
		if d := m.nextRestartAt.Sub(m.now()); d > 0 {
			e.RetryAfter = d
		}
	}
	return e
}

// current returns the live session, starting the server if needed.
func (m *Manager) current(ctx context.Context) (*session, error) {
	if err := m.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, m.unavailableLocked(nil)
	}
	m.lastUsed = m.now()
	return m.sess, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

// Initialize starts the server if needed and returns its capabilities.
func (m *Manager) Initialize(ctx context.Context) (Capabilities, error) {
	sess, err := m.current(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	return sess.caps, nil
}

// Dispatch sends one request to the server, bypassing cache and breaker.
//
// Description:
//
//	Starts the server if needed. A connection or protocol failure marks
//	the server crashed, schedules a restart and returns
//	*UnavailableError. Timeouts and error replies are returned as is.
//
// Inputs:
//
//	ctx - Caller cancellation.
//	method - LSP method name.
//	params - Request parameters.
//	timeout - Per-request timeout. <= 0 uses the configured default.
func (m *Manager) Dispatch(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	sess, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	return m.dispatchOn(ctx, sess, method, params, timeout)
}

func (m *Manager) dispatchOn(ctx context.Context, sess *session, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}
	raw, err := sess.client.Request(ctx, method, params, timeout)
	if err != nil && isConnectionFailure(err) {
		return nil, m.sessionFailed(sess, err)
	}
	return raw, err
}

// notifyOn sends a notification, treating failure like a lost connection.
func (m *Manager) notifyOn(sess *session, method string, params any) error {
	if err := sess.client.Notify(method, params); err != nil {
		return m.sessionFailed(sess, err)
	}
	return nil
}

func (m *Manager) sessionFailed(sess *session, err error) error {
	m.handleCrash(sess, fmt.Errorf("%w: %w", ErrServerCrashed, err))
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unavailableLocked(err)
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// Restart tears down the current process, clears the restart budget and
// starts a new one. It also revives a terminally crashed server.
func (m *Manager) Restart(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case StateStopped:
			m.mu.Unlock()
			return ErrShutdown
		case StateStarting:
			ch := m.starting
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		m.stopTimerLocked()
		sess := m.sess
		m.sess = nil
		m.attempt = 0
		m.terminal = false
		m.lastErr = nil
		m.nextRestartAt = time.Time{}
		m.restartCount++
		m.state = StateNotStarted
		m.mu.Unlock()

		m.logger.Info("manual restart requested")
		recordRestart(ctx, m.cfg.Language, "manual")
		if sess != nil {
			m.teardown(ctx, sess, true)
		}
		return m.EnsureStarted(ctx)
	}
}

// Shutdown stops the server for good. Idempotent.
//
// Description:
//
//	Cancels any scheduled restart and in-flight start, sends shutdown
//	and exit, waits up to the shutdown grace period, then terminates the
//	process group. Waits for every background goroutine.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopped
	m.stopTimerLocked()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	m.lifeCancel()
	if sess != nil {
		m.teardown(ctx, sess, true)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown %s: %w", m.cfg.Language, ctx.Err())
	}

	m.logger.Info("language server stopped")
	m.emit(events.Event{Type: events.TypeServerStopped})
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is a point-in-time view of a managed server.
type Health struct {
	Language      string        `json:"language"`
	State         string        `json:"state"`
	Status        HealthStatus  `json:"status"`
	Command       string        `json:"command"`
	RestartCount  int           `json:"restart_count"`
	Attempt       int           `json:"attempt"`
	CircuitState  string        `json:"circuit_state"`
	PID           int           `json:"pid,omitempty"`
	InstanceID    string        `json:"instance_id,omitempty"`
	ServerName    string        `json:"server_name,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	Uptime        time.Duration `json:"uptime_ns,omitempty"`
	NextRestartAt *time.Time    `json:"next_restart_at,omitempty"`
	Terminal      bool          `json:"terminal"`
	LastError     string        `json:"last_error,omitempty"`
	Pending       int           `json:"pending_requests"`
	StderrTail    []string      `json:"stderr_tail,omitempty"`
}

// HealthCheck returns the coarse status without any I/O.
func (m *Manager) HealthCheck() HealthStatus {
	return statusFor(m.State())
}

func statusFor(s State) HealthStatus {
	switch s {
	case StateRunning:
		return HealthHealthy
	case StateStarting:
		return HealthStarting
	case StateCrashed:
		return HealthCrashed
	case StateStopped:
		return HealthStopped
	default:
		return HealthNotStarted
	}
}

// Health returns a detailed snapshot without any I/O.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		Language:     m.cfg.Language,
		State:        m.state.String(),
		Status:       statusFor(m.state),
		Command:      m.cfg.Command,
		RestartCount: m.restartCount,
		Attempt:      m.attempt,
		CircuitState: m.breaker.State().String(),
		Terminal:     m.terminal,
		StderrTail:   m.lastStderr,
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	if m.sess != nil {
		started := m.sess.startedAt
		h.PID = m.sess.proc.Pid()
		h.InstanceID = m.sess.id
		h.ServerName = m.sess.caps.ServerName
		h.StartedAt = &started
		h.Uptime = m.now().Sub(started)
		h.Pending = m.sess.client.Pending()
	}
	if m.state == StateCrashed && !m.terminal && !m.nextRestartAt.IsZero() {
		next := m.nextRestartAt
		h.NextRestartAt = &next
	}
	return h
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Manager) emit(e events.Event) {
	e.Language = m.cfg.Language
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	m.sink.Emit(e)
}

func (m *Manager) onCircuitTransition(name string, from, to breaker.State) {
	recordCircuitTransition(context.Background(), name, from.String(), to.String())
	m.emit(events.Event{
		Type:   events.TypeCircuitTransition,
		State:  to.String(),
		Fields: map[string]string{"breaker": name, "from": from.String()},
	})
}
