// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package process launches and supervises language server subprocesses.
//
// A Supervisor starts one child per Launch call with three explicit
// os.Pipe pairs for stdin, stdout and stderr, so the caller owns every
// stream and nothing inside os/exec copies data behind its back. On unix
// the child leads its own process group and Terminate/Kill signal the
// whole group, which also reaps helpers the server forked.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotInstalled means the server binary could not be found on PATH.
var ErrNotInstalled = errors.New("language server not installed")

// ErrExited is returned by Probe once the process has exited.
var ErrExited = errors.New("process exited")

// Spec describes the command to launch.
type Spec struct {
	// Command is a binary name resolved through PATH, or a path.
	Command string `yaml:"command" validate:"required"`

	// Args are passed verbatim.
	Args []string `yaml:"args"`

	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env []string `yaml:"env"`

	// Dir is the working directory. Empty means the parent's.
	Dir string `yaml:"dir"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %v", s.Command, s.Args)
}

// Process is a running child with its three standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	Pid() int
	StartedAt() time.Time

	// Alive reports whether the process has not yet been reaped.
	Alive() bool

	// Done is closed after the process exits and is reaped.
	Done() <-chan struct{}

	// ExitErr is the wait error. Only meaningful after Done.
	ExitErr() error

	// Probe checks liveness without waiting for Done.
	Probe() error

	// Terminate asks the process to stop, escalating to Kill after grace.
	Terminate(ctx context.Context, grace time.Duration) error

	// Kill stops the process immediately.
	Kill() error
}

// Launcher starts processes. The lsp package depends on this interface
// so tests can substitute in-memory servers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec Spec) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, spec Spec) (Process, error) { return f(ctx, spec) }

// =============================================================================
// SUPERVISOR
// =============================================================================

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLookPath replaces exec.LookPath, mainly for tests.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(s *Supervisor) {
		if lookPath != nil {
			s.lookPath = lookPath
		}
	}
}

// Supervisor launches real OS processes.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Handle it returns is independent.
type Supervisor struct {
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:   slog.Default(),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Installed reports whether spec.Command resolves to an executable.
func (s *Supervisor) Installed(spec Spec) bool {
	_, err := s.lookPath(spec.Command)
	return err == nil
}

// Launch starts spec as a child process.
//
// Description:
//
//	Resolves the binary, wires three pipes, and starts the child in its
//	own process group. The child is not bound to ctx; ctx only aborts
//	the launch itself. The caller must eventually call Terminate or Kill.
//
// Outputs:
//
//	Process - A *Handle for the running child.
//	error - ErrNotInstalled when the binary is missing, or a start error.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.lookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotInstalled, spec.Command, err)
	}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		opened = append(opened, r, w)
		return r, w, nil
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	// The child holds its own copies of these ends.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h := &Handle{
		cmd:       cmd,
		spec:      spec,
		stdin:     stdinW,
		stdout:    stdoutR,
		stderr:    stderrR,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		logger:    s.logger.With(slog.String("command", spec.Command), slog.Int("pid", cmd.Process.Pid)),
	}
	go h.wait()

	h.logger.Info("process started", slog.String("path", path), slog.Any("args", spec.Args))
	return h, nil
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle is a process started by a Supervisor.
type Handle struct {
	cmd       *exec.Cmd
	spec      Spec
	stdin     *os.File
	stdout    *os.File
	stderr    *os.File
	startedAt time.Time
	logger    *slog.Logger

	done    chan struct{}
	mu      sync.Mutex
	exitErr error

	closeOnce sync.Once
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)

	if err != nil {
		h.logger.Warn("process exited", slog.String("error", err.Error()), slog.Duration("uptime", time.Since(h.startedAt)))
	} else {
		h.logger.Info("process exited", slog.Duration("uptime", time.Since(h.startedAt)))
	}
}

func (h *Handle) Stdin() io.WriteCloser { return h.stdin }
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }
func (h *Handle) Pid() int              { return h.cmd.Process.Pid }
func (h *Handle) StartedAt() time.Time  { return h.startedAt }
func (h *Handle) Spec() Spec            { return h.spec }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode returns the exit status, or -1 while running or when killed by
// a signal.
func (h *Handle) ExitCode() int {
	if h.Alive() {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

func (h *Handle) Probe() error {
	if !h.Alive() {
		return ErrExited
	}
	return probe(h.cmd.Process)
}

// Terminate sends SIGTERM to the process group, waits up to grace or ctx,
// then kills. The pipes are closed once the process is gone.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	defer h.closePipes()
	if !h.Alive() {
		return nil
	}

	if err := signalTerminate(h.cmd.Process); err != nil && h.Alive() {
		h.logger.Debug("terminate signal failed, killing", slog.String("error", err.Error()))
		return h.kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		h.logger.Warn("process ignored terminate, killing", slog.Duration("grace", grace))
	case <-ctx.Done():
	}
	return h.kill()
}

// Kill sends SIGKILL to the process group and waits for the reap.
func (h *Handle) Kill() error {
	defer h.closePipes()
	return h.kill()
}

func (h *Handle) kill() error {
	if !h.Alive() {
		return nil
	}
	if err := signalKill(h.cmd.Process); err != nil && h.Alive() {
		return fmt.Errorf("kill pid %d: %w", h.Pid(), err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pid %d not reaped after kill", h.Pid())
	}
}

func (h *Handle) closePipes() {
	h.closeOnce.Do(func() {
		_ = h.stdin.Close()
		_ = h.stdout.Close()
		_ = h.stderr.Close()
	})
}
