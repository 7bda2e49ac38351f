// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker provides a three-state circuit breaker for calls to
// external dependencies such as language servers and remote caches.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

// String returns "closed", "open", "half-open" or "unknown".
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen matches every rejection issued by a Breaker.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit %q half-open: probe limit reached", e.Name)
	}
	return fmt.Sprintf("circuit %q open: retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrOpen) true for every OpenError.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool { return errors.Is(err, ErrOpen) }

// =============================================================================
// Configuration
// =============================================================================

// Config configures one breaker. Each protected dependency gets its own.
type Config struct {
	// Name identifies the dependency in errors, logs and metrics.
	Name string `yaml:"name"`

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`

	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the circuit.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=0"`

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" validate:"gte=0"`

	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" validate:"gte=0"`
}

// DefaultConfig returns conservative settings for a heavyweight dependency
// such as a language server process.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// AggressiveConfig returns settings for a cheap, swappable dependency such
// as a remote cache, where a false open costs little.
func AggressiveConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Name)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// StateChangeHook observes transitions. It runs after the breaker lock is
// released and must not block.
type StateChangeHook func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChangeHook registers a transition observer.
func WithStateChangeHook(hook StateChangeHook) Option {
	return func(b *Breaker) { b.hooks = append(b.hooks, hook) }
}

// WithFailurePredicate decides which errors count against the circuit.
// Errors for which it returns false are neither successes nor failures.
// The default counts every error except context.Canceled.
func WithFailurePredicate(isFailure func(error) bool) Option {
	return func(b *Breaker) {
		if isFailure != nil {
			b.isFailure = isFailure
		}
	}
}

// WithLogger sets the logger used for transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// =============================================================================
// Breaker
// =============================================================================

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	TotalCalls           int64         `json:"total_calls"`
	TotalFailures        int64         `json:"total_failures"`
	TotalRejections      int64         `json:"total_rejections"`
	OpenedAt             time.Time     `json:"opened_at,omitempty"`
	RetryAfter           time.Duration `json:"retry_after,omitempty"`
	LastStateChange      time.Time     `json:"last_state_change"`
}

type transition struct{ from, to State }

// Breaker guards calls to one dependency.
//
// Description:
//
//	Closed counts consecutive failures and opens at FailureThreshold. Open
//	rejects every call with *OpenError until RecoveryTimeout has elapsed,
//	then the next check moves to HalfOpen. HalfOpen admits at most
//	HalfOpenMaxCalls concurrent probes; one failure reopens with a fresh
//	timer and SuccessThreshold consecutive successes close the circuit.
//
// Thread Safety:
//
//	All state lives behind one mutex. Operations run outside the lock.
type Breaker struct {
	config    Config
	now       func() time.Time
	isFailure func(error) bool
	hooks     []StateChangeHook
	logger    *slog.Logger

	mu              sync.Mutex
	state           State
	generation      uint64
	failures        int
	successes       int
	halfOpenActive  int
	openedAt        time.Time
	lastStateChange time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// New creates a closed Breaker. Zero config fields take DefaultConfig values.
func New(config Config, opts ...Option) *Breaker {
	b := &Breaker{
		config:    config.withDefaults(),
		now:       time.Now,
		isFailure: defaultIsFailure,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured dependency name.
func (b *Breaker) Name() string { return b.config.Name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.config }

// State returns the current state, moving Open to HalfOpen if the recovery
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	var fired []transition
	b.advance(&fired)
	state := b.state
	b.mu.Unlock()

	b.notify(fired)
	return state
}

// Allow asks to make one call.
//
// Description:
//
//	On admission it returns a done callback that must be called exactly
//	once with the call's outcome. Rejections return *OpenError and do not
//	run anything.
//
// Outputs:
//
//	func(error) - Records the outcome and frees a half-open probe slot.
//	error - *OpenError when rejected.
//
// Example:
//
//	done, err := b.Allow()
//	if err != nil {
//	    return err
//	}
//	err = callServer()
//	done(err)
func (b *Breaker) Allow() (func(error), error) {
	b.mu.Lock()
	var fired []transition
	b.advance(&fired)
	b.totalCalls++

	var rejection *OpenError
	probe := false
	switch b.state {
	case StateOpen:
		b.totalRejections++
		rejection = &OpenError{Name: b.config.Name, State: StateOpen, RetryAfter: b.retryAfter()}
	case StateHalfOpen:
		if b.halfOpenActive >= b.config.HalfOpenMaxCalls {
			b.totalRejections++
			rejection = &OpenError{Name: b.config.Name, State: StateHalfOpen}
		} else {
			b.halfOpenActive++
			probe = true
		}
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(fired)

	if rejection != nil {
		return nil, rejection
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, probe, err) })
	}, nil
}

// Call runs op if the circuit admits it and records the outcome.
//
// Inputs:
//
//	ctx - Checked before admission; passed to op.
//	op - The guarded operation.
//
// Outputs:
//
//	error - *OpenError when rejected, otherwise op's error.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	done(err)
	return err
}

// Execute is Call for operations that return a value.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	done, err := b.Allow()
	if err != nil {
		return zero, err
	}
	v, err := op(ctx)
	done(err)
	return v, err
}

// Stats returns counters and timing for health reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	var fired []transition
	b.advance(&fired)
	s := Stats{
		Name:                 b.config.Name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		TotalRejections:      b.totalRejections,
		LastStateChange:      b.lastStateChange,
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
		s.RetryAfter = b.retryAfter()
	}
	b.mu.Unlock()

	b.notify(fired)
	return s
}

// Reset forces the circuit closed and clears consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var fired []transition
	if b.state != StateClosed {
		b.transition(StateClosed, &fired)
	} else {
		b.failures, b.successes = 0, 0
	}
	b.mu.Unlock()
	b.notify(fired)
}

// =============================================================================
// Internals (callers hold b.mu unless noted)
// =============================================================================

func (b *Breaker) record(gen uint64, probe bool, err error) {
	b.mu.Lock()
	var fired []transition
	defer func() {
		b.mu.Unlock()
		b.notify(fired)
	}()

	// Outcomes from calls admitted before the last transition are stale.
	if gen != b.generation {
		return
	}
	if probe {
		b.halfOpenActive--
	}

	failed := b.isFailure(err)
	if !failed && err != nil {
		return
	}

	if failed {
		b.totalFailures++
		b.successes = 0
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				b.transition(StateOpen, &fired)
			}
		case StateHalfOpen:
			b.transition(StateOpen, &fired)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed, &fired)
		}
	}
}

// advance performs the time-driven Open to HalfOpen transition.
func (b *Breaker) advance(fired *[]transition) {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.config.RecoveryTimeout)) {
		b.transition(StateHalfOpen, fired)
	}
}

func (b *Breaker) transition(to State, fired *[]transition) {
	from := b.state
	now := b.now()
	b.state = to
	b.generation++
	b.lastStateChange = now
	b.failures = 0
	b.successes = 0
	b.halfOpenActive = 0
	if to == StateOpen {
		b.openedAt = now
	}
	*fired = append(*fired, transition{from: from, to: to})
}

func (b *Breaker) retryAfter() time.Duration {
	d := b.openedAt.Add(b.config.RecoveryTimeout).Sub(b.now())
	if d < 0 {
		return 0
	}
	return d
}

// notify runs hooks without the lock held.
func (b *Breaker) notify(fired []transition) {
	for _, t := range fired {
		b.logger.Info("circuit breaker state change",
			slog.String("breaker", b.config.Name),
			slog.String("from", t.from.String()),
			slog.String("to", t.to.String()))
		for _, hook := range b.hooks {
			hook(b.config.Name, t.from, t.to)
		}
	}
}
