// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_Transitions(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Name: "gopls", FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: 5 * time.Second},
		WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	var invoked atomic.Bool
	err := b.Call(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked.Load(), "operation must not run while open")
	assert.Equal(t, "gopls", openErr.Name)
	assert.Equal(t, 5*time.Second, openErr.RetryAfter)

	clock.Advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Call(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	}))
	assert.True(t, invoked.Load())
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	require.NoError(t, b.Call(ctx, succeed))
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Stats().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopensWithFreshTimer(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clock.Advance(10 * time.Second)
	_ = b.Call(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(9 * time.Second)
	var openErr *OpenError
	require.ErrorAs(t, b.Call(ctx, succeed), &openErr)
	assert.Equal(t, time.Second, openErr.RetryAfter)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenNeedsConsecutiveSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clock.Advance(time.Second)

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}, WithClock(clock.Now))
	_ = b.Call(context.Background(), fail)
	clock.Advance(time.Second)

	done, err := b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StateHalfOpen, openErr.State)

	done(nil)
	done(errBoom) // second call is ignored
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CanceledCallsDoNotCount(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	err := b.Call(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Call(ctx, fail), context.Canceled)
	assert.EqualValues(t, 1, b.Stats().TotalCalls)
}

func TestBreaker_CustomFailurePredicate(t *testing.T) {
	errNotFound := errors.New("not found")
	b := New(Config{FailureThreshold: 1}, WithFailurePredicate(func(err error) bool {
		return err != nil && !errors.Is(err, errNotFound)
	}))

	_ = b.Call(context.Background(), func(context.Context) error { return errNotFound })
	assert.Equal(t, StateClosed, b.State())
	_ = b.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	b := New(Config{FailureThreshold: 2})

	slowDone, err := b.Allow()
	require.NoError(t, err)

	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())
	b.Reset()

	// Admitted before the circuit opened; must not count now.
	slowDone(errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
}

func TestExecute_ReturnsValue(t *testing.T) {
	b := New(DefaultConfig("cache"))
	v, err := Execute(context.Background(), b, func(context.Context) (string, error) { return "hit", nil })
	require.NoError(t, err)
	assert.Equal(t, "hit", v)

	b2 := New(Config{FailureThreshold: 1})
	_, _ = Execute(context.Background(), b2, func(context.Context) (int, error) { return 0, errBoom })
	v2, err := Execute(context.Background(), b2, func(context.Context) (int, error) { return 7, nil })
	assert.True(t, IsOpen(err))
	assert.Zero(t, v2)
}

func TestBreaker_StateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var seen []string
	b := New(Config{Name: "redis", FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Second},
		WithClock(clock.Now),
		WithStateChangeHook(func(name string, from, to State) {
			mu.Lock()
			seen = append(seen, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		}))

	_ = b.Call(context.Background(), fail)
	clock.Advance(time.Second)
	_ = b.Call(context.Background(), succeed)

	assert.Equal(t, []string{
		"redis:closed->open",
		"redis:open->half-open",
		"redis:half-open->closed",
	}, seen)
}

func TestBreaker_Stats(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Name: "ts", FailureThreshold: 2, RecoveryTimeout: 4 * time.Second}, WithClock(clock.Now))
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), fail)
	_ = b.Call(context.Background(), succeed)

	s := b.Stats()
	assert.Equal(t, "ts", s.Name)
	assert.Equal(t, "open", s.State)
	assert.EqualValues(t, 3, s.TotalCalls)
	assert.EqualValues(t, 2, s.TotalFailures)
	assert.EqualValues(t, 1, s.TotalRejections)
	assert.Equal(t, clock.Now(), s.OpenedAt)
	assert.Equal(t, 4*time.Second, s.RetryAfter)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(Config{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					_ = b.Call(context.Background(), fail)
				} else {
					_ = b.Call(context.Background(), succeed)
				}
				_ = b.State()
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 5000, b.Stats().TotalCalls)
}

func TestDefaults(t *testing.T) {
	b := New(Config{Name: "x"})
	cfg := b.Config()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 1, cfg.HalfOpenMaxCalls)

	agg := AggressiveConfig("redis")
	assert.Less(t, agg.FailureThreshold, cfg.FailureThreshold)
	assert.Less(t, agg.RecoveryTimeout, cfg.RecoveryTimeout)
}
