// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resultcache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
)

// DefaultTTL applies when Put is called without a positive ttl.
const DefaultTTL = 10 * time.Minute

// Stats summarizes cache activity.
type Stats struct {
	Local         string `json:"local"`
	Remote        string `json:"remote,omitempty"`
	RemoteCircuit string `json:"remote_circuit,omitempty"`
	Hits          int64  `json:"hits"`
	RemoteHits    int64  `json:"remote_hits"`
	Misses        int64  `json:"misses"`
	Stores        int64  `json:"stores"`
	Loads         int64  `json:"loads"`
	SharedLoads   int64  `json:"shared_loads"`
	Errors        int64  `json:"errors"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Option configures a Cache.
type Option func(*Cache)

// WithRemote adds a shared second tier guarded by its own breaker. A nil
// breaker gets breaker.AggressiveConfig.
func WithRemote(remote Backend, cb *breaker.Breaker) Option {
	return func(c *Cache) {
		c.remote = remote
		if cb == nil && remote != nil {
			cb = breaker.New(breaker.AggressiveConfig("cache:" + remote.Name()))
		}
		c.remoteBreaker = cb
	}
}

// WithClock injects the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger for backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventSink receives cache_error events.
func WithEventSink(sink events.Sink) Option {
	return func(c *Cache) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// Cache is a TTL cache over one local and an optional remote Backend.
//
// Description:
//
//	Reads try the local tier, then the remote tier, back-filling local on a
//	remote hit. Writes go to both. Every backend failure is logged, counted,
//	reported as a cache_error event and treated as a miss, so the cache can
//	never fail a query.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Cache struct {
	local         Backend
	remote        Backend
	remoteBreaker *breaker.Breaker
	now           func() time.Time
	ttl           time.Duration
	logger        *slog.Logger
	sink          events.Sink
	flight        singleflight.Group

	hits, remoteHits, misses, stores atomic.Int64
	loads, sharedLoads, errs         atomic.Int64
}

// New creates a Cache. A nil local backend selects a MemoryBackend.
func New(local Backend, opts ...Option) *Cache {
	if local == nil {
		local = NewMemoryBackend()
	}
	c := &Cache{
		local:  local,
		now:    time.Now,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		sink:   events.Nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, or false when absent, expired, or
// unreadable.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if entry, ok := c.getLocal(ctx, key); ok {
		c.hits.Add(1)
		return entry.Value, true
	}
	if entry, ok := c.getRemote(ctx, key); ok {
		c.hits.Add(1)
		c.remoteHits.Add(1)
		if err := c.local.Set(ctx, key, entry.Value, entry.ExpiresAt); err != nil {
			c.backendError(c.local, "backfill", err)
		}
		return entry.Value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores value under key for ttl (DefaultTTL when ttl <= 0),
// overwriting any existing entry.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	expiresAt := c.now().Add(ttl)
	c.stores.Add(1)

	if err := c.local.Set(ctx, key, value, expiresAt); err != nil {
		c.backendError(c.local, "set", err)
	}
	if c.remote != nil {
		err := c.remoteBreaker.Call(ctx, func(ctx context.Context) error {
			return c.remote.Set(ctx, key, value, expiresAt)
		})
		if err != nil {
			c.backendError(c.remote, "set", err)
		}
	}
}

// GetOrLoad returns the cached value or runs load once for all concurrent
// callers of the same key and stores its result.
//
// Description:
//
//	load runs with a context that keeps ctx's values but not its
//	cancellation, so one caller giving up does not fail the others sharing
//	the load. load must bound itself. A caller whose ctx ends stops waiting
//	and gets ctx.Err().
//
// Outputs:
//
//	[]byte - The value.
//	bool - True when served from cache.
//	error - load's error or ctx.Err(). Errors are never cached.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, true, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		c.loads.Add(1)
		value, err := load(detached)
		if err != nil {
			return nil, err
		}
		c.Put(detached, key, value, ttl)
		return value, nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.sharedLoads.Add(1)
		}
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val.([]byte), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Invalidate removes key from every tier.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.local.Delete(ctx, key); err != nil {
		c.backendError(c.local, "delete", err)
	}
	if c.remote != nil {
		if err := c.remoteBreaker.Call(ctx, func(ctx context.Context) error { return c.remote.Delete(ctx, key) }); err != nil {
			c.backendError(c.remote, "delete", err)
		}
	}
}

// Flush empties every tier. Failures are reported but the cache stays
// usable.
func (c *Cache) Flush(ctx context.Context) error {
	var errs []error
	if err := c.local.Flush(ctx); err != nil {
		c.backendError(c.local, "flush", err)
		errs = append(errs, err)
	}
	if c.remote != nil {
		if err := c.remoteBreaker.Call(ctx, c.remote.Flush); err != nil {
			c.backendError(c.remote, "flush", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns counters and backend names.
func (c *Cache) Stats() Stats {
	s := Stats{
		Local:       c.local.Name(),
		Hits:        c.hits.Load(),
		RemoteHits:  c.remoteHits.Load(),
		Misses:      c.misses.Load(),
		Stores:      c.stores.Load(),
		Loads:       c.loads.Load(),
		SharedLoads: c.sharedLoads.Load(),
		Errors:      c.errs.Load(),
	}
	if c.remote != nil {
		s.Remote = c.remote.Name()
		s.RemoteCircuit = c.remoteBreaker.State().String()
	}
	return s
}

// Close closes every backend.
func (c *Cache) Close() error {
	var errs []error
	if err := c.local.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.remote != nil {
		if err := c.remote.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) getLocal(ctx context.Context, key string) (Entry, bool) {
	entry, ok, err := c.local.Get(ctx, key)
	if err != nil {
		c.backendError(c.local, "get", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if entry.Expired(c.now()) {
		_ = c.local.Delete(ctx, key)
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) getRemote(ctx context.Context, key string) (Entry, bool) {
	if c.remote == nil {
		return Entry{}, false
	}
	type result struct {
		entry Entry
		ok    bool
	}
	res, err := breaker.Execute(ctx, c.remoteBreaker, func(ctx context.Context) (result, error) {
		e, ok, err := c.remote.Get(ctx, key)
		return result{e, ok}, err
	})
	if err != nil {
		c.backendError(c.remote, "get", err)
		return Entry{}, false
	}
	if !res.ok || res.entry.Expired(c.now()) {
		return Entry{}, false
	}
	if res.entry.ExpiresAt.IsZero() {
		res.entry.ExpiresAt = c.now().Add(c.ttl)
	}
	return res.entry, true
}

// backendError downgrades a backend failure to a logged miss.
func (c *Cache) backendError(b Backend, op string, err error) {
	c.errs.Add(1)
	if breaker.IsOpen(err) {
		c.logger.Debug("cache backend skipped, circuit open",
			slog.String("backend", b.Name()), slog.String("op", op))
		return
	}
	c.logger.Warn("cache backend error, treating as miss",
		slog.String("backend", b.Name()),
		slog.String("op", op),
		slog.String("error", err.Error()))
	c.sink.Emit(events.Event{
		Type:   events.TypeCacheError,
		Error:  err.Error(),
		Fields: map[string]string{"backend": b.Name(), "op": op},
	})
}
