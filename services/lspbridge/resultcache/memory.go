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
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxEntries bounds the in-memory backend.
const DefaultMaxEntries = 10000

// MemoryBackend is a bounded LRU map. It is the default local tier.
type MemoryBackend struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	maxEntries int
	now        func() time.Time

	evictions atomic.Int64
	expired   atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type memoryItem struct {
	key   string
	entry Entry
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMaxEntries bounds the number of stored entries. The least recently
// used entry is evicted first.
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryBackend) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// WithMemoryClock injects the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	item := el.Value.(*memoryItem)
	if item.entry.Expired(m.now()) {
		m.removeElement(el)
		m.expired.Add(1)
		return Entry{}, false, nil
	}
	m.order.MoveToFront(el)
	return item.entry, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := append([]byte(nil), value...)
	if el, ok := m.items[key]; ok {
		el.Value.(*memoryItem).entry = Entry{Value: stored, ExpiresAt: expiresAt}
		m.order.MoveToFront(el)
		return nil
	}

	m.items[key] = m.order.PushFront(&memoryItem{key: key, entry: Entry{Value: stored, ExpiresAt: expiresAt}})
	for m.order.Len() > m.maxEntries {
		m.removeElement(m.order.Back())
		m.evictions.Add(1)
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	return nil
}

func (m *MemoryBackend) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Evictions returns the number of LRU evictions.
func (m *MemoryBackend) Evictions() int64 { return m.evictions.Load() }

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for el := m.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memoryItem).entry.Expired(now) {
			m.removeElement(el)
			removed++
		}
		el = prev
	}
	m.expired.Add(int64(removed))
	return removed
}

// StartJanitor sweeps expired entries every interval until Close. It only
// bounds memory; reads never return expired entries either way.
func (m *MemoryBackend) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the janitor.
func (m *MemoryBackend) Close() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		stop, done := m.stopCh, m.doneCh
		m.mu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}
	})
	return nil
}

func (m *MemoryBackend) removeElement(el *list.Element) {
	item := m.order.Remove(el).(*memoryItem)
	delete(m.items, item.key)
}

var _ Backend = (*MemoryBackend)(nil)
