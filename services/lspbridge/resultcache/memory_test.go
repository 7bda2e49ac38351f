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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryBackend(WithMemoryClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), clock.Now().Add(time.Minute)))
	e, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), e.Value)

	clock.Advance(time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, m.Len(), "expired entry is removed on read")
}

func TestMemoryBackend_LRUEviction(t *testing.T) {
	m := NewMemoryBackend(WithMaxEntries(2))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Time{}))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Time{}))
	_, _, _ = m.Get(ctx, "a")
	require.NoError(t, m.Set(ctx, "c", []byte("3"), time.Time{}))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
	assert.EqualValues(t, 1, m.Evictions())
}

func TestMemoryBackend_SetCopiesValue(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, time.Time{}))
	buf[0] = 'z'

	e, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(e.Value))
}

func TestMemoryBackend_SweepAndFlush(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryBackend(WithMemoryClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("1"), clock.Now().Add(time.Second)))
	require.NoError(t, m.Set(ctx, "long", []byte("2"), clock.Now().Add(time.Hour)))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Flush(ctx))
	assert.Zero(t, m.Len())
	require.NoError(t, m.Close())
}
