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
	"errors"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, srv *fakeServer, idle time.Duration) *Registry {
	t.Helper()
	configs := NewEmptyConfigRegistry()
	configs.Register(LanguageConfig{Language: "go", Command: "fake-gopls", Extensions: []string{".go"}, ProbeInterval: -1})
	configs.Register(LanguageConfig{Language: "python", Command: "fake-pyright", Extensions: []string{".py"}, ProbeInterval: -1})

	reg := NewRegistry(t.TempDir(), configs, RegistryConfig{
		IdleTimeout: idle,
		Logger:      discardLogger(),
		ManagerOptions: []ManagerOption{
			WithLauncher(srv.launcher()),
			WithScheduler(&fakeScheduler{}),
		},
		LookPath: func(cmd string) (string, error) {
			if cmd == "fake-gopls" {
				return "/usr/bin/fake-gopls", nil
			}
			return "", exec.ErrNotFound
		},
	})
	t.Cleanup(func() { _ = reg.ShutdownAll(context.Background()) })
	return reg
}

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := newTestRegistry(t, newFakeServer(), 0)

	m1, err := reg.GetOrCreate("go")
	require.NoError(t, err)
	m2, err := reg.GetOrCreate("go")
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, StateNotStarted, m1.State(), "creation does not start the server")

	_, err = reg.GetOrCreate("cobol")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	_, ok := reg.Manager("python")
	assert.False(t, ok)
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	reg := newTestRegistry(t, newFakeServer(), 0)

	var wg sync.WaitGroup
	got := make([]*Manager, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := reg.GetOrCreate("python")
			assert.NoError(t, err)
			got[i] = m
		}(i)
	}
	wg.Wait()
	for _, m := range got[1:] {
		assert.Same(t, got[0], m)
	}
}

func TestRegistry_QueryRoutesByExtension(t *testing.T) {
	srv := newFakeServer()
	reg := newTestRegistry(t, srv, 0)

	res, err := reg.Query(context.Background(), QueryRequest{
		Kind: QueryDefinition, File: filepath.Join(reg.RootPath(), "main.go"), Content: "package main",
	})
	require.NoError(t, err)
	assert.Equal(t, "go", res.Language)
	assert.Equal(t, []string{"go"}, reg.Running())

	_, err = reg.Query(context.Background(), QueryRequest{Kind: QueryHover, File: "notes.txt", Content: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestRegistry_Health(t *testing.T) {
	reg := newTestRegistry(t, newFakeServer(), 0)
	m, err := reg.GetOrCreate("python")
	require.NoError(t, err)
	require.NoError(t, m.EnsureStarted(context.Background()))

	health := reg.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "go", health[0].Language)
	assert.Equal(t, HealthNotStarted, health[0].Status)
	assert.Equal(t, "fake-gopls", health[0].Command)
	assert.Equal(t, "python", health[1].Language)
	assert.Equal(t, HealthHealthy, health[1].Status)
}

func TestRegistry_Available(t *testing.T) {
	reg := newTestRegistry(t, newFakeServer(), 0)
	assert.True(t, reg.Available("go"))
	assert.False(t, reg.Available("python"))
	assert.False(t, reg.Available("cobol"))
	assert.Equal(t, []string{"go", "python"}, reg.Languages())
}

func TestRegistry_ShutdownAll(t *testing.T) {
	srv := newFakeServer()
	reg := newTestRegistry(t, srv, 0)
	for _, lang := range []string{"go", "python"} {
		m, err := reg.GetOrCreate(lang)
		require.NoError(t, err)
		require.NoError(t, m.EnsureStarted(context.Background()))
	}

	require.NoError(t, reg.ShutdownAll(context.Background()))
	require.NoError(t, reg.ShutdownAll(context.Background()))

	srv.mu.Lock()
	procs := append([]*fakeProcess(nil), srv.procs...)
	srv.mu.Unlock()
	require.Len(t, procs, 2)
	for _, p := range procs {
		assert.False(t, p.Alive())
	}

	_, err := reg.GetOrCreate("go")
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Empty(t, reg.Running())
}

func TestRegistry_ShutdownIdle(t *testing.T) {
	srv := newFakeServer()
	reg := newTestRegistry(t, srv, time.Minute)
	m, err := reg.GetOrCreate("go")
	require.NoError(t, err)
	require.NoError(t, m.EnsureStarted(context.Background()))

	reg.shutdownIdle(time.Now())
	_, ok := reg.Manager("go")
	assert.True(t, ok, "recently used server stays")

	reg.shutdownIdle(time.Now().Add(2 * time.Minute))
	_, ok = reg.Manager("go")
	assert.False(t, ok)
	assert.Equal(t, StateStopped, m.State())

	fresh, err := reg.GetOrCreate("go")
	require.NoError(t, err)
	assert.NotSame(t, m, fresh)
	require.NoError(t, fresh.EnsureStarted(context.Background()))
	assert.EqualValues(t, 2, srv.spawns.Load())
}

func TestRegistry_RestartUnknownLanguage(t *testing.T) {
	reg := newTestRegistry(t, newFakeServer(), 0)
	err := reg.Restart(context.Background(), "cobol")
	assert.True(t, errors.Is(err, ErrUnsupportedLanguage))
}
