// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lspbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.Workspace))
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, DefaultMaxEntries, cfg.Cache.MaxEntries)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 10*time.Second, cfg.Servers.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Servers.StartupTimeout)
	assert.Equal(t, 5*time.Second, cfg.Servers.ShutdownGrace)
	assert.Equal(t, 3, cfg.Servers.Restart.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Servers.Restart.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Servers.Restart.MaxDelay)
	assert.Equal(t, 5, cfg.Servers.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Cache.Remote.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Cache.Remote.Breaker.RecoveryTimeout)
	assert.False(t, cfg.Cache.Remote.Enabled)
}

func TestLoad_File(t *testing.T) {
	ws := t.TempDir()
	path := writeConfig(t, `
workspace: `+ws+`
http:
  addr: 0.0.0.0:9000
logging:
  level: DEBUG
cache:
  ttl: 2m
  backend: badger
  badger:
    path: `+filepath.Join(ws, ".cache")+`
    in_memory: false
servers:
  request_timeout: 3s
  restart:
    max_attempts: 5
languages:
  - language: zig
    command: zls
    extensions: [".zig"]
  - language: go
    command: /opt/gopls
    args: ["serve", "-rpc.trace"]
    request_timeout: 20s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL())
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, 5, cfg.Servers.Restart.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Servers.Restart.BaseDelay, "unset fields keep defaults")

	reg := cfg.LanguageRegistry()
	zig, ok := reg.Get("zig")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, zig.RequestTimeout, "server defaults apply")
	assert.Equal(t, 5, zig.Restart.MaxAttempts)
	assert.Equal(t, "lsp:zig", zig.Breaker.Name)
	assert.Equal(t, 5, zig.Breaker.FailureThreshold)

	goCfg, ok := reg.Get("go")
	require.True(t, ok)
	assert.Equal(t, "/opt/gopls", goCfg.Command, "configured language replaces the built-in")
	assert.Equal(t, 20*time.Second, goCfg.RequestTimeout)
	lang, ok := reg.LanguageForFile("main.go")
	assert.True(t, ok, "extensions are inherited from the built-in")
	assert.Equal(t, "go", lang)

	py, ok := reg.Get("python")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, py.RequestTimeout, "built-ins get server defaults too")
}

func TestLoad_EnvOverrides(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(EnvWorkspace, ws)
	t.Setenv(EnvHTTPAddr, "127.0.0.1:9999")
	t.Setenv(EnvRedisAddr, "redis.internal:6379")
	t.Setenv(EnvNATSURL, "nats://nats.internal:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
	assert.True(t, cfg.Cache.Remote.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.Remote.Redis.Address)
	assert.Equal(t, "nats://nats.internal:4222", cfg.Events.NATS.URL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "workspace: [", "failed to parse"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"bad backend", "cache:\n  backend: s3\n", "Backend"},
		{"language without command", "languages:\n  - language: zig\n", "Command"},
		{"duplicate language", "languages:\n  - {language: zig, command: zls}\n  - {language: zig, command: zls}\n", "twice"},
		{"badger without path", "cache:\n  backend: badger\n  badger:\n    in_memory: false\n", "badger.path"},
		{"bad jitter", "servers:\n  restart:\n    jitter: 1.5\n", "Jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLanguageRegistry_DisableBuiltins(t *testing.T) {
	cfg := Default()
	cfg.DisableBuiltins = true
	assert.Empty(t, cfg.LanguageRegistry().Languages())
}
