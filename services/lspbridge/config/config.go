// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads lspbridge settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

// Environment overrides.
const (
	EnvWorkspace = "LSPBRIDGE_WORKSPACE"
	EnvRedisAddr = "LSPBRIDGE_REDIS_ADDR"
	EnvNATSURL   = "LSPBRIDGE_NATS_URL"
	EnvHTTPAddr  = "LSPBRIDGE_HTTP_ADDR"
)

const (
	DefaultHTTPAddr   = "127.0.0.1:8790"
	DefaultMaxEntries = 10000
	DefaultHubBuffer  = 64
)

// Config is the full lspbridge configuration.
type Config struct {
	// Workspace is the project root every server is started in.
	Workspace string `yaml:"workspace" validate:"required"`

	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Servers holds defaults applied to every language.
	Servers ServerDefaults `yaml:"servers"`

	// Languages add to or replace the built-in languages by name.
	Languages []lsp.LanguageConfig `yaml:"languages" validate:"dive"`

	// DisableBuiltins drops the built-in languages.
	DisableBuiltins bool `yaml:"disable_builtins"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig selects the local tier and an optional remote tier.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
	MaxEntries int           `yaml:"max_entries" validate:"gte=0"`

	// Backend is "memory" (LRU) or "badger".
	Backend string                   `yaml:"backend" validate:"oneof=memory badger"`
	Badger  resultcache.BadgerConfig `yaml:"badger"`

	Remote RemoteCacheConfig `yaml:"remote"`
}

// RemoteCacheConfig enables the shared Redis tier.
type RemoteCacheConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Redis   resultcache.RedisConfig `yaml:"redis"`
	Breaker breaker.Config          `yaml:"breaker"`
}

type EventsConfig struct {
	// NATS publishes lifecycle events when URL is set.
	NATS events.NATSConfig `yaml:"nats"`

	// HubBuffer is the per-subscriber buffer of the websocket stream.
	HubBuffer int `yaml:"hub_buffer" validate:"gte=0"`

	// Log writes every event to the logger.
	Log bool `yaml:"log"`
}

type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	StdoutTraces  bool   `yaml:"stdout_traces"`
	StdoutMetrics bool   `yaml:"stdout_metrics"`
	Prometheus    bool   `yaml:"prometheus"`
}

// ServerDefaults fill unset fields of every language.
type ServerDefaults struct {
	RequestTimeout time.Duration     `yaml:"request_timeout" validate:"gte=0"`
	StartupTimeout time.Duration     `yaml:"startup_timeout" validate:"gte=0"`
	ShutdownGrace  time.Duration     `yaml:"shutdown_grace" validate:"gte=0"`
	ProbeInterval  time.Duration     `yaml:"probe_interval"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout" validate:"gte=0"`
	Restart        lsp.RestartPolicy `yaml:"restart"`
	Breaker        breaker.Config    `yaml:"breaker"`

	// WatchWorkspace invalidates file fingerprints on change.
	WatchWorkspace bool `yaml:"watch_workspace"`
}

// Default returns the built-in configuration rooted at the current
// directory.
func Default() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Config{
		Workspace: wd,
		HTTP: HTTPConfig{
			Addr:            DefaultHTTPAddr,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Cache: CacheConfig{
			TTL:        lsp.DefaultCacheTTL,
			MaxEntries: DefaultMaxEntries,
			Backend:    "memory",
			Badger:     resultcache.DefaultBadgerConfig(),
			Remote: RemoteCacheConfig{
				Redis:   resultcache.RedisConfig{KeyPrefix: resultcache.DefaultRedisKeyPrefix},
				Breaker: breaker.AggressiveConfig("cache:redis"),
			},
		},
		Events: EventsConfig{
			NATS:      events.NATSConfig{SubjectPrefix: "lspbridge.events"},
			HubBuffer: DefaultHubBuffer,
		},
		Telemetry: TelemetryConfig{ServiceName: "lspbridge"},
		Servers: ServerDefaults{
			RequestTimeout: lsp.DefaultRequestTimeout,
			StartupTimeout: lsp.DefaultStartupTimeout,
			ShutdownGrace:  lsp.DefaultShutdownGrace,
			ProbeInterval:  lsp.DefaultProbeInterval,
			IdleTimeout:    10 * time.Minute,
			Restart:        lsp.DefaultRestartPolicy(),
			Breaker:        breaker.DefaultConfig(""),
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file yields the defaults; an empty path skips the
// file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvWorkspace); ok && v != "" {
		c.Workspace = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Cache.Remote.Enabled = true
		c.Cache.Remote.Redis.Address = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.Events.NATS.URL = v
	}
}

func (c *Config) normalize() error {
	abs, err := filepath.Abs(c.Workspace)
	if err != nil {
		return fmt.Errorf("invalid workspace %q: %w", c.Workspace, err)
	}
	c.Workspace = abs
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	for i := range c.Languages {
		c.Languages[i] = c.Servers.apply(c.Languages[i])
	}
	return nil
}

// apply fills unset language fields from the server defaults.
func (d ServerDefaults) apply(l lsp.LanguageConfig) lsp.LanguageConfig {
	if l.RequestTimeout == 0 {
		l.RequestTimeout = d.RequestTimeout
	}
	if l.StartupTimeout == 0 {
		l.StartupTimeout = d.StartupTimeout
	}
	if l.ShutdownGrace == 0 {
		l.ShutdownGrace = d.ShutdownGrace
	}
	if l.ProbeInterval == 0 {
		l.ProbeInterval = d.ProbeInterval
	}
	if l.Restart == (lsp.RestartPolicy{}) {
		l.Restart = d.Restart
	}
	if l.Breaker.FailureThreshold == 0 && l.Breaker.RecoveryTimeout == 0 {
		name := l.Breaker.Name
		l.Breaker = d.Breaker
		l.Breaker.Name = name
	}
	return l.WithDefaults()
}

// LanguageRegistry returns the effective language configurations:
// built-ins with server defaults applied, then configured languages.
func (c *Config) LanguageRegistry() *lsp.ConfigRegistry {
	reg := lsp.NewEmptyConfigRegistry()
	if !c.DisableBuiltins {
		for _, l := range lsp.DefaultLanguages() {
			reg.Register(c.Servers.apply(l))
		}
	}
	for _, l := range c.Languages {
		if base, ok := reg.Get(l.Language); ok {
			if len(l.Extensions) == 0 {
				l.Extensions = base.Extensions
			}
			if len(l.RootFiles) == 0 {
				l.RootFiles = base.RootFiles
			}
		}
		reg.Register(l)
	}
	return reg
}

// CacheTTL returns the result TTL, falling back to the language default.
func (c *Config) CacheTTL() time.Duration {
	if c.Cache.TTL > 0 {
		return c.Cache.TTL
	}
	return lsp.DefaultCacheTTL
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.Backend == "badger" && !c.Cache.Badger.InMemory && c.Cache.Badger.Path == "" {
		return errors.New("invalid config: cache.badger.path is required unless in_memory")
	}
	seen := make(map[string]bool, len(c.Languages))
	for _, l := range c.Languages {
		if seen[l.Language] {
			return fmt.Errorf("invalid config: language %q configured twice", l.Language)
		}
		seen[l.Language] = true
	}
	return nil
}
