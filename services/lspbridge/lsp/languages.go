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
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
)

// Default timeouts for a language server.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownGrace   = 5 * time.Second
	DefaultProbeInterval   = 10 * time.Second
	DefaultCacheTTL        = 10 * time.Minute
	defaultMaxRestartDelay = time.Minute
)

// =============================================================================
// RESTART POLICY
// =============================================================================

// RestartPolicy bounds automatic restarts after a crash or failed start.
type RestartPolicy struct {
	// MaxAttempts is the number of automatic restarts after consecutive
	// failures. Once exceeded the server stays down until Restart.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// BaseDelay is the wait before the first restart.
	BaseDelay time.Duration `yaml:"base_delay" validate:"gte=0"`

	// Multiplier grows the delay per attempt.
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`

	// MaxDelay caps the delay.
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`

	// Jitter spreads each delay by +/- this fraction.
	Jitter float64 `yaml:"jitter" validate:"gte=0,lt=1"`

	// StableAfter resets the attempt counter when a process ran at least
	// this long before crashing. Zero disables the reset.
	StableAfter time.Duration `yaml:"stable_after" validate:"gte=0"`
}

// DefaultRestartPolicy restarts three times at 2s, 4s and 8s.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    defaultMaxRestartDelay,
		Jitter:      0.1,
		StableAfter: 5 * time.Minute,
	}
}

// Delay returns the un-jittered wait before restart number attempt
// (zero-based): min(BaseDelay * Multiplier^attempt, MaxDelay).
func (p RestartPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// jittered spreads d by Jitter using r in [0, 1).
func (p RestartPolicy) jittered(d time.Duration, r float64) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + p.Jitter*(2*r-1)))
}

// =============================================================================
// LANGUAGE CONFIG
// =============================================================================

// LanguageConfig contains configuration for one language server.
type LanguageConfig struct {
	// Language is the registry key (e.g. "go", "python").
	Language string `yaml:"language" validate:"required"`

	// Flavor selects handshake and parsing behaviour. Empty uses Language,
	// falling back to the generic flavor.
	Flavor string `yaml:"flavor"`

	// Command is the executable name or path.
	Command string `yaml:"command" validate:"required"`

	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`

	// Extensions are file extensions this server handles (e.g. ".go").
	Extensions []string `yaml:"extensions"`

	// RootFiles mark a project root (e.g. "go.mod").
	RootFiles []string `yaml:"root_files"`

	// InitializationOptions override the flavor's defaults when set.
	InitializationOptions map[string]any `yaml:"initialization_options"`

	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gte=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" validate:"gte=0"`

	// ProbeInterval is how often a running process is checked with a
	// signal-0 probe. Zero uses DefaultProbeInterval; negative disables.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// CacheTTL is how long query results are cached.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`

	Restart RestartPolicy  `yaml:"restart"`
	Breaker breaker.Config `yaml:"breaker"`
}

// WithDefaults fills zero fields.
func (c LanguageConfig) WithDefaults() LanguageConfig {
	if c.Flavor == "" {
		c.Flavor = c.Language
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Restart == (RestartPolicy{}) {
		c.Restart = DefaultRestartPolicy()
	}
	if c.Restart.Multiplier < 1 {
		c.Restart.Multiplier = 1
	}
	if c.Breaker.Name == "" {
		c.Breaker.Name = "lsp:" + c.Language
	}
	return c
}

// ProcessSpec returns the launch description for this server.
func (c LanguageConfig) ProcessSpec(rootPath string) process.Spec {
	return process.Spec{Command: c.Command, Args: c.Args, Env: c.Env, Dir: rootPath}
}

// =============================================================================
// CONFIG REGISTRY
// =============================================================================

// ConfigRegistry maps languages and file extensions to configurations.
//
// Thread Safety: Safe for concurrent use.
type ConfigRegistry struct {
	mu         sync.RWMutex
	byLanguage map[string]LanguageConfig
	byExt      map[string]string // extension -> language
}

// NewConfigRegistry creates a registry with the built-in servers.
func NewConfigRegistry() *ConfigRegistry {
	r := NewEmptyConfigRegistry()
	for _, cfg := range DefaultLanguages() {
		r.Register(cfg)
	}
	return r
}

// NewEmptyConfigRegistry creates a registry with nothing registered.
func NewEmptyConfigRegistry() *ConfigRegistry {
	return &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}
}

// DefaultLanguages returns the built-in server configurations.
func DefaultLanguages() []LanguageConfig {
	return []LanguageConfig{
		{
			Language:   "go",
			Command:    "gopls",
			Args:       []string{"serve"},
			Extensions: []string{".go"},
			RootFiles:  []string{"go.mod", "go.work"},
		},
		{
			Language:   "python",
			Command:    "pyright-langserver",
			Args:       []string{"--stdio"},
			Extensions: []string{".py", ".pyi"},
			RootFiles:  []string{"pyproject.toml", "requirements.txt", "setup.py"},
		},
		{
			Language:   "typescript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".ts", ".tsx", ".mts", ".cts"},
			RootFiles:  []string{"tsconfig.json", "package.json"},
		},
		{
			Language:   "javascript",
			Flavor:     "typescript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
			RootFiles:  []string{"package.json", "jsconfig.json"},
		},
		{
			Language:   "rust",
			Command:    "rust-analyzer",
			Extensions: []string{".rs"},
			RootFiles:  []string{"Cargo.toml"},
		},
	}
}

// Register adds or replaces a language configuration.
func (r *ConfigRegistry) Register(config LanguageConfig) {
	config = config.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byLanguage[config.Language]; ok {
		for _, ext := range old.Extensions {
			ext = strings.ToLower(ext)
			if r.byExt[ext] == config.Language {
				delete(r.byExt, ext)
			}
		}
	}
	r.byLanguage[config.Language] = config
	for _, ext := range config.Extensions {
		r.byExt[strings.ToLower(ext)] = config.Language
	}
}

// Get returns the configuration for a language.
func (r *ConfigRegistry) Get(language string) (LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.byLanguage[language]
	return config, ok
}

// LanguageForFile maps a path to its language by extension.
func (r *ConfigRegistry) LanguageForFile(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[ext]
	return lang, ok
}

// Languages returns registered language names, sorted.
func (r *ConfigRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
