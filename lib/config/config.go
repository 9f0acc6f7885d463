// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

const (
	defaultRequestTimeout = 2 * time.Minute
	defaultStaleAfter     = 5 * time.Minute
	defaultRetention      = 24 * time.Hour
)

// Config is the master configuration for Parley.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Provider configures the upstream model provider.
	Provider ProviderConfig `yaml:"provider"`

	// Limits configures persistence and streaming bounds.
	Limits LimitsConfig `yaml:"limits"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Provider *ProviderConfig `yaml:"provider,omitempty"`
	Limits   *LimitsConfig   `yaml:"limits,omitempty"`
	Log      *LogConfig      `yaml:"log,omitempty"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Root is the base directory for Parley data.
	Root string `yaml:"root"`

	// Socket is the Unix socket path for the chat service.
	// Default: ${PARLEY_ROOT}/parley.sock
	Socket string `yaml:"socket"`

	// Database is the SQLite database holding messages and stream chunks.
	// Default: ${PARLEY_ROOT}/chat.db
	Database string `yaml:"database"`

	// Tools is the directory containing client tool schema files (JSONC).
	// Default: ${PARLEY_ROOT}/tools
	Tools string `yaml:"tools"`
}

// ProviderConfig configures the upstream model provider.
type ProviderConfig struct {
	// BaseURL is the provider's streaming chat endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// APIKeyEnv names an environment variable holding the API key.
	// At most one of APIKeyEnv, APIKeyFile, SealedKeyFile may be set.
	APIKeyEnv string `yaml:"api_key_env"`

	// APIKeyFile is a plaintext file holding the API key.
	APIKeyFile string `yaml:"api_key_file"`

	// SealedKeyFile is an age-encrypted file holding the API key.
	// Requires IdentityFile for decryption.
	SealedKeyFile string `yaml:"sealed_key_file"`

	// IdentityFile is the age identity used to decrypt SealedKeyFile.
	IdentityFile string `yaml:"identity_file"`

	// RequestTimeout bounds a single provider request, including the
	// full streamed response. Duration string, default "2m0s".
	RequestTimeout string `yaml:"request_timeout"`
}

// LimitsConfig configures persistence and streaming bounds.
type LimitsConfig struct {
	// MaxMessageBytes is the serialized message size above which
	// compaction runs. Default: 1 MiB.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// MaxMessages caps the number of persisted messages; the oldest
	// are evicted past the cap. 0 means unlimited.
	MaxMessages int `yaml:"max_messages"`

	// DataPartBytes is the ceiling above which custom data parts are
	// broadcast but not persisted. Default: 8 KiB.
	DataPartBytes int `yaml:"data_part_bytes"`

	// ChunkFlushCount is the buffered chunk count that triggers a
	// database flush. Default: 8.
	ChunkFlushCount int `yaml:"chunk_flush_count"`

	// ChunkBufferCap is the buffered chunk count that forces a
	// synchronous flush. Default: 128.
	ChunkBufferCap int `yaml:"chunk_buffer_cap"`

	// StreamStaleAfter is how old a streaming row may be at startup
	// before it is discarded instead of adopted. Duration string,
	// default "5m0s".
	StreamStaleAfter string `yaml:"stream_stale_after"`

	// StreamRetention is how long finished stream chunks are kept
	// before cleanup. Duration string, default "24h0m0s".
	StreamRetention string `yaml:"stream_retention"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of: debug, info, warn, error.
	// Default: debug (development), info (production).
	Level string `yaml:"level"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "parley")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     defaultRoot,
			Socket:   filepath.Join(defaultRoot, "parley.sock"),
			Database: filepath.Join(defaultRoot, "chat.db"),
			Tools:    filepath.Join(defaultRoot, "tools"),
		},
		Provider: ProviderConfig{
			BaseURL:        "http://127.0.0.1:8080/v1/chat",
			Model:          "parley-dev",
			APIKeyEnv:      "PARLEY_API_KEY",
			RequestTimeout: defaultRequestTimeout.String(),
		},
		Limits: LimitsConfig{
			MaxMessageBytes:  1 << 20,
			MaxMessages:      0,
			DataPartBytes:    8 << 10,
			ChunkFlushCount:  8,
			ChunkBufferCap:   128,
			StreamStaleAfter: defaultStaleAfter.String(),
			StreamRetention:  defaultRetention.String(),
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// Load loads configuration from the PARLEY_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if PARLEY_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("PARLEY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PARLEY_CONFIG environment variable not set; " +
			"set it to the path of your parley.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: quieter logging.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Level: "info"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Socket != "" {
			c.Paths.Socket = overrides.Paths.Socket
		}
		if overrides.Paths.Database != "" {
			c.Paths.Database = overrides.Paths.Database
		}
		if overrides.Paths.Tools != "" {
			c.Paths.Tools = overrides.Paths.Tools
		}
	}

	if overrides.Provider != nil {
		if overrides.Provider.BaseURL != "" {
			c.Provider.BaseURL = overrides.Provider.BaseURL
		}
		if overrides.Provider.Model != "" {
			c.Provider.Model = overrides.Provider.Model
		}
		if overrides.Provider.APIKeyEnv != "" {
			c.Provider.APIKeyEnv = overrides.Provider.APIKeyEnv
		}
		if overrides.Provider.APIKeyFile != "" {
			c.Provider.APIKeyFile = overrides.Provider.APIKeyFile
		}
		if overrides.Provider.SealedKeyFile != "" {
			c.Provider.SealedKeyFile = overrides.Provider.SealedKeyFile
		}
		if overrides.Provider.IdentityFile != "" {
			c.Provider.IdentityFile = overrides.Provider.IdentityFile
		}
		if overrides.Provider.RequestTimeout != "" {
			c.Provider.RequestTimeout = overrides.Provider.RequestTimeout
		}
	}

	if overrides.Limits != nil {
		// Integer limits apply only when positive; an omitted field in
		// an override section keeps the base value.
		if overrides.Limits.MaxMessageBytes > 0 {
			c.Limits.MaxMessageBytes = overrides.Limits.MaxMessageBytes
		}
		if overrides.Limits.MaxMessages > 0 {
			c.Limits.MaxMessages = overrides.Limits.MaxMessages
		}
		if overrides.Limits.DataPartBytes > 0 {
			c.Limits.DataPartBytes = overrides.Limits.DataPartBytes
		}
		if overrides.Limits.ChunkFlushCount > 0 {
			c.Limits.ChunkFlushCount = overrides.Limits.ChunkFlushCount
		}
		if overrides.Limits.ChunkBufferCap > 0 {
			c.Limits.ChunkBufferCap = overrides.Limits.ChunkBufferCap
		}
		if overrides.Limits.StreamStaleAfter != "" {
			c.Limits.StreamStaleAfter = overrides.Limits.StreamStaleAfter
		}
		if overrides.Limits.StreamRetention != "" {
			c.Limits.StreamRetention = overrides.Limits.StreamRetention
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"PARLEY_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["PARLEY_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Tools = expandVars(c.Paths.Tools, vars)
	c.Provider.APIKeyFile = expandVars(c.Provider.APIKeyFile, vars)
	c.Provider.SealedKeyFile = expandVars(c.Provider.SealedKeyFile, vars)
	c.Provider.IdentityFile = expandVars(c.Provider.IdentityFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Socket == "" {
		errs = append(errs, fmt.Errorf("paths.socket is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if c.Provider.BaseURL == "" {
		errs = append(errs, fmt.Errorf("provider.base_url is required"))
	}
	if c.Provider.Model == "" {
		errs = append(errs, fmt.Errorf("provider.model is required"))
	}

	keySources := 0
	if c.Provider.APIKeyEnv != "" {
		keySources++
	}
	if c.Provider.APIKeyFile != "" {
		keySources++
	}
	if c.Provider.SealedKeyFile != "" {
		keySources++
	}
	if keySources > 1 {
		errs = append(errs, fmt.Errorf("provider: at most one of api_key_env, api_key_file, sealed_key_file may be set"))
	}
	if c.Provider.SealedKeyFile != "" && c.Provider.IdentityFile == "" {
		errs = append(errs, fmt.Errorf("provider.identity_file is required when sealed_key_file is set"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"provider.request_timeout", c.Provider.RequestTimeout},
		{"limits.stream_stale_after", c.Limits.StreamStaleAfter},
		{"limits.stream_retention", c.Limits.StreamRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.name, d.value))
		}
	}

	if c.Limits.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("limits.max_message_bytes must not be negative"))
	}
	if c.Limits.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("limits.max_messages must not be negative"))
	}
	if c.Limits.ChunkFlushCount < 1 {
		errs = append(errs, fmt.Errorf("limits.chunk_flush_count must be at least 1"))
	}
	if c.Limits.ChunkBufferCap < c.Limits.ChunkFlushCount {
		errs = append(errs, fmt.Errorf("limits.chunk_buffer_cap must be at least chunk_flush_count"))
	}

	logLevels := []string{"debug", "info", "warn", "error"}
	if !contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Tools,
		filepath.Dir(c.Paths.Socket),
		filepath.Dir(c.Paths.Database),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// Timeout returns the parsed provider request timeout, falling back
// to the default when the configured value is empty or malformed.
func (p *ProviderConfig) Timeout() time.Duration {
	if d, err := time.ParseDuration(p.RequestTimeout); err == nil && d > 0 {
		return d
	}
	return defaultRequestTimeout
}

// StaleAfter returns the parsed stream staleness window.
func (l *LimitsConfig) StaleAfter() time.Duration {
	if d, err := time.ParseDuration(l.StreamStaleAfter); err == nil && d > 0 {
		return d
	}
	return defaultStaleAfter
}

// Retention returns the parsed finished-stream retention window.
func (l *LimitsConfig) Retention() time.Duration {
	if d, err := time.ParseDuration(l.StreamRetention); err == nil && d > 0 {
		return d
	}
	return defaultRetention
}

// SlogLevel maps the configured level name to a slog.Level.
// Unknown names map to info.
func (l *LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
