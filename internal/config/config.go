// Package config defines the gateway configuration: global settings plus the
// per-model mapping table that resolves an OpenAI-style model name to a Dify
// application endpoint.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/dify2openai/difybridge/internal/json"
)

// AppType identifies the kind of Dify application behind a model mapping.
type AppType string

const (
	AppTypeChatbot AppType = "chatbot"
	AppTypeAgent   AppType = "agent"
)

// ModelMapping resolves one model name to a Dify application.
type ModelMapping struct {
	// AppName is a display name for the Dify application.
	AppName string `yaml:"app-name" json:"app_name"`

	// Description is shown in the model catalog.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// BaseURL is the Dify API endpoint, e.g. https://api.dify.ai.
	BaseURL string `yaml:"base-url" json:"dify_base_url"`

	// APIKey is the Dify application key (app-...).
	APIKey string `yaml:"api-key" json:"dify_api_key"`

	// AppType is chatbot or agent. Agent apps only support streaming.
	AppType AppType `yaml:"app-type,omitempty" json:"app_type,omitempty"`

	// SupportsStreaming defaults to true.
	SupportsStreaming *bool `yaml:"supports-streaming,omitempty" json:"supports_streaming,omitempty"`

	// SupportsBlocking defaults to true. Agent apps refuse blocking mode.
	SupportsBlocking *bool `yaml:"supports-blocking,omitempty" json:"supports_blocking,omitempty"`

	// DefaultMode is used when the caller does not request streaming
	// explicitly. One of "blocking" or "streaming".
	DefaultMode string `yaml:"default-mode,omitempty" json:"default_mode,omitempty"`

	// MaxTokens is advertised in the model catalog.
	MaxTokens int `yaml:"max-tokens,omitempty" json:"max_tokens,omitempty"`
}

// StreamingSupported returns whether the mapped app accepts streaming mode.
func (m *ModelMapping) StreamingSupported() bool {
	return m.SupportsStreaming == nil || *m.SupportsStreaming
}

// BlockingSupported returns whether the mapped app accepts blocking mode.
// Agent apps never do, regardless of the configured flag.
func (m *ModelMapping) BlockingSupported() bool {
	if m.AppType == AppTypeAgent {
		return false
	}
	return m.SupportsBlocking == nil || *m.SupportsBlocking
}

// Validate checks one mapping for required fields and normalizes the URL.
func (m *ModelMapping) Validate(model string) error {
	if m.BaseURL == "" {
		return fmt.Errorf("model %q: base-url is required", model)
	}
	if m.APIKey == "" {
		return fmt.Errorf("model %q: api-key is required", model)
	}
	if !strings.HasPrefix(m.BaseURL, "http://") && !strings.HasPrefix(m.BaseURL, "https://") {
		m.BaseURL = "http://" + m.BaseURL
	}
	m.BaseURL = strings.TrimRight(m.BaseURL, "/")
	if m.AppType == "" {
		m.AppType = AppTypeChatbot
	}
	if m.DefaultMode == "" {
		m.DefaultMode = "blocking"
	}
	return nil
}

// SessionConfig controls conversation-continuity behavior.
type SessionConfig struct {
	// TimeoutMinutes is how long an idle conversation stays alive.
	TimeoutMinutes int `yaml:"timeout-minutes" json:"timeout_minutes"`

	// SweepMinutes is the interval of the expiry sweep.
	SweepMinutes int `yaml:"sweep-minutes" json:"sweep_minutes"`
}

// Timeout returns the session timeout as a duration (default 120 minutes).
func (s SessionConfig) Timeout() time.Duration {
	if s.TimeoutMinutes <= 0 {
		return 120 * time.Minute
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// SweepInterval returns the sweep interval as a duration (default 15 minutes).
func (s SessionConfig) SweepInterval() time.Duration {
	if s.SweepMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.SweepMinutes) * time.Minute
}

// UsageConfig configures the optional usage-accounting backend.
type UsageConfig struct {
	// DSN selects the backend: sqlite:///path/to.db or postgres://...
	DSN           string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	BatchSize     int    `yaml:"batch-size,omitempty" json:"batch_size,omitempty"`
	FlushInterval string `yaml:"flush-interval,omitempty" json:"flush_interval,omitempty"`
	RetentionDays int    `yaml:"retention-days,omitempty" json:"retention_days,omitempty"`
}

// RateLimitConfig bounds per-API-key request rates. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests-per-second,omitempty" json:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// LoggingToFile, when set, mirrors logs into a rotated file.
	LoggingToFile string `yaml:"logging-to-file,omitempty" json:"logging_to_file,omitempty"`

	// DefaultModel is used by the stop and file-upload routes when the
	// caller does not name a model.
	DefaultModel string `yaml:"default-model,omitempty" json:"default_model,omitempty"`

	// StreamIdleTimeoutSeconds aborts an upstream stream when no event
	// arrives for this long. Zero means the 300s default.
	StreamIdleTimeoutSeconds int `yaml:"stream-idle-timeout-seconds,omitempty" json:"stream_idle_timeout_seconds,omitempty"`

	Session   SessionConfig           `yaml:"session,omitempty" json:"session,omitempty"`
	Usage     UsageConfig             `yaml:"usage,omitempty" json:"usage,omitempty"`
	RateLimit RateLimitConfig         `yaml:"rate-limit,omitempty" json:"rate_limit,omitempty"`
	Models    map[string]ModelMapping `yaml:"models" json:"model_mappings"`
}

// StreamIdleTimeout returns the idle cutoff for upstream streams.
func (c *Config) StreamIdleTimeout() time.Duration {
	if c.StreamIdleTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

// Resolve looks up the mapping for a model name.
func (c *Config) Resolve(model string) (*ModelMapping, bool) {
	m, ok := c.Models[model]
	if !ok {
		return nil, false
	}
	return &m, true
}

// ModelNames returns all configured model names.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	return names
}

// Validate normalizes and checks the whole document.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model mapping is required")
	}
	for name, m := range c.Models {
		if err := m.Validate(name); err != nil {
			return err
		}
		c.Models[name] = m
	}
	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			return fmt.Errorf("default-model %q has no mapping", c.DefaultModel)
		}
	}
	return nil
}

// Load reads a config file. YAML is the native format; .json files are
// accepted for compatibility with older deployments and may carry comments
// and trailing commas (standardized via hujson before decoding).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".hujson", ".jsonc":
		std, errStd := hujson.Standardize(data)
		if errStd != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, errStd)
		}
		if errDec := json.Unmarshal(std, cfg); errDec != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, errDec)
		}
	default:
		if errDec := yaml.Unmarshal(data, cfg); errDec != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, errDec)
		}
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
