// Package config assembles the router's runtime options. Defaults are
// overlaid by an optional YAML file and then by environment variables, so
// a plain environment-driven deployment needs no file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of recognized options.
type Config struct {
	HTTP     HTTPConfig   `yaml:"http"`
	Router   RouterConfig `yaml:"router"`
	Groq     GroqConfig   `yaml:"groq"`
	Ollama   OllamaConfig `yaml:"ollama"`
	Claude   ClaudeConfig `yaml:"claude"`
	Kie      KieConfig    `yaml:"kie"`
	Redis    RedisConfig  `yaml:"redis"`
	LogLevel string       `yaml:"log_level"`
}

// HTTPConfig holds the listener settings and the optional ingress rate
// limit. A zero RateLimitRPS disables limiting entirely.
type HTTPConfig struct {
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// RouterConfig holds the request-level policy knobs.
type RouterConfig struct {
	GlobalTimeoutSeconds int    `yaml:"global_timeout_seconds"`
	MaxPromptChars       int    `yaml:"max_prompt_chars"`
	MinFreeRAMMB         uint64 `yaml:"min_free_ram_mb"`
	CacheTTLSeconds      int    `yaml:"cache_ttl_seconds"`
	DedupeWindowMS       int    `yaml:"dedupe_window_ms"`
}

// GroqConfig holds the hosted fast-text provider settings, including the
// circuit breaker that guards it.
type GroqConfig struct {
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	BaseURL            string  `yaml:"base_url"`
	TimeoutSeconds     float64 `yaml:"timeout_seconds"`
	BreakerThreshold   int     `yaml:"breaker_threshold"`
	BreakerOpenSeconds int     `yaml:"breaker_open_seconds"`
}

// OllamaConfig holds the local sidecar settings.
type OllamaConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// ClaudeConfig holds the premium provider settings and its quota policy.
type ClaudeConfig struct {
	APIKey               string  `yaml:"api_key"`
	Model                string  `yaml:"model"`
	BaseURL              string  `yaml:"base_url"`
	CapRatio             float64 `yaml:"cap_ratio"`
	RollingWindowSeconds int     `yaml:"rolling_window_seconds"`
}

// KieConfig holds the media provider settings.
type KieConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RedisConfig locates the shared store.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration every deployment starts from.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Router: RouterConfig{
			GlobalTimeoutSeconds: 30,
			MaxPromptChars:       16000,
			MinFreeRAMMB:         500,
			CacheTTLSeconds:      300,
			DedupeWindowMS:       100,
		},
		Groq: GroqConfig{
			Model:              "llama-3.3-70b-versatile",
			BaseURL:            "https://api.groq.com/openai/v1",
			TimeoutSeconds:     8,
			BreakerThreshold:   2,
			BreakerOpenSeconds: 60,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "llama3.1:8b",
			MaxConcurrency: 5,
		},
		Claude: ClaudeConfig{
			Model:                "claude-3-5-sonnet-20241022",
			BaseURL:              "https://api.anthropic.com",
			CapRatio:             0.01,
			RollingWindowSeconds: 3600,
		},
		Kie: KieConfig{
			BaseURL: "https://api.kie.ai",
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			Namespace: "synqra:inference",
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when one exists, then environment variables. A missing file is not
// an error so the same binary runs with or without one.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst <= 0 {
		cfg.HTTP.RateLimitBurst = int(2 * cfg.HTTP.RateLimitRPS)
		if cfg.HTTP.RateLimitBurst < 1 {
			cfg.HTTP.RateLimitBurst = 1
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("PORT", &c.HTTP.Port)
	envFloat("RATE_LIMIT_RPS", &c.HTTP.RateLimitRPS)
	envInt("RATE_LIMIT_BURST", &c.HTTP.RateLimitBurst)

	envInt("GLOBAL_TIMEOUT_SECONDS", &c.Router.GlobalTimeoutSeconds)
	envInt("MAX_PROMPT_CHARS", &c.Router.MaxPromptChars)
	envUint("MIN_FREE_RAM_MB", &c.Router.MinFreeRAMMB)
	envInt("CACHE_TTL_SECONDS", &c.Router.CacheTTLSeconds)
	envInt("DEDUPE_WINDOW_MS", &c.Router.DedupeWindowMS)

	envString("GROQ_API_KEY", &c.Groq.APIKey)
	envString("GROQ_MODEL", &c.Groq.Model)
	envString("GROQ_BASE_URL", &c.Groq.BaseURL)
	envFloat("GROQ_TIMEOUT_SECONDS", &c.Groq.TimeoutSeconds)
	envInt("GROQ_429_BREAKER_THRESHOLD", &c.Groq.BreakerThreshold)
	envInt("GROQ_429_BREAKER_OPEN_SECONDS", &c.Groq.BreakerOpenSeconds)

	envString("OLLAMA_BASE_URL", &c.Ollama.BaseURL)
	envString("OLLAMA_MODEL", &c.Ollama.Model)
	envInt("OLLAMA_MAX_CONCURRENCY", &c.Ollama.MaxConcurrency)

	envString("CLAUDE_API_KEY", &c.Claude.APIKey)
	envString("CLAUDE_MODEL", &c.Claude.Model)
	envString("CLAUDE_BASE_URL", &c.Claude.BaseURL)
	envFloat("CLAUDE_CAP_RATIO", &c.Claude.CapRatio)
	envInt("CLAUDE_ROLLING_WINDOW_SECONDS", &c.Claude.RollingWindowSeconds)

	envString("KIE_API_KEY", &c.Kie.APIKey)
	envString("KIE_BASE_URL", &c.Kie.BaseURL)

	envString("REDIS_URL", &c.Redis.URL)
	envString("REDIS_NAMESPACE", &c.Redis.Namespace)

	envString("LOG_LEVEL", &c.LogLevel)
}

// Validate rejects configurations the router cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps cannot be negative")
	}
	if c.Router.GlobalTimeoutSeconds <= 0 {
		return fmt.Errorf("global_timeout_seconds must be positive")
	}
	if c.Router.MaxPromptChars <= 0 {
		return fmt.Errorf("max_prompt_chars must be positive")
	}
	if c.Router.CacheTTLSeconds <= 0 {
		return fmt.Errorf("cache_ttl_seconds must be positive")
	}
	if c.Router.DedupeWindowMS <= 0 {
		return fmt.Errorf("dedupe_window_ms must be positive")
	}
	if c.Groq.TimeoutSeconds <= 0 {
		return fmt.Errorf("groq timeout_seconds must be positive")
	}
	if c.Groq.BreakerThreshold < 1 {
		return fmt.Errorf("groq breaker_threshold must be at least 1")
	}
	if c.Groq.BreakerOpenSeconds <= 0 {
		return fmt.Errorf("groq breaker_open_seconds must be positive")
	}
	if c.Ollama.MaxConcurrency < 1 {
		return fmt.Errorf("ollama max_concurrency must be at least 1")
	}
	if c.Claude.CapRatio <= 0 || c.Claude.CapRatio > 1 {
		return fmt.Errorf("claude cap_ratio %v outside (0,1]", c.Claude.CapRatio)
	}
	if c.Claude.RollingWindowSeconds <= 0 {
		return fmt.Errorf("claude rolling_window_seconds must be positive")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	return nil
}

// GlobalTimeout is the per-request deadline.
func (c *Config) GlobalTimeout() time.Duration {
	return time.Duration(c.Router.GlobalTimeoutSeconds) * time.Second
}

// CacheTTL is the shared response cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Router.CacheTTLSeconds) * time.Second
}

// DedupeWindow is the winner-age limit under which losers wait.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.Router.DedupeWindowMS) * time.Millisecond
}

// Timeout is the per-call groq deadline. Fractional seconds are honored.
func (g GroqConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds * float64(time.Second))
}

// BreakerOpenWindow is the cooldown applied once the breaker trips.
func (g GroqConfig) BreakerOpenWindow() time.Duration {
	return time.Duration(g.BreakerOpenSeconds) * time.Second
}

// RollingWindow is the premium quota observation window.
func (cl ClaudeConfig) RollingWindow() time.Duration {
	return time.Duration(cl.RollingWindowSeconds) * time.Second
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envUint(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}
