package router

import (
	"github.com/synqra/inference-router/internal/admission"
	"github.com/synqra/inference-router/internal/breaker"
)

// Request is the decoded inference request body.
type Request struct {
	Product  string         `json:"product"`
	Prompt   string         `json:"prompt"`
	MediaURL string         `json:"media_url"`
	Metadata map[string]any `json:"metadata"`
}

// Response is the envelope returned for every successful inference.
type Response struct {
	RequestID       string `json:"request_id"`
	Provider        string `json:"provider"`
	Route           string `json:"route"`
	Output          any    `json:"output"`
	Cached          bool   `json:"cached"`
	Deduped         bool   `json:"deduped"`
	ClaudeEscalated bool   `json:"claude_escalated"`
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status         string                   `json:"status"`
	Redis          RedisHealth              `json:"redis"`
	Memory         admission.MemorySnapshot `json:"memory"`
	CircuitBreaker breaker.Status           `json:"circuit_breaker"`
	Timeouts       TimeoutInfo              `json:"timeouts"`
	Policy         PolicyInfo               `json:"policy"`
}

// RedisHealth reports store reachability.
type RedisHealth struct {
	OK bool `json:"ok"`
}

// TimeoutInfo reports the active deadline configuration.
type TimeoutInfo struct {
	GroqSeconds   float64 `json:"groq_seconds"`
	GlobalSeconds int     `json:"global_seconds"`
}

// PolicyInfo reports the active caching and quota policy.
type PolicyInfo struct {
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
	DedupeWindowMS  int     `json:"dedupe_window_ms"`
	ClaudeCapRatio  float64 `json:"claude_cap_ratio"`
}

// StatusError is a routing failure that maps directly onto an HTTP
// response. RetryAfter, when positive, becomes a Retry-After header.
type StatusError struct {
	Code       int
	Detail     string
	RetryAfter int
}

func (e *StatusError) Error() string {
	return e.Detail
}
