package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqra/inference-router/internal/admission"
	"github.com/synqra/inference-router/internal/breaker"
	"github.com/synqra/inference-router/internal/metrics"
	"github.com/synqra/inference-router/internal/providers"
	"github.com/synqra/inference-router/internal/router"
	"github.com/synqra/inference-router/internal/store"
)

type stubStore struct{}

func (stubStore) GetCached(context.Context, string) (*store.Result, bool)      { return nil, false }
func (stubStore) SetCached(context.Context, string, *store.Result)             {}
func (stubStore) TryAcquireLock(context.Context, string, string) bool          { return true }
func (stubStore) GetLock(context.Context, string) (*store.Lock, bool)          { return nil, false }
func (stubStore) ReleaseLock(context.Context, string, string)                  {}
func (stubStore) SetDedupeResult(context.Context, string, *store.Result)       {}
func (stubStore) WaitForResult(context.Context, string) (*store.Result, bool)  { return nil, false }
func (stubStore) ReleaseClaudeReservation(context.Context, string)             {}
func (stubStore) RecordRequest(context.Context, string)                        {}
func (stubStore) Ping(context.Context) bool                                    { return true }
func (stubStore) TryReserveClaude(context.Context, string) store.Reservation {
	return store.Reservation{Allowed: false, TotalCount: 10, ProjectedRatio: 0.1}
}

type stubProviders struct {
	groq func(ctx context.Context) (string, error)
}

func (p stubProviders) CallGroq(ctx context.Context, _ string) (string, error) {
	if p.groq != nil {
		return p.groq(ctx)
	}
	return "stub answer", nil
}

func (stubProviders) CallOllama(context.Context, string) (string, error) {
	return "", &providers.Error{Provider: "ollama", StatusCode: 500, Message: "down"}
}

func (stubProviders) CallClaude(context.Context, string) (string, error) {
	return "", &providers.Error{Provider: "claude", StatusCode: 500, Message: "down"}
}

func (stubProviders) CallKie(context.Context, string, string, map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

type healthyMem struct{}

func (healthyMem) Snapshot() admission.MemorySnapshot {
	return admission.MemorySnapshot{FreeMB: 2048, MinRequiredMB: 500, Healthy: true}
}

func newTestServer(pv router.Providers, mutate func(*ServerConfig)) *Server {
	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)
	core := router.New(router.Deps{
		Store:     stubStore{},
		Providers: pv,
		Breaker:   breaker.New(1, time.Minute),
		Memory:    healthyMem{},
		Metrics:   m,
	}, router.Config{
		GlobalTimeout:  5 * time.Second,
		GroqTimeout:    time.Second,
		CacheTTL:       300 * time.Second,
		DedupeWindow:   100 * time.Millisecond,
		ClaudeCapRatio: 0.01,
	})

	cfg := ServerConfig{
		Host:           "127.0.0.1",
		Port:           8090,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   35 * time.Second,
		IdleTimeout:    60 * time.Second,
		GlobalTimeout:  5 * time.Second,
		MaxPromptChars: 16000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg, core, m, promReg)
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["detail"]
}

func TestInferSuccess(t *testing.T) {
	s := newTestServer(stubProviders{}, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/infer",
		map[string]any{"product": "synqra", "prompt": "hello"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp router.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "groq", resp.Provider)
	assert.Equal(t, "text", resp.Route)
	assert.Equal(t, "stub answer", resp.Output)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("x-request-id"))
}

func TestInferHonoursInboundRequestID(t *testing.T) {
	s := newTestServer(stubProviders{}, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/infer",
		map[string]any{"product": "synqra", "prompt": "hello"},
		map[string]string{"x-request-id": "trace-me-42"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-me-42", rec.Header().Get("x-request-id"))

	var resp router.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "trace-me-42", resp.RequestID)
}

func TestInferValidation(t *testing.T) {
	s := newTestServer(stubProviders{}, func(cfg *ServerConfig) {
		cfg.MaxPromptChars = 64
	})

	t.Run("undecodable body", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodPost, "/infer", "{not json", nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "Invalid request body", detailOf(t, rec))
	})

	t.Run("neither prompt nor media_url", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodPost, "/infer",
			map[string]any{"product": "synqra"}, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "Either prompt or media_url must be provided", detailOf(t, rec))
	})

	t.Run("prompt too long", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodPost, "/infer",
			map[string]any{"product": "synqra", "prompt": strings.Repeat("a", 65)}, nil)
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "Prompt exceeds 64 characters", detailOf(t, rec))
	})
}

func TestInferCooldownSetsRetryAfter(t *testing.T) {
	pv := stubProviders{groq: func(context.Context) (string, error) {
		return "", &providers.Error{Provider: "groq", StatusCode: 429, Message: "slow down"}
	}}
	s := newTestServer(pv, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/infer",
		map[string]any{"product": "synqra", "prompt": "hello"}, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Groq cooldown active", detailOf(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInferGlobalTimeout(t *testing.T) {
	pv := stubProviders{groq: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", &providers.Error{Provider: "groq", StatusCode: 0, Message: "cancelled"}
	}}
	s := newTestServer(pv, func(cfg *ServerConfig) {
		cfg.GlobalTimeout = 50 * time.Millisecond
	})

	rec := do(t, s.Handler(), http.MethodPost, "/infer",
		map[string]any{"product": "synqra", "prompt": "hello"}, nil)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, detailOf(t, rec), "Global request timeout reached")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(stubProviders{}, func(cfg *ServerConfig) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 1
	})

	body := map[string]any{"product": "synqra", "prompt": "hello"}
	first := do(t, s.Handler(), http.MethodPost, "/infer", body, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, s.Handler(), http.MethodPost, "/infer", body, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "Rate limit exceeded", detailOf(t, second))

	// Health stays reachable while the inference route is throttled.
	health := do(t, s.Handler(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(stubProviders{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h router.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.Redis.OK)
	assert.True(t, h.Memory.Healthy)
	assert.Equal(t, 5, h.Timeouts.GlobalSeconds)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(stubProviders{}, nil)

	do(t, s.Handler(), http.MethodPost, "/infer",
		map[string]any{"product": "synqra", "prompt": "hello"}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inference_router_requests_total")
	assert.Contains(t, rec.Body.String(), "inference_router_cache_hit_ratio")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newTestServer(stubProviders{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", detailOf(t, rec))

	rec = do(t, s.Handler(), http.MethodGet, "/infer", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method Not Allowed", detailOf(t, rec))
}
