// Package router implements the request state machine: admission, cache
// lookup, cross-replica single flight, premium quota and the provider
// fallback chain.
package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synqra/inference-router/internal/admission"
	"github.com/synqra/inference-router/internal/breaker"
	"github.com/synqra/inference-router/internal/classify"
	"github.com/synqra/inference-router/internal/metrics"
	"github.com/synqra/inference-router/internal/providers"
	"github.com/synqra/inference-router/internal/store"
)

// voiceCalibration is prepended to every synqra text prompt before any
// provider sees it.
const voiceCalibration = "Voice calibration for Synqra: concise, executive, no hype, action-first language. " +
	"Preserve factual certainty and avoid speculative claims.\n\n"

// Store is the shared-state surface the router needs.
type Store interface {
	GetCached(ctx context.Context, signature string) (*store.Result, bool)
	SetCached(ctx context.Context, signature string, res *store.Result)
	TryAcquireLock(ctx context.Context, signature, owner string) bool
	GetLock(ctx context.Context, signature string) (*store.Lock, bool)
	ReleaseLock(ctx context.Context, signature, owner string)
	SetDedupeResult(ctx context.Context, signature string, res *store.Result)
	WaitForResult(ctx context.Context, signature string) (*store.Result, bool)
	TryReserveClaude(ctx context.Context, requestID string) store.Reservation
	ReleaseClaudeReservation(ctx context.Context, member string)
	RecordRequest(ctx context.Context, requestID string)
	Ping(ctx context.Context) bool
}

// Providers is the upstream caller surface.
type Providers interface {
	CallGroq(ctx context.Context, prompt string) (string, error)
	CallOllama(ctx context.Context, prompt string) (string, error)
	CallClaude(ctx context.Context, prompt string) (string, error)
	CallKie(ctx context.Context, prompt, mediaURL string, metadata map[string]any) (any, error)
}

// MemoryGate is the admission surface.
type MemoryGate interface {
	Snapshot() admission.MemorySnapshot
}

// Config carries the routing policy knobs the state machine needs.
type Config struct {
	GlobalTimeout  time.Duration
	GroqTimeout    time.Duration
	CacheTTL       time.Duration
	DedupeWindow   time.Duration
	ClaudeCapRatio float64
}

// Deps are the collaborators a Router routes through.
type Deps struct {
	Store     Store
	Providers Providers
	Breaker   *breaker.Breaker
	Memory    MemoryGate
	Metrics   *metrics.Registry
}

// Router coordinates one inference request end to end.
type Router struct {
	store     Store
	providers Providers
	breaker   *breaker.Breaker
	memory    MemoryGate
	metrics   *metrics.Registry
	cfg       Config
	now       func() time.Time
}

// New assembles a Router.
func New(deps Deps, cfg Config) *Router {
	return &Router{
		store:     deps.Store,
		providers: deps.Providers,
		breaker:   deps.Breaker,
		memory:    deps.Memory,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RouteRequest runs the full state machine for one request. The error is
// either a *StatusError carrying the HTTP mapping or an internal failure.
func (r *Router) RouteRequest(ctx context.Context, req Request, requestID string) (*Response, error) {
	if snap := r.memory.Snapshot(); !snap.Healthy {
		r.metrics.RecordAdmissionReject(metrics.RejectLowMemory)
		log.Warn().Str("request_id", requestID).Uint64("free_mb", snap.FreeMB).
			Msg("low memory, refusing request")
		return nil, &StatusError{
			Code:   http.StatusServiceUnavailable,
			Detail: "Insufficient free memory to accept new requests",
		}
	}

	product := strings.ToLower(strings.TrimSpace(req.Product))
	prompt := strings.TrimSpace(req.Prompt)

	if estimated, ceiling, ok := admission.CheckTokenBudget(req.Product, req.Prompt); !ok {
		r.metrics.RecordAdmissionReject(metrics.RejectTokenCeiling)
		label := product
		if label == "" {
			label = "default"
		}
		return nil, &StatusError{
			Code:   http.StatusRequestEntityTooLarge,
			Detail: fmt.Sprintf("Prompt exceeds token ceiling for product '%s' (%d>%d)", label, estimated, ceiling),
		}
	}

	r.store.RecordRequest(ctx, requestID)

	signature, err := store.Fingerprint(req.Product, req.Prompt, req.MediaURL, req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("fingerprint request: %w", err)
	}

	if cached, ok := r.store.GetCached(ctx, signature); ok {
		r.metrics.RecordCacheHit()
		return r.buildResponse(requestID, cached, true, false), nil
	}
	r.metrics.RecordCacheMiss()

	cls := classify.Classify(req.Prompt, req.MediaURL, req.Metadata)

	if r.store.TryAcquireLock(ctx, signature, requestID) {
		defer r.store.ReleaseLock(context.WithoutCancel(ctx), signature, requestID)

		result, err := r.dispatch(ctx, req, cls, requestID, product, prompt)
		if err != nil {
			return nil, err
		}
		// Waiters poll the result key; the publish must survive the
		// requester hanging up mid-dispatch.
		publish := context.WithoutCancel(ctx)
		r.store.SetCached(publish, signature, result)
		r.store.SetDedupeResult(publish, signature, result)
		return r.buildResponse(requestID, result, false, false), nil
	}

	if lock, ok := r.store.GetLock(ctx, signature); ok {
		age := r.now().UnixMilli() - lock.StartedMS
		if age <= r.cfg.DedupeWindow.Milliseconds() {
			if result, ok := r.store.WaitForResult(ctx, signature); ok {
				r.metrics.RecordDedupeWait(metrics.DedupeHit)
				return r.buildResponse(requestID, result, false, true), nil
			}
			if ctx.Err() != nil {
				r.metrics.RecordDedupeWait(metrics.DedupeTimeout)
				return nil, r.deadlineError()
			}
			// The wait aborted on a store failure; fall through and
			// dispatch for ourselves.
			r.metrics.RecordDedupeWait(metrics.DedupeBypass)
		} else {
			r.metrics.RecordDedupeWait(metrics.DedupeBypass)
		}
	}

	// The winner is stale or gone. Dispatch independently; last writer
	// wins the cache.
	result, err := r.dispatch(ctx, req, cls, requestID, product, prompt)
	if err != nil {
		return nil, err
	}
	r.store.SetCached(context.WithoutCancel(ctx), signature, result)
	return r.buildResponse(requestID, result, false, false), nil
}

// dispatch walks the provider chain for a classified request.
func (r *Router) dispatch(ctx context.Context, req Request, cls classify.Classification, requestID, product, prompt string) (*store.Result, error) {
	if cls.Route == classify.RouteMedia {
		return r.dispatchMedia(ctx, req, requestID, prompt)
	}

	if product == "synqra" {
		prompt = voiceCalibration + prompt
	}

	if cls.Escalate {
		if result := r.tryClaude(ctx, prompt, requestID); result != nil {
			return result, nil
		}
	}

	if r.breaker.IsOpen() {
		log.Warn().Str("request_id", requestID).Msg("groq circuit open, refusing text dispatch")
		r.metrics.SetBreakerOpen(true)
		return nil, r.cooldownError()
	}

	if ctx.Err() != nil {
		return nil, r.deadlineError()
	}
	start := time.Now()
	output, err := r.providers.CallGroq(ctx, prompt)
	if err == nil {
		r.breaker.RecordSuccess()
		r.metrics.SetBreakerOpen(false)
		r.metrics.RecordProviderCall(providers.Groq, metrics.OutcomeSuccess, time.Since(start).Seconds())
		return textResult(providers.Groq, output, false), nil
	}
	if ctx.Err() != nil {
		return nil, r.deadlineError()
	}
	if providers.IsRateLimited(err) {
		r.breaker.RecordRateLimited()
		r.metrics.RecordProviderCall(providers.Groq, metrics.OutcomeRateLimited, time.Since(start).Seconds())
		log.Warn().Str("request_id", requestID).Err(err).Msg("groq rate limited")
		if r.breaker.IsOpen() {
			r.metrics.RecordBreakerTrip()
			return nil, r.cooldownError()
		}
	} else {
		r.breaker.RecordFailure()
		r.metrics.RecordProviderCall(providers.Groq, metrics.OutcomeFailure, time.Since(start).Seconds())
		log.Warn().Str("request_id", requestID).Err(err).Msg("groq call failed")
	}

	if ctx.Err() != nil {
		return nil, r.deadlineError()
	}
	start = time.Now()
	output, err = r.providers.CallOllama(ctx, prompt)
	if err == nil {
		r.metrics.RecordProviderCall(providers.Ollama, metrics.OutcomeSuccess, time.Since(start).Seconds())
		return textResult(providers.Ollama, output, false), nil
	}
	if ctx.Err() != nil {
		return nil, r.deadlineError()
	}
	r.metrics.RecordProviderCall(providers.Ollama, metrics.OutcomeFailure, time.Since(start).Seconds())
	log.Warn().Str("request_id", requestID).Err(err).Msg("ollama call failed")

	if result := r.tryClaude(ctx, prompt, requestID); result != nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, r.deadlineError()
	}

	return nil, &StatusError{
		Code:   http.StatusBadGateway,
		Detail: "All providers failed for this request",
	}
}

// dispatchMedia sends a media request to its single provider. There is no
// fallback on this route.
func (r *Router) dispatchMedia(ctx context.Context, req Request, requestID, prompt string) (*store.Result, error) {
	if req.MediaURL == "" {
		return nil, &StatusError{
			Code:   http.StatusUnprocessableEntity,
			Detail: "media_url is required for media route",
		}
	}

	start := time.Now()
	output, err := r.providers.CallKie(ctx, prompt, req.MediaURL, req.Metadata)
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.deadlineError()
		}
		r.metrics.RecordProviderCall(providers.Kie, metrics.OutcomeFailure, time.Since(start).Seconds())
		log.Warn().Str("request_id", requestID).Err(err).Msg("kie call failed")
		return nil, &StatusError{
			Code:   http.StatusBadGateway,
			Detail: "Media provider failed for this request",
		}
	}
	r.metrics.RecordProviderCall(providers.Kie, metrics.OutcomeSuccess, time.Since(start).Seconds())
	return &store.Result{
		Provider: providers.Kie,
		Route:    classify.RouteMedia,
		Output:   output,
	}, nil
}

// tryClaude attempts a quota-reserved premium call. A nil result means the
// caller should keep walking its chain: either the cap denied us or the
// call failed and the reservation was returned.
func (r *Router) tryClaude(ctx context.Context, prompt, requestID string) *store.Result {
	if ctx.Err() != nil {
		return nil
	}

	reservation := r.store.TryReserveClaude(ctx, requestID)
	r.metrics.RecordQuotaDecision(reservation.Allowed)
	if !reservation.Allowed {
		log.Info().Str("request_id", requestID).
			Int64("total_count", reservation.TotalCount).
			Int64("claude_count", reservation.ClaudeCount).
			Float64("projected_ratio", reservation.ProjectedRatio).
			Msg("premium cap reached, skipping claude")
		return nil
	}

	start := time.Now()
	output, err := r.providers.CallClaude(ctx, prompt)
	if err != nil {
		r.store.ReleaseClaudeReservation(context.WithoutCancel(ctx), reservation.Member)
		r.metrics.RecordProviderCall(providers.Claude, metrics.OutcomeFailure, time.Since(start).Seconds())
		log.Warn().Str("request_id", requestID).Err(err).Msg("claude call failed, reservation released")
		return nil
	}
	r.metrics.RecordProviderCall(providers.Claude, metrics.OutcomeSuccess, time.Since(start).Seconds())
	return &store.Result{
		Provider:        providers.Claude,
		Route:           classify.RouteText,
		Output:          output,
		ClaudeEscalated: true,
	}
}

// Health assembles the liveness view of every collaborator.
func (r *Router) Health(ctx context.Context) HealthStatus {
	redisOK := r.store.Ping(ctx)
	brk := r.breaker.Status()
	r.metrics.SetBreakerOpen(brk.Open)
	memory := r.memory.Snapshot()

	status := "ok"
	if !redisOK || !memory.Healthy {
		status = "degraded"
	}
	return HealthStatus{
		Status:         status,
		Redis:          RedisHealth{OK: redisOK},
		Memory:         memory,
		CircuitBreaker: brk,
		Timeouts: TimeoutInfo{
			GroqSeconds:   r.cfg.GroqTimeout.Seconds(),
			GlobalSeconds: int(r.cfg.GlobalTimeout.Seconds()),
		},
		Policy: PolicyInfo{
			CacheTTLSeconds: int(r.cfg.CacheTTL.Seconds()),
			DedupeWindowMS:  int(r.cfg.DedupeWindow.Milliseconds()),
			ClaudeCapRatio:  r.cfg.ClaudeCapRatio,
		},
	}
}

func (r *Router) buildResponse(requestID string, res *store.Result, cached, deduped bool) *Response {
	return &Response{
		RequestID:       requestID,
		Provider:        res.Provider,
		Route:           res.Route,
		Output:          res.Output,
		Cached:          cached,
		Deduped:         deduped,
		ClaudeEscalated: res.ClaudeEscalated,
	}
}

func (r *Router) cooldownError() *StatusError {
	retry := r.breaker.Status().RetryAfterSeconds
	if retry < 1 {
		retry = 1
	}
	return &StatusError{
		Code:       http.StatusServiceUnavailable,
		Detail:     "Groq cooldown active",
		RetryAfter: retry,
	}
}

func (r *Router) deadlineError() *StatusError {
	return &StatusError{
		Code:   http.StatusGatewayTimeout,
		Detail: fmt.Sprintf("Global request timeout reached (%ds)", int(r.cfg.GlobalTimeout.Seconds())),
	}
}

func textResult(provider, output string, escalated bool) *store.Result {
	return &store.Result{
		Provider:        provider,
		Route:           classify.RouteText,
		Output:          output,
		ClaudeEscalated: escalated,
	}
}
