// Package breaker implements the process-local circuit breaker that guards
// the hosted fast-text provider against sustained rate limiting.
package breaker

import (
	"math"
	"sync"
	"time"
)

// Status is the breaker view exposed on the health endpoint.
type Status struct {
	Consecutive429    int  `json:"consecutive_429"`
	Open              bool `json:"open"`
	RetryAfterSeconds int  `json:"retry_after_seconds"`
}

// Breaker counts consecutive upstream 429 responses and opens for a fixed
// window once the threshold is reached. Only 429s trip it: any other
// failure clears the streak without closing an already-open window, and a
// success clears both the streak and the window. Replicas each run their
// own instance; the open state is deliberately not shared.
type Breaker struct {
	mu             sync.Mutex
	threshold      int
	openFor        time.Duration
	consecutive429 int
	openUntil      time.Time
	now            func() time.Time
}

// New builds a breaker that opens for openFor once threshold consecutive
// rate-limited calls have been observed.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, openFor: openFor, now: time.Now}
}

// RecordRateLimited notes a 429 from the guarded provider.
func (b *Breaker) RecordRateLimited() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive429++
	if b.consecutive429 >= b.threshold {
		b.openUntil = b.now().Add(b.openFor)
	}
}

// RecordFailure notes a non-429 failure. The 429 streak resets but an
// already-open window keeps its expiry.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive429 = 0
}

// RecordSuccess clears the streak and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive429 = 0
	b.openUntil = time.Time{}
}

// IsOpen reports whether calls should currently be refused.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

// Status snapshots the breaker for health checks. RetryAfterSeconds is the
// remaining open window rounded up to whole seconds, so it is at least one
// whenever the breaker reports open.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{Consecutive429: b.consecutive429}
	if remaining := b.openUntil.Sub(b.now()); remaining > 0 {
		st.Open = true
		st.RetryAfterSeconds = int(math.Ceil(remaining.Seconds()))
	}
	return st
}
