package internal

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerHalfOpen breakerState = 1
	breakerOpen     breakerState = 2
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerHalfOpen:
		return "half-open"
	case breakerOpen:
		return "open"
	}
	return "unknown"
}

// Breaker gates outbound provider requests. Callers must consult IsAllowed
// before every request and report the outcome afterwards.
//
// closed → open after threshold consecutive failures within the window;
// open → half-open after the cool-down elapses; half-open admits a single
// probe; a probe success closes the breaker, a failure re-opens it with a
// doubled (capped) cool-down.
type Breaker struct {
	mu        sync.Mutex
	providers map[string]*providerBreaker

	window    time.Duration
	threshold int
	coolDown  time.Duration
	maxCool   time.Duration

	metrics *breakerMetrics
	now     func() time.Time
}

type providerBreaker struct {
	state     breakerState
	failures  []time.Time
	openUntil time.Time
	coolDown  time.Duration
	probing   bool
}

// NewBreaker creates a breaker shared by all providers in the process.
func NewBreaker(window time.Duration, threshold int, coolDown time.Duration, reg *prometheus.Registry) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		providers: map[string]*providerBreaker{},
		window:    window,
		threshold: threshold,
		coolDown:  coolDown,
		maxCool:   10 * time.Minute,
		metrics:   newBreakerMetrics(reg),
		now:       time.Now,
	}
}

func (b *Breaker) get(provider string) *providerBreaker {
	pb, ok := b.providers[provider]
	if !ok {
		pb = &providerBreaker{coolDown: b.coolDown}
		b.providers[provider] = pb
	}
	return pb
}

// IsAllowed reports whether a request to the provider may be issued right
// now. While half-open only a single probe is admitted.
func (b *Breaker) IsAllowed(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	now := b.now()

	switch pb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Before(pb.openUntil) {
			b.metrics.rejectedInc(provider)
			return false
		}
		pb.state = breakerHalfOpen
		pb.probing = false
		b.metrics.stateSet(provider, breakerHalfOpen)
		fallthrough
	case breakerHalfOpen:
		if pb.probing {
			b.metrics.rejectedInc(provider)
			return false
		}
		pb.probing = true
		return true
	}
	return true
}

// ReportSuccess records a successful request and closes the breaker.
func (b *Breaker) ReportSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	pb.state = breakerClosed
	pb.failures = pb.failures[:0]
	pb.coolDown = b.coolDown
	pb.probing = false
	b.metrics.successInc(provider)
	b.metrics.stateSet(provider, breakerClosed)
}

// ReportFailure records a failed request. Consecutive failures inside the
// sliding window trip the breaker; a failed half-open probe re-opens it with
// a doubled cool-down.
func (b *Breaker) ReportFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.get(provider)
	now := b.now()
	b.metrics.failureInc(provider)

	if pb.state == breakerHalfOpen {
		pb.coolDown = min(pb.coolDown*2, b.maxCool)
		b.open(provider, pb, now)
		return
	}

	pb.failures = append(pb.failures, now)
	cutoff := now.Add(-b.window)
	kept := pb.failures[:0]
	for _, f := range pb.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	pb.failures = kept

	if len(pb.failures) >= b.threshold {
		b.open(provider, pb, now)
	}
}

func (b *Breaker) open(provider string, pb *providerBreaker, now time.Time) {
	pb.state = breakerOpen
	pb.openUntil = now.Add(pb.coolDown)
	pb.failures = pb.failures[:0]
	pb.probing = false
	b.metrics.stateSet(provider, breakerOpen)
	Log(context.Background()).Warn("breaker opened", "provider", provider, "until", pb.openUntil)
}

// State returns the provider's current state and, if open, when it will
// admit a probe again.
func (b *Breaker) State(provider string) (breakerState, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pb := b.get(provider)
	return pb.state, pb.openUntil
}
