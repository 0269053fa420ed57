// Package resilience guards outbound calls to the tool servers. The
// circuit breaker stops the pipeline from paying a connect timeout on
// every call once a server is known to be down; callers skip straight
// to their fallback until the cooldown admits a probe.
package resilience

import (
	"sync"
	"time"

	"github.com/itsneelabh/invoiceflow/core"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 30 * time.Second
)

// Breaker is a consecutive-failure circuit breaker. It opens after
// FailureThreshold transport failures in a row, rejects calls for the
// cooldown window, then admits a single probe. A successful probe
// closes the circuit; a failed one re-opens it for another cooldown.
//
// Only transport-level failures should be recorded: an HTTP error
// status means the server is alive and must not trip the circuit.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    core.Logger

	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a probe
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithBreakerLogger sets the logger for state transitions
func WithBreakerLogger(logger core.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBreaker creates a closed breaker named for the dependency it
// protects.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: defaultFailureThreshold,
		cooldown:  defaultCooldown,
		logger:    &core.NoOpLogger{},
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. While open it returns
// false until the cooldown elapses, then admits exactly one probe and
// holds further callers off until that probe is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return false
	default:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.logger.Debug("Circuit breaker probing", map[string]interface{}{
			"operation": "breaker_probe",
			"breaker":   b.name,
		})
		return true
	}
}

// RecordSuccess resets the failure count and closes the circuit if a
// probe was in flight.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info("Circuit breaker closed", map[string]interface{}{
			"operation": "breaker_close",
			"breaker":   b.name,
		})
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a transport failure. Reaching the threshold, or
// failing the half-open probe, opens the circuit for a cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			b.logger.Warn("Circuit breaker opened", map[string]interface{}{
				"operation": "breaker_open",
				"breaker":   b.name,
				"failures":  b.failures,
				"cooldown":  b.cooldown.String(),
			})
		}
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State returns the current state: closed, open, or half-open.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
