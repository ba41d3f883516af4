// Package resilience provides the restart breaker guarding worker respawns.
//
// [RestartBreaker] counts consecutive spawn failures and refuses further
// restart attempts once a budget is exhausted, until a quiet period elapses.
// It is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRestartBudgetExhausted is returned by [RestartBreaker.Allow] when too
// many consecutive restart attempts have failed within the reset window.
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

// RestartBreakerConfig holds tuning knobs for a [RestartBreaker].
type RestartBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failed restarts before the
	// breaker trips. Default: 5.
	MaxFailures int

	// ResetWindow is how long after the last failure the counter is cleared
	// and restarts are allowed again. Default: 30s.
	ResetWindow time.Duration
}

// RestartBreaker tracks consecutive restart failures.
type RestartBreaker struct {
	name        string
	maxFailures int
	resetWindow time.Duration

	mu              sync.Mutex
	consecutiveFail int
	lastFailure     time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewRestartBreaker creates a [RestartBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewRestartBreaker(cfg RestartBreakerConfig) *RestartBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = 30 * time.Second
	}
	return &RestartBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		resetWindow: cfg.ResetWindow,
		now:         time.Now,
	}
}

// Allow reports whether another restart attempt may proceed. It returns
// [ErrRestartBudgetExhausted] when the failure budget is spent and the reset
// window since the last failure has not yet elapsed.
func (b *RestartBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFail >= b.maxFailures {
		if b.now().Sub(b.lastFailure) < b.resetWindow {
			return ErrRestartBudgetExhausted
		}
		slog.Info("restart breaker reset after quiet period", "name", b.name)
		b.consecutiveFail = 0
	}
	return nil
}

// Success clears the consecutive failure counter.
func (b *RestartBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
}

// Failure records a failed restart attempt.
func (b *RestartBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail++
	b.lastFailure = b.now()
	if b.consecutiveFail == b.maxFailures {
		slog.Warn("restart breaker tripped",
			"name", b.name,
			"consecutive_failures", b.consecutiveFail)
	}
}
