// Package breaker pauses all actions after consecutive failures.
//
// Closed -> Open when failures reach the threshold; Open -> Closed on the
// first observation after paused_until, or on any success.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/store"
)

// Config tunes the breaker.
type Config struct {
	// Threshold is the consecutive-failure count that opens the circuit. Default: 3.
	Threshold int `json:"threshold" yaml:"threshold"`

	// Pause is how long the circuit stays open. Default: 1h.
	Pause time.Duration `json:"pause" yaml:"pause"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Threshold: 3, Pause: time.Hour}
}

// State is a snapshot of the breaker.
type State struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Open                bool          `json:"open"`
	PausedUntil         *time.Time    `json:"paused_until,omitempty"`
	Remaining           time.Duration `json:"remaining,omitempty"`
}

// Breaker tracks consecutive failures.
type Breaker struct {
	cfg     Config
	store   store.FailureStore
	state   store.FailureState
	nowFunc func() time.Time
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

// New creates a breaker and loads its persisted state.
func New(ctx context.Context, cfg Config, st store.FailureStore, opts ...Option) (*Breaker, error) {
	b := &Breaker{cfg: cfg, store: st, nowFunc: time.Now}
	for _, o := range opts {
		o(b)
	}

	state, err := st.LoadFailureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading failure state: %w", err)
	}
	b.state = state
	return b, nil
}

// IsPaused reports whether the circuit is open and for how much longer.
// An expired pause is cleared and persisted.
func (b *Breaker) IsPaused(ctx context.Context) (bool, time.Duration, error) {
	if err := b.clearExpired(ctx); err != nil {
		return false, 0, err
	}
	if b.state.PausedUntil == nil {
		return false, 0, nil
	}
	return true, b.state.PausedUntil.Sub(b.nowFunc()), nil
}

// Check returns a CircuitOpen denial while paused.
func (b *Breaker) Check(ctx context.Context) (admission.Decision, error) {
	paused, remaining, err := b.IsPaused(ctx)
	if err != nil {
		return admission.Decision{}, err
	}
	if paused {
		return admission.Deny(admission.CodeCircuitOpen, remaining,
			"paused after %d consecutive failures", b.state.ConsecutiveFailures), nil
	}
	return admission.Allow(), nil
}

// RecordFailure counts one failure and opens the circuit at the threshold.
// It reports whether this call tripped the breaker and the pause length.
func (b *Breaker) RecordFailure(ctx context.Context) (bool, time.Duration, error) {
	if err := b.clearExpired(ctx); err != nil {
		return false, 0, err
	}

	next := b.state
	next.ConsecutiveFailures++
	tripped := false
	if next.PausedUntil == nil && next.ConsecutiveFailures >= b.cfg.Threshold {
		until := b.nowFunc().Add(b.cfg.Pause)
		next.PausedUntil = &until
		tripped = true
	}

	if err := b.store.SaveFailureState(ctx, next); err != nil {
		return false, 0, fmt.Errorf("saving failure state: %w", err)
	}
	b.state = next

	if tripped {
		return true, b.cfg.Pause, nil
	}
	return false, 0, nil
}

// RecordSuccess closes the circuit and zeroes the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	if b.state.ConsecutiveFailures == 0 && b.state.PausedUntil == nil {
		return nil
	}
	return b.reset(ctx)
}

// State returns a snapshot without clearing an expired pause.
func (b *Breaker) State() State {
	s := State{ConsecutiveFailures: b.state.ConsecutiveFailures}
	if b.state.PausedUntil != nil {
		until := *b.state.PausedUntil
		if remaining := until.Sub(b.nowFunc()); remaining > 0 {
			s.Open = true
			s.PausedUntil = &until
			s.Remaining = remaining
		}
	}
	return s
}

func (b *Breaker) clearExpired(ctx context.Context) error {
	if b.state.PausedUntil == nil || b.nowFunc().Before(*b.state.PausedUntil) {
		return nil
	}
	return b.reset(ctx)
}

func (b *Breaker) reset(ctx context.Context) error {
	if err := b.store.SaveFailureState(ctx, store.FailureState{}); err != nil {
		return fmt.Errorf("resetting failure state: %w", err)
	}
	b.state = store.FailureState{}
	return nil
}
