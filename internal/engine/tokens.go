package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/dedup"
	"github.com/nvandessel/floodgate/internal/quality"
)

var (
	// ErrInvalidToken is returned for unknown, used, released or expired tokens.
	ErrInvalidToken = errors.New("invalid admission token")

	// ErrTooManyOutstanding is returned when every token slot is taken.
	ErrTooManyOutstanding = errors.New("too many outstanding admissions")
)

// Admission is a granted, not yet completed action.
type Admission struct {
	Token     string    `json:"token"`
	Action    Action    `json:"action"`
	ExpiresAt time.Time `json:"expires_at"`

	// Quality is set when the action went through the quality gate.
	Quality *quality.Verdict `json:"quality,omitempty"`
}

// Outcome reports what happened to an admitted action.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Receipt describes the effects of recording an outcome.
type Receipt struct {
	Success        bool          `json:"success"`
	MetricsID      string        `json:"metrics_id,omitempty"`
	BreakerTripped bool          `json:"breaker_tripped,omitempty"`
	Pause          time.Duration `json:"pause,omitempty"`
}

// AdmitOption customises a TryAdmit call.
type AdmitOption func(*admitOptions)

type admitOptions struct {
	gen         quality.Generator
	maxAttempts int
}

// WithRegenerator lets TryAdmit replace generated content that fails the
// quality gate, asking gen up to maxAttempts times. A negative maxAttempts
// uses the configured default.
func WithRegenerator(gen quality.Generator, maxAttempts int) AdmitOption {
	return func(o *admitOptions) {
		o.gen = gen
		o.maxAttempts = maxAttempts
	}
}

// TryAdmit checks a and, when allowed, reserves it under a one-time token.
// The reservation counts against budgets and blocks its target, content
// and links for other callers until Complete, Release or expiry.
func (e *Engine) TryAdmit(ctx context.Context, a Action, opts ...AdmitOption) (*Admission, admission.Decision, error) {
	if err := validate(a); err != nil {
		return nil, admission.Decision{}, err
	}
	ao := admitOptions{maxAttempts: -1}
	for _, o := range opts {
		o(&ao)
	}
	if ao.maxAttempts < 0 {
		ao.maxAttempts = e.quality.MaxAttempts()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFunc()
	p := e.tokens.pending(now, a.Type)
	if e.tokens.full() {
		return nil, admission.Decision{}, fmt.Errorf("%w: %d", ErrTooManyOutstanding, e.tokens.size)
	}

	deny := func(d admission.Decision) (*Admission, admission.Decision, error) {
		e.observe("try_admit", a, d)
		return nil, d, nil
	}

	d, err := e.preContent(ctx, a, p)
	if err != nil {
		return nil, admission.Decision{}, err
	}
	if !d.Allowed {
		return deny(d)
	}
	if d := e.dedup.IsAdmissibleWithPending(a.Content, a.Target, p.dedup); !d.Allowed {
		return deny(d)
	}

	var verdict *quality.Verdict
	if a.Generated && a.Content != "" {
		var v quality.Verdict
		if ao.gen == nil {
			v = e.quality.Evaluate(candidate(a))
		} else {
			req := quality.Request{Category: a.Category}
			var next *quality.Candidate
			next, v = e.quality.GateWithRegeneration(ctx, candidate(a), ao.gen, req, ao.maxAttempts)
			e.counters.regenerations.Add(float64(v.Attempts))
			if next != nil && next.Text != a.Content {
				a.Content = next.Text
				a.Confidence = next.Confidence
				// Regenerated text must also be new.
				if d := e.dedup.IsAdmissibleWithPending(a.Content, a.Target, p.dedup); !d.Allowed {
					return deny(d)
				}
			}
		}
		verdict = &v
		if !v.Passed {
			return deny(v.Decision())
		}
	}

	if d := e.checkLinks(a, p); !d.Allowed {
		return deny(d)
	}
	if d, err := e.checkThread(ctx, a); err != nil {
		return nil, admission.Decision{}, err
	} else if !d.Allowed {
		return deny(d)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, admission.Decision{}, fmt.Errorf("failed to generate admission token: %w", err)
	}
	res := &reservation{
		action:    a,
		links:     actionLinks(a),
		expiresAt: now.Add(e.cfg.TokenTTL),
	}
	e.tokens.add(id.String(), res)

	allowed := admission.Allow()
	e.observe("try_admit", a, allowed)
	return &Admission{
		Token:     id.String(),
		Action:    a,
		ExpiresAt: res.expiresAt,
		Quality:   verdict,
	}, allowed, nil
}

// Complete redeems token. Success records the action in every component;
// failure only counts against the circuit breaker. A token is redeemable
// once.
func (e *Engine) Complete(ctx context.Context, token string, out Outcome) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.tokens.take(token, e.nowFunc())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, token)
	}

	if out.Success {
		return e.commit(ctx, res.action)
	}
	if out.Error != "" {
		e.logger.Info("admitted action failed", "action_type", res.action.Type, "error", out.Error)
	}
	return e.fail(ctx)
}

// Release drops a reservation without recording anything, for actions the
// caller decided not to perform.
func (e *Engine) Release(token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tokens.take(token, e.nowFunc()); !ok {
		return fmt.Errorf("%w: %s", ErrInvalidToken, token)
	}
	return nil
}

type reservation struct {
	action    Action
	links     []string
	expiresAt time.Time
}

// pending summarizes live reservations for the checks.
type pending struct {
	ofType int
	total  int
	dedup  []dedup.Candidate
	links  []string
}

// reservations holds outstanding tokens in insertion order, bounded.
type reservations struct {
	cache *lru.Cache[string, *reservation]
	size  int
}

func newReservations(size int) (*reservations, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *reservation](size)
	if err != nil {
		return nil, err
	}
	return &reservations{cache: cache, size: size}, nil
}

// sweep drops expired reservations.
func (r *reservations) sweep(now time.Time) {
	for _, token := range r.cache.Keys() {
		if res, ok := r.cache.Peek(token); ok && !now.Before(res.expiresAt) {
			r.cache.Remove(token)
		}
	}
}

func (r *reservations) pending(now time.Time, actionType string) pending {
	r.sweep(now)

	var p pending
	for _, res := range r.cache.Values() {
		p.total++
		if res.action.Type == actionType {
			p.ofType++
		}
		if res.action.Content != "" || res.action.Target != "" {
			p.dedup = append(p.dedup, dedup.Candidate{Content: res.action.Content, Target: res.action.Target})
		}
		p.links = append(p.links, res.links...)
	}
	return p
}

func (r *reservations) full() bool {
	return r.cache.Len() >= r.size
}

func (r *reservations) add(token string, res *reservation) {
	r.cache.Add(token, res)
}

// take removes and returns a live reservation.
func (r *reservations) take(token string, now time.Time) (*reservation, bool) {
	res, ok := r.cache.Peek(token)
	if !ok {
		return nil, false
	}
	r.cache.Remove(token)
	if !now.Before(res.expiresAt) {
		return nil, false
	}
	return res, true
}

func (r *reservations) live(now time.Time) int {
	r.sweep(now)
	return r.cache.Len()
}
