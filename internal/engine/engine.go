// Package engine composes the admission components behind one object.
//
// Check evaluates breaker, budget, dedup, quality and link cooldown in that
// order and returns the first denial. TryAdmit additionally reserves the
// action under a one-time token; Complete commits or fails it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/breaker"
	"github.com/nvandessel/floodgate/internal/budget"
	"github.com/nvandessel/floodgate/internal/dedup"
	"github.com/nvandessel/floodgate/internal/linkcool"
	"github.com/nvandessel/floodgate/internal/logging"
	"github.com/nvandessel/floodgate/internal/metrics"
	"github.com/nvandessel/floodgate/internal/quality"
	"github.com/nvandessel/floodgate/internal/store"
)

// ErrInvalidAction is returned for actions missing a type.
var ErrInvalidAction = errors.New("invalid action")

// Action is one intended external action.
type Action struct {
	Type     string   `json:"action_type"`
	Category string   `json:"category,omitempty"`
	Target   string   `json:"target,omitempty"`
	Content  string   `json:"content,omitempty"`
	Links    []string `json:"links,omitempty"`

	// Thread is the conversation the action belongs to, if any.
	Thread string `json:"thread,omitempty"`

	// Confidence is the generator's self-reported confidence, if any.
	Confidence *float64 `json:"confidence,omitempty"`

	// Generated marks machine-written content subject to the quality gate.
	Generated bool `json:"generated,omitempty"`
}

// Config gathers every component's configuration.
type Config struct {
	Budget  budget.Config
	Dedup   dedup.Config
	Links   linkcool.Config
	Quality quality.Config
	Breaker breaker.Config
	Metrics metrics.Config

	// TokenTTL bounds how long an admission token stays redeemable. Default: 10m.
	TokenTTL time.Duration

	// MaxOutstanding caps live admission tokens. Default: 256.
	MaxOutstanding int
}

// DefaultBudget is the stock quota table.
func DefaultBudget() budget.Config {
	return budget.Config{
		Limits: map[string][]budget.Window{
			"reply":  {{Duration: time.Hour, Limit: 15}},
			"post":   {{Duration: 24 * time.Hour, Limit: 12}},
			"follow": {{Duration: 24 * time.Hour, Limit: 10}},
		},
		Global: budget.Window{Duration: time.Hour, Limit: 30},
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Budget:         DefaultBudget(),
		Dedup:          dedup.DefaultConfig(),
		Links:          linkcool.DefaultConfig(),
		Quality:        quality.DefaultConfig(),
		Breaker:        breaker.DefaultConfig(),
		Metrics:        metrics.DefaultConfig(),
		TokenTTL:       10 * time.Minute,
		MaxOutstanding: 256,
	}
}

type options struct {
	nowFunc    func() time.Time
	logger     *slog.Logger
	decisions  *logging.DecisionLogger
	registerer prometheus.Registerer
	rng        *rand.Rand
}

// Option customises an Engine.
type Option func(*options)

// WithClock overrides the time source of the engine and every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.nowFunc = now }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDecisionLogger sets the JSONL decision trace. Nil disables it.
func WithDecisionLogger(dl *logging.DecisionLogger) Option {
	return func(o *options) { o.decisions = dl }
}

// WithRegisterer registers decision counters with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRand sets the random source for link variant selection.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// Engine is the admission controller. It is safe for concurrent use; one
// mutex serializes every call.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	store   store.Store
	budget  *budget.Tracker
	dedup   *dedup.Detector
	links   *linkcool.Tracker
	quality *quality.Gate
	breaker *breaker.Breaker
	metrics *metrics.Aggregator
	tokens  *reservations

	logger    *slog.Logger
	decisions *logging.DecisionLogger
	counters  *counters
	nowFunc   func() time.Time
}

// New builds an engine over st, loading every component's persisted state.
func New(ctx context.Context, cfg Config, st store.Store, opts ...Option) (*Engine, error) {
	o := options{nowFunc: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		logger:    o.logger,
		decisions: o.decisions,
		counters:  newCounters(o.registerer),
		nowFunc:   o.nowFunc,
	}

	var err error
	if e.budget, err = budget.New(ctx, cfg.Budget, st, budget.WithClock(o.nowFunc)); err != nil {
		return nil, fmt.Errorf("failed to initialize budget tracker: %w", err)
	}
	if e.dedup, err = dedup.New(ctx, cfg.Dedup, st, dedup.WithClock(o.nowFunc)); err != nil {
		return nil, fmt.Errorf("failed to initialize duplicate detector: %w", err)
	}
	linkOpts := []linkcool.Option{linkcool.WithClock(o.nowFunc), linkcool.WithThreadStore(st)}
	if o.rng != nil {
		linkOpts = append(linkOpts, linkcool.WithRand(o.rng))
	}
	if e.links, err = linkcool.New(ctx, cfg.Links, st, linkOpts...); err != nil {
		return nil, fmt.Errorf("failed to initialize link cooldowns: %w", err)
	}
	if e.breaker, err = breaker.New(ctx, cfg.Breaker, st, breaker.WithClock(o.nowFunc)); err != nil {
		return nil, fmt.Errorf("failed to initialize circuit breaker: %w", err)
	}
	e.quality = quality.New(cfg.Quality, o.logger.With("component", "quality"))
	e.metrics = metrics.New(cfg.Metrics, st, metrics.WithClock(o.nowFunc))
	if e.tokens, err = newReservations(cfg.MaxOutstanding); err != nil {
		return nil, fmt.Errorf("failed to initialize admission tokens: %w", err)
	}

	return e, nil
}

// Check evaluates a without reserving or recording anything. Outstanding
// admissions count as already spent.
func (e *Engine) Check(ctx context.Context, a Action) (admission.Decision, error) {
	if err := validate(a); err != nil {
		return admission.Decision{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.tokens.pending(e.nowFunc(), a.Type)
	d, err := e.evaluate(ctx, a, p)
	if err != nil {
		return admission.Decision{}, err
	}
	e.observe("check", a, d)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, a Action, p pending) (admission.Decision, error) {
	d, err := e.preContent(ctx, a, p)
	if err != nil || !d.Allowed {
		return d, err
	}

	if d := e.dedup.IsAdmissibleWithPending(a.Content, a.Target, p.dedup); !d.Allowed {
		return d, nil
	}

	if a.Generated && a.Content != "" {
		v := e.quality.Evaluate(candidate(a))
		if !v.Passed {
			return v.Decision(), nil
		}
	}

	if d := e.checkLinks(a, p); !d.Allowed {
		return d, nil
	}
	return e.checkThread(ctx, a)
}

// preContent runs the checks that do not depend on content.
func (e *Engine) preContent(ctx context.Context, a Action, p pending) (admission.Decision, error) {
	d, err := e.breaker.Check(ctx)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("failed to check circuit breaker: %w", err)
	}
	if !d.Allowed {
		return d, nil
	}
	return e.budget.CanAdmitWithPending(a.Type, p.ofType, p.total), nil
}

func (e *Engine) checkLinks(a Action, p pending) admission.Decision {
	for _, link := range actionLinks(a) {
		if d := e.links.CanUseLinkWithPending(link, p.links); !d.Allowed {
			return d
		}
	}
	return admission.Allow()
}

// checkThread applies the credibility rule to actions carrying links.
func (e *Engine) checkThread(ctx context.Context, a Action) (admission.Decision, error) {
	if a.Thread == "" || len(actionLinks(a)) == 0 {
		return admission.Allow(), nil
	}
	d, err := e.links.CheckThread(ctx, a.Thread)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("failed to check thread credibility: %w", err)
	}
	return d, nil
}

// RecordSuccess commits a directly, without a token. Callers using the
// two-phase Check then RecordSuccess flow accept its check-then-act gap.
func (e *Engine) RecordSuccess(ctx context.Context, a Action) (*Receipt, error) {
	if err := validate(a); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commit(ctx, a)
}

// RecordFailure counts one failed external action.
func (e *Engine) RecordFailure(ctx context.Context) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fail(ctx)
}

func (e *Engine) commit(ctx context.Context, a Action) (*Receipt, error) {
	links := actionLinks(a)

	if err := e.budget.RecordAdmitted(ctx, a.Type); err != nil {
		return nil, err
	}
	if err := e.dedup.Record(ctx, a.Content, a.Target); err != nil {
		return nil, err
	}
	for _, link := range links {
		if err := e.links.RecordUse(ctx, link); err != nil {
			return nil, err
		}
	}
	id, err := e.metrics.RecordAction(ctx, metrics.Action{
		ActionType: a.Type,
		Category:   a.Category,
		HasLink:    len(links) > 0,
		Target:     a.Target,
		Thread:     a.Thread,
	})
	if err != nil {
		return nil, err
	}
	if err := e.breaker.RecordSuccess(ctx); err != nil {
		return nil, err
	}

	e.counters.outcomes.WithLabelValues("success").Inc()
	e.decisions.Log(map[string]any{
		"event":       "action_recorded",
		"action_type": a.Type,
		"category":    a.Category,
		"target":      a.Target,
		"metrics_id":  id,
	})
	return &Receipt{Success: true, MetricsID: id}, nil
}

func (e *Engine) fail(ctx context.Context) (*Receipt, error) {
	tripped, pause, err := e.breaker.RecordFailure(ctx)
	if err != nil {
		return nil, err
	}

	e.counters.outcomes.WithLabelValues("failure").Inc()
	if tripped {
		e.counters.trips.Inc()
		e.logger.Warn("circuit breaker opened", "pause", pause)
	}
	e.decisions.Log(map[string]any{
		"event":   "action_failed",
		"tripped": tripped,
		"pause":   pause.String(),
	})
	return &Receipt{BreakerTripped: tripped, Pause: pause}, nil
}

// Evaluate runs the quality gate alone.
func (e *Engine) Evaluate(c quality.Candidate) quality.Verdict {
	return e.quality.Evaluate(c)
}

// PickLink returns base or a configured equivalent not cooling down.
func (e *Engine) PickLink(base string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links.PickVariant(base)
}

// UpdateEngagement replaces the engagement counters of a logged action.
func (e *Engine) UpdateEngagement(ctx context.Context, key string, eng metrics.Engagement) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.UpdateEngagement(ctx, key, eng)
}

// Summarize reports engagement per category over p.
func (e *Engine) Summarize(ctx context.Context, p metrics.Period) (*metrics.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.Summarize(ctx, p)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Breaker     breaker.State                   `json:"breaker"`
	Budgets     map[string][]budget.WindowUsage `json:"budgets"`
	DedupSize   int                             `json:"dedup_entries"`
	Outstanding int                             `json:"outstanding_tokens"`
}

// Status reports breaker state, budget usage per action type and the
// number of outstanding admission tokens.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, err := e.breaker.IsPaused(ctx); err != nil {
		return nil, fmt.Errorf("failed to read circuit breaker: %w", err)
	}

	s := &Status{
		Breaker:     e.breaker.State(),
		Budgets:     make(map[string][]budget.WindowUsage),
		DedupSize:   e.dedup.Len(),
		Outstanding: e.tokens.live(e.nowFunc()),
	}
	for _, typ := range e.budget.Types() {
		s.Budgets[typ] = e.budget.Usage(typ)
	}
	return s, nil
}

// observe counts and traces a decision.
func (e *Engine) observe(op string, a Action, d admission.Decision) {
	code := string(d.Code)
	if d.Allowed {
		code = "allowed"
	}
	e.counters.decisions.WithLabelValues(op, code).Inc()

	if d.Allowed {
		e.logger.Log(context.Background(), logging.LevelTrace, "action allowed", "op", op, "action_type", a.Type, "target", a.Target)
	} else {
		e.logger.Debug("action denied", "op", op, "action_type", a.Type, "code", d.Code, "reason", d.Reason)
	}
	e.decisions.Log(map[string]any{
		"event":       "admission_decision",
		"op":          op,
		"action_type": a.Type,
		"category":    a.Category,
		"target":      a.Target,
		"allowed":     d.Allowed,
		"code":        string(d.Code),
		"reason":      d.Reason,
		"retry_after": d.RetryAfter.String(),
	})
}

func validate(a Action) error {
	if a.Type == "" {
		return fmt.Errorf("%w: action type is required", ErrInvalidAction)
	}
	return nil
}

func candidate(a Action) quality.Candidate {
	return quality.Candidate{Text: a.Content, Category: a.Category, Confidence: a.Confidence}
}

// actionLinks merges explicit links with those embedded in content,
// dropping canonical duplicates.
func actionLinks(a Action) []string {
	seen := make(map[string]bool)
	var links []string
	for _, l := range append(append([]string(nil), a.Links...), linkcool.ExtractLinks(a.Content)...) {
		key := linkcool.Canonical(l)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		links = append(links, l)
	}
	return links
}
