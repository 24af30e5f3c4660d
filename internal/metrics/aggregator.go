// Package metrics logs admitted actions and summarizes their engagement
// per content category.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nvandessel/floodgate/internal/store"
)

var (
	// ErrEntryNotFound is returned when no entry matches an id or target.
	ErrEntryNotFound = errors.New("metrics entry not found")

	// ErrEngagementDecrease is returned when an update would lower a counter.
	ErrEngagementDecrease = errors.New("engagement values must not decrease")
)

// Action describes one admitted action for the log.
type Action struct {
	ActionType string
	Category   string
	HasLink    bool
	Target     string
	Thread     string
}

// Engagement carries absolute counter values.
type Engagement struct {
	Views  int64 `json:"views"`
	Likes  int64 `json:"likes"`
	Clicks int64 `json:"clicks"`
}

// Period bounds a summary, inclusive of both ends. A zero Until means now.
type Period struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until,omitempty"`
}

// LastDays returns the period covering the trailing n days ending at now.
func LastDays(now time.Time, n int) Period {
	return Period{Since: now.AddDate(0, 0, -n), Until: now}
}

// CategoryStats aggregates one category.
type CategoryStats struct {
	Category     string  `json:"category"`
	Actions      int     `json:"actions"`
	WithLink     int     `json:"with_link"`
	TotalViews   int64   `json:"total_views"`
	TotalLikes   int64   `json:"total_likes"`
	TotalClicks  int64   `json:"total_clicks"`
	AvgViews     float64 `json:"avg_views"`
	AvgLikes     float64 `json:"avg_likes"`
	AvgClicks    float64 `json:"avg_clicks"`
	ClickThrough float64 `json:"click_through"`
}

// LinkAdvice suggests how often links should be attached.
type LinkAdvice string

const (
	// LinkAdviceNone means no link drew a click in the period.
	LinkAdviceNone     LinkAdvice = ""
	LinkAdviceIncrease LinkAdvice = "increase"
	LinkAdviceHold     LinkAdvice = "hold"
	LinkAdviceDecrease LinkAdvice = "decrease"
)

// Link click-through bounds for LinkAdvice, as clicks per linked action.
const (
	HighLinkClickThrough = 0.05
	LowLinkClickThrough  = 0.01
)

// Report is the result of Summarize.
type Report struct {
	Period       Period          `json:"period"`
	TotalActions int             `json:"total_actions"`
	TotalViews   int64           `json:"total_views"`
	TotalLikes   int64           `json:"total_likes"`
	TotalClicks  int64           `json:"total_clicks"`
	ByActionType map[string]int  `json:"by_action_type"`
	Categories   []CategoryStats `json:"categories"`

	// WithLink counts actions that carried a link; LinkClicks sums their
	// clicks.
	WithLink         int        `json:"with_link"`
	LinkClicks       int64      `json:"link_clicks"`
	LinkClickThrough float64    `json:"link_click_through"`
	LinkAdvice       LinkAdvice `json:"link_advice,omitempty"`

	// BestCategory is the category with the most clicks.
	BestCategory string `json:"best_category,omitempty"`
}

// Config tunes the aggregator.
type Config struct {
	// Retention drops entries older than this on each record. Zero keeps
	// everything. Default: 90 days.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Retention: 90 * 24 * time.Hour}
}

// Aggregator writes and reads the metrics log.
type Aggregator struct {
	cfg     Config
	store   store.MetricsStore
	nowFunc func() time.Time
	newID   func() (uuid.UUID, error)
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the aggregator's time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.nowFunc = now }
}

// New creates an aggregator over st.
func New(cfg Config, st store.MetricsStore, opts ...Option) *Aggregator {
	a := &Aggregator{cfg: cfg, store: st, nowFunc: time.Now, newID: uuid.NewV7}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RecordAction appends an entry with zero engagement and returns its id.
func (a *Aggregator) RecordAction(ctx context.Context, act Action) (string, error) {
	id, err := a.newID()
	if err != nil {
		return "", fmt.Errorf("generating metrics id: %w", err)
	}
	now := a.nowFunc()

	entry := store.MetricsEntry{
		ID:         id.String(),
		ActionType: act.ActionType,
		Category:   act.Category,
		HasLink:    act.HasLink,
		Target:     act.Target,
		Thread:     act.Thread,
		CreatedAt:  now,
	}
	if err := a.store.AppendMetricsEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("recording metrics entry: %w", err)
	}

	if a.cfg.Retention > 0 {
		if err := a.store.PruneMetricsEntries(ctx, now.Add(-a.cfg.Retention)); err != nil {
			return entry.ID, fmt.Errorf("pruning metrics log: %w", err)
		}
	}
	return entry.ID, nil
}

// UpdateEngagement replaces the counters of the entry matching key, first
// by id, else the most recent entry with that target.
func (a *Aggregator) UpdateEngagement(ctx context.Context, key string, eng Engagement) error {
	if eng.Views < 0 || eng.Likes < 0 || eng.Clicks < 0 {
		return fmt.Errorf("%w: negative value", ErrEngagementDecrease)
	}

	entry, err := a.store.GetMetricsEntry(ctx, key)
	if err != nil {
		return fmt.Errorf("looking up metrics entry: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}

	if eng.Views < entry.Views || eng.Likes < entry.Likes || eng.Clicks < entry.Clicks {
		return fmt.Errorf("%w: have views=%d likes=%d clicks=%d", ErrEngagementDecrease,
			entry.Views, entry.Likes, entry.Clicks)
	}

	if err := a.store.SetEngagement(ctx, entry.ID, eng.Views, eng.Likes, eng.Clicks); err != nil {
		return fmt.Errorf("updating engagement: %w", err)
	}
	return nil
}

// Summarize aggregates entries created within p. Categories are ordered by
// total clicks, then actions, then name.
func (a *Aggregator) Summarize(ctx context.Context, p Period) (*Report, error) {
	if p.Until.IsZero() {
		p.Until = a.nowFunc()
	}

	entries, err := a.store.LoadMetricsEntries(ctx, p.Since, p.Until.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("loading metrics log: %w", err)
	}

	r := &Report{Period: p, ByActionType: make(map[string]int)}
	byCat := make(map[string]*CategoryStats)
	for _, e := range entries {
		r.TotalActions++
		r.TotalViews += e.Views
		r.TotalLikes += e.Likes
		r.TotalClicks += e.Clicks
		r.ByActionType[e.ActionType]++

		cs, ok := byCat[e.Category]
		if !ok {
			cs = &CategoryStats{Category: e.Category}
			byCat[e.Category] = cs
		}
		cs.Actions++
		if e.HasLink {
			cs.WithLink++
			r.WithLink++
			r.LinkClicks += e.Clicks
		}
		cs.TotalViews += e.Views
		cs.TotalLikes += e.Likes
		cs.TotalClicks += e.Clicks
	}

	r.Categories = make([]CategoryStats, 0, len(byCat))
	for _, cs := range byCat {
		n := float64(cs.Actions)
		cs.AvgViews = float64(cs.TotalViews) / n
		cs.AvgLikes = float64(cs.TotalLikes) / n
		cs.AvgClicks = float64(cs.TotalClicks) / n
		if cs.WithLink > 0 {
			cs.ClickThrough = float64(cs.TotalClicks) / float64(cs.WithLink)
		}
		r.Categories = append(r.Categories, *cs)
	}
	sort.Slice(r.Categories, func(i, j int) bool {
		ci, cj := r.Categories[i], r.Categories[j]
		if ci.TotalClicks != cj.TotalClicks {
			return ci.TotalClicks > cj.TotalClicks
		}
		if ci.Actions != cj.Actions {
			return ci.Actions > cj.Actions
		}
		return ci.Category < cj.Category
	})
	if len(r.Categories) > 0 {
		r.BestCategory = r.Categories[0].Category
	}

	if r.WithLink > 0 {
		r.LinkClickThrough = float64(r.LinkClicks) / float64(r.WithLink)
	}
	r.LinkAdvice = adviseLinks(r.LinkClicks, r.LinkClickThrough)

	return r, nil
}

func adviseLinks(clicks int64, ctr float64) LinkAdvice {
	switch {
	case clicks == 0:
		return LinkAdviceNone
	case ctr > HighLinkClickThrough:
		return LinkAdviceIncrease
	case ctr < LowLinkClickThrough:
		return LinkAdviceDecrease
	default:
		return LinkAdviceHold
	}
}

// Top returns the first n categories of the report, or all when n <= 0.
func (r *Report) Top(n int) []CategoryStats {
	if n <= 0 || n >= len(r.Categories) {
		return r.Categories
	}
	return r.Categories[:n]
}
