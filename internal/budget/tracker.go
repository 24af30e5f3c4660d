// Package budget enforces per-action-type quotas over trailing time windows
// plus one global cap shared by every action type.
package budget

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/store"
)

// GlobalKey labels the cross-type window in usage reports.
const GlobalKey = "global"

// Window is a trailing span with a maximum number of admitted actions.
type Window struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Limit    int           `json:"limit" yaml:"limit"`
}

func (w Window) String() string {
	return formatDuration(w.Duration)
}

// Config defines the windows enforced per action type.
type Config struct {
	// Limits maps an action type to its ordered windows.
	// Types without an entry are bound only by Global.
	Limits map[string][]Window

	// Global applies to all action types combined. A zero Duration disables it.
	Global Window
}

// WindowUsage reports how much of a window is consumed.
type WindowUsage struct {
	// Scope is the action type, or GlobalKey for the shared window.
	Scope  string `json:"scope"`
	Window Window `json:"window"`
	Used   int    `json:"used"`

	// ResetIn is how long until the oldest counted action ages out.
	ResetIn time.Duration `json:"reset_in,omitempty"`
}

// Tracker holds admitted-action timestamps per type and globally.
// Expired timestamps are pruned lazily on each check.
type Tracker struct {
	cfg     Config
	store   store.BudgetStore
	byType  map[string][]time.Time
	global  []time.Time
	nowFunc func() time.Time // injectable clock for testing
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = now }
}

// New creates a tracker and loads persisted events from st.
func New(ctx context.Context, cfg Config, st store.BudgetStore, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:     cfg,
		store:   st,
		byType:  make(map[string][]time.Time),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(t)
	}

	events, err := st.LoadBudgetEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading budget events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	for _, ev := range events {
		t.byType[ev.ActionType] = append(t.byType[ev.ActionType], ev.At)
		t.global = append(t.global, ev.At)
	}
	t.prune(t.nowFunc())

	return t, nil
}

// CanAdmit reports whether one more actionType action fits every window.
func (t *Tracker) CanAdmit(actionType string) admission.Decision {
	return t.CanAdmitWithPending(actionType, 0, 0)
}

// CanAdmitWithPending is CanAdmit with extra in-flight actions counted:
// pendingType of this type and pendingTotal across all types.
func (t *Tracker) CanAdmitWithPending(actionType string, pendingType, pendingTotal int) admission.Decision {
	now := t.nowFunc()
	t.prune(now)

	for _, w := range t.cfg.Limits[actionType] {
		if d, ok := checkWindow(t.byType[actionType], w, pendingType, now); !ok {
			return admission.Deny(admission.CodeQuotaExceeded, d,
				"%s budget exhausted: %d per %s", actionType, w.Limit, w).
				WithDetail(actionType + "/" + w.String())
		}
	}

	if t.cfg.Global.Duration > 0 {
		if d, ok := checkWindow(t.global, t.cfg.Global, pendingTotal, now); !ok {
			return admission.Deny(admission.CodeQuotaExceeded, d,
				"global budget exhausted: %d actions per %s", t.cfg.Global.Limit, t.cfg.Global).
				WithDetail(GlobalKey + "/" + t.cfg.Global.String())
		}
	}

	return admission.Allow()
}

// checkWindow returns ok when count+pending < limit; otherwise the wait
// until enough timestamps age out to make room.
func checkWindow(stamps []time.Time, w Window, pending int, now time.Time) (time.Duration, bool) {
	inWindow := within(stamps, w.Duration, now)
	used := len(inWindow) + pending
	if used < w.Limit {
		return 0, true
	}

	// The (used-limit)th oldest in-window stamp must expire first.
	k := used - w.Limit
	if k >= len(inWindow) {
		return 0, false
	}
	return inWindow[k].Add(w.Duration).Sub(now), false
}

// within returns the suffix of sorted stamps inside the trailing window.
func within(stamps []time.Time, d time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-d)
	i := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(cutoff) })
	return stamps[i:]
}

// RecordAdmitted persists one admitted actionType action at the current time.
// Call it only after the action has actually happened.
func (t *Tracker) RecordAdmitted(ctx context.Context, actionType string) error {
	now := t.nowFunc()

	if err := t.store.AppendBudgetEvent(ctx, store.BudgetEvent{ActionType: actionType, At: now}); err != nil {
		return fmt.Errorf("recording %s admission: %w", actionType, err)
	}
	t.byType[actionType] = append(t.byType[actionType], now)
	t.global = append(t.global, now)

	if err := t.store.PruneBudgetEvents(ctx, now.Add(-t.retention())); err != nil {
		return fmt.Errorf("pruning budget events: %w", err)
	}
	return nil
}

// Usage reports consumption of every window applying to actionType,
// the global window last.
func (t *Tracker) Usage(actionType string) []WindowUsage {
	now := t.nowFunc()
	t.prune(now)

	var out []WindowUsage
	for _, w := range t.cfg.Limits[actionType] {
		out = append(out, usage(actionType, t.byType[actionType], w, now))
	}
	if t.cfg.Global.Duration > 0 {
		out = append(out, usage(GlobalKey, t.global, t.cfg.Global, now))
	}
	return out
}

// Types returns every configured or observed action type, sorted.
func (t *Tracker) Types() []string {
	seen := make(map[string]bool)
	for typ := range t.cfg.Limits {
		seen[typ] = true
	}
	for typ := range t.byType {
		seen[typ] = true
	}
	types := make([]string, 0, len(seen))
	for typ := range seen {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func usage(scope string, stamps []time.Time, w Window, now time.Time) WindowUsage {
	in := within(stamps, w.Duration, now)
	u := WindowUsage{Scope: scope, Window: w, Used: len(in)}
	if len(in) > 0 {
		u.ResetIn = in[0].Add(w.Duration).Sub(now)
	}
	return u
}

// prune drops timestamps older than the largest window that can count them.
func (t *Tracker) prune(now time.Time) {
	for typ, stamps := range t.byType {
		t.byType[typ] = within(stamps, t.largestWindow(typ), now)
	}
	t.global = within(t.global, t.cfg.Global.Duration, now)
}

func (t *Tracker) largestWindow(actionType string) time.Duration {
	var largest time.Duration
	for _, w := range t.cfg.Limits[actionType] {
		largest = max(largest, w.Duration)
	}
	return largest
}

// retention is the largest window across all types and the global cap.
func (t *Tracker) retention() time.Duration {
	largest := t.cfg.Global.Duration
	for typ := range t.cfg.Limits {
		largest = max(largest, t.largestWindow(typ))
	}
	return largest
}

func formatDuration(d time.Duration) string {
	switch {
	case d > 0 && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
