// Package store defines the durable record store that backs every admission
// component. Each entity kind lives in its own logical table; implementations
// must persist a mutation before the mutating call returns.
package store

import (
	"context"
	"time"
)

// BudgetEvent is one admitted action counted against rate budgets.
type BudgetEvent struct {
	ActionType string    `json:"action_type"`
	At         time.Time `json:"at"`
}

// DedupRecord is one entry of the bounded duplicate-detection ring.
type DedupRecord struct {
	Seq         int64     `json:"seq"`
	Fingerprint string    `json:"fingerprint"`
	Normalized  string    `json:"normalized"`
	Target      string    `json:"target,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LinkUse records when a link was last published.
type LinkUse struct {
	Link       string    `json:"link"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// FailureState is the persisted circuit breaker state.
type FailureState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	PausedUntil         *time.Time `json:"paused_until,omitempty"`
}

// MetricsEntry is one admitted action in the metrics log.
// Engagement fields are replaced, never incremented.
type MetricsEntry struct {
	ID         string    `json:"id"`
	ActionType string    `json:"action_type"`
	Category   string    `json:"category"`
	HasLink    bool      `json:"has_link"`
	Target     string    `json:"target,omitempty"`
	Thread     string    `json:"thread,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Views      int64     `json:"views"`
	Likes      int64     `json:"likes"`
	Clicks     int64     `json:"clicks"`
}

// Snapshot is a full copy of the store contents.
type Snapshot struct {
	BudgetEvents []BudgetEvent  `json:"budget_events"`
	DedupHistory []DedupRecord  `json:"dedup_history"`
	LinkUses     []LinkUse      `json:"link_cooldowns"`
	FailureState FailureState   `json:"failure_state"`
	Metrics      []MetricsEntry `json:"metrics_log"`
}

// BudgetStore persists the action_budgets table.
type BudgetStore interface {
	LoadBudgetEvents(ctx context.Context) ([]BudgetEvent, error)
	AppendBudgetEvent(ctx context.Context, ev BudgetEvent) error

	// PruneBudgetEvents deletes events strictly older than before.
	PruneBudgetEvents(ctx context.Context, before time.Time) error
}

// DedupStore persists the dedup_history ring.
type DedupStore interface {
	// LoadDedupHistory returns records oldest first.
	LoadDedupHistory(ctx context.Context) ([]DedupRecord, error)

	// AppendDedupRecord inserts rec and evicts the oldest records so that at
	// most capacity remain. The assigned sequence number is returned.
	AppendDedupRecord(ctx context.Context, rec DedupRecord, capacity int) (int64, error)
}

// LinkStore persists the link_cooldowns table.
type LinkStore interface {
	LoadLinkUses(ctx context.Context) ([]LinkUse, error)
	PutLinkUse(ctx context.Context, use LinkUse) error
}

// FailureStore persists the failure_state singleton.
type FailureStore interface {
	LoadFailureState(ctx context.Context) (FailureState, error)
	SaveFailureState(ctx context.Context, st FailureState) error
}

// MetricsStore persists the append-only metrics_log.
type MetricsStore interface {
	AppendMetricsEntry(ctx context.Context, e MetricsEntry) error

	// GetMetricsEntry finds an entry by ID, falling back to the most recent
	// entry whose target equals key. Returns nil if neither matches.
	GetMetricsEntry(ctx context.Context, key string) (*MetricsEntry, error)

	// SetEngagement replaces the engagement fields of entry id.
	SetEngagement(ctx context.Context, id string, views, likes, clicks int64) error

	// LoadMetricsEntries returns entries created in [since, until), oldest
	// first. A zero until means no upper bound.
	LoadMetricsEntries(ctx context.Context, since, until time.Time) ([]MetricsEntry, error)

	PruneMetricsEntries(ctx context.Context, before time.Time) error
}

// ThreadStore answers per-thread questions from the metrics log.
type ThreadStore interface {
	// CountThreadReplies returns how many logged actions in thread carried
	// no link.
	CountThreadReplies(ctx context.Context, thread string) (int, error)
}

// Store is the full record store owned by one engine.
type Store interface {
	BudgetStore
	DedupStore
	LinkStore
	FailureStore
	MetricsStore
	ThreadStore

	// Export returns a snapshot of every table.
	Export(ctx context.Context) (*Snapshot, error)

	// Import replaces every table with the snapshot contents.
	Import(ctx context.Context, snap *Snapshot) error

	Close() error
}
