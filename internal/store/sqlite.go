package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store on a single SQLite database file.
// Every mutation runs in its own statement or transaction with
// synchronous=FULL, so it is durable when the call returns.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the store at root/.floodgate/floodgate.db.
func NewSQLiteStore(root string) (*SQLiteStore, error) {
	dir := LocalPath(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", DirName, err)
	}
	return OpenSQLiteStore(filepath.Join(dir, DBFileName))
}

// OpenSQLiteStore opens the store at an explicit database path.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := newSQLiteStore(db)
	s.dbPath = dbPath
	return s, nil
}

func newSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// LoadBudgetEvents returns every persisted budget event, oldest first.
func (s *SQLiteStore) LoadBudgetEvents(ctx context.Context) ([]BudgetEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT action_type, at FROM action_budgets ORDER BY at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget events: %w", err)
	}
	defer rows.Close()

	var events []BudgetEvent
	for rows.Next() {
		var ev BudgetEvent
		var at int64
		if err := rows.Scan(&ev.ActionType, &at); err != nil {
			return nil, fmt.Errorf("failed to scan budget event: %w", err)
		}
		ev.At = fromNanos(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AppendBudgetEvent persists one admitted action.
func (s *SQLiteStore) AppendBudgetEvent(ctx context.Context, ev BudgetEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO action_budgets (action_type, at) VALUES (?, ?)`,
		ev.ActionType, toNanos(ev.At)); err != nil {
		return fmt.Errorf("failed to insert budget event: %w", err)
	}
	return nil
}

// PruneBudgetEvents deletes events older than before.
func (s *SQLiteStore) PruneBudgetEvents(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM action_budgets WHERE at < ?`, toNanos(before)); err != nil {
		return fmt.Errorf("failed to prune budget events: %w", err)
	}
	return nil
}

// LoadDedupHistory returns the ring contents, oldest first.
func (s *SQLiteStore) LoadDedupHistory(ctx context.Context) ([]DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, fingerprint, normalized, target, created_at FROM dedup_history ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup history: %w", err)
	}
	defer rows.Close()

	var records []DedupRecord
	for rows.Next() {
		var rec DedupRecord
		var createdAt int64
		if err := rows.Scan(&rec.Seq, &rec.Fingerprint, &rec.Normalized, &rec.Target, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dedup record: %w", err)
		}
		rec.CreatedAt = fromNanos(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendDedupRecord inserts rec and trims the ring to capacity in one transaction.
func (s *SQLiteStore) AppendDedupRecord(ctx context.Context, rec DedupRecord, capacity int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dedup_history (fingerprint, normalized, target, created_at) VALUES (?, ?, ?, ?)`,
		rec.Fingerprint, rec.Normalized, rec.Target, toNanos(rec.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert dedup record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read dedup sequence: %w", err)
	}

	if capacity > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_history WHERE seq <= ?`, seq-int64(capacity)); err != nil {
			return 0, fmt.Errorf("failed to evict dedup records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit dedup record: %w", err)
	}
	return seq, nil
}

// LoadLinkUses returns every recorded link use.
func (s *SQLiteStore) LoadLinkUses(ctx context.Context) ([]LinkUse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT link, last_used_at FROM link_cooldowns ORDER BY link`)
	if err != nil {
		return nil, fmt.Errorf("failed to query link cooldowns: %w", err)
	}
	defer rows.Close()

	var uses []LinkUse
	for rows.Next() {
		var use LinkUse
		var at int64
		if err := rows.Scan(&use.Link, &at); err != nil {
			return nil, fmt.Errorf("failed to scan link cooldown: %w", err)
		}
		use.LastUsedAt = fromNanos(at)
		uses = append(uses, use)
	}
	return uses, rows.Err()
}

// PutLinkUse upserts the last use of a link.
func (s *SQLiteStore) PutLinkUse(ctx context.Context, use LinkUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO link_cooldowns (link, last_used_at) VALUES (?, ?)
		 ON CONFLICT(link) DO UPDATE SET last_used_at = excluded.last_used_at`,
		use.Link, toNanos(use.LastUsedAt)); err != nil {
		return fmt.Errorf("failed to upsert link cooldown: %w", err)
	}
	return nil
}

// LoadFailureState returns the breaker state. A missing row is the zero state.
func (s *SQLiteStore) LoadFailureState(ctx context.Context) (FailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st FailureState
	var pausedUntil sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures, paused_until FROM failure_state WHERE id = 1`).
		Scan(&st.ConsecutiveFailures, &pausedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return FailureState{}, nil
	}
	if err != nil {
		return FailureState{}, fmt.Errorf("failed to query failure state: %w", err)
	}
	if pausedUntil.Valid {
		t := fromNanos(pausedUntil.Int64)
		st.PausedUntil = &t
	}
	return st, nil
}

// SaveFailureState overwrites the breaker state.
func (s *SQLiteStore) SaveFailureState(ctx context.Context, st FailureState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pausedUntil sql.NullInt64
	if st.PausedUntil != nil {
		pausedUntil = sql.NullInt64{Int64: toNanos(*st.PausedUntil), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_state (id, consecutive_failures, paused_until) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET consecutive_failures = excluded.consecutive_failures,
		 paused_until = excluded.paused_until`,
		st.ConsecutiveFailures, pausedUntil); err != nil {
		return fmt.Errorf("failed to save failure state: %w", err)
	}
	return nil
}

// AppendMetricsEntry inserts a metrics entry.
func (s *SQLiteStore) AppendMetricsEntry(ctx context.Context, e MetricsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		return fmt.Errorf("metrics entry ID is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics_log (`+metricsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActionType, e.Category, boolToInt(e.HasLink), e.Target, e.Thread, toNanos(e.CreatedAt),
		e.Views, e.Likes, e.Clicks); err != nil {
		return fmt.Errorf("failed to insert metrics entry: %w", err)
	}
	return nil
}

const metricsColumns = `id, action_type, category, has_link, target, thread, created_at, views, likes, clicks`

func scanMetricsEntry(scan func(dest ...any) error) (MetricsEntry, error) {
	var e MetricsEntry
	var hasLink int
	var createdAt int64
	if err := scan(&e.ID, &e.ActionType, &e.Category, &hasLink, &e.Target, &e.Thread, &createdAt,
		&e.Views, &e.Likes, &e.Clicks); err != nil {
		return MetricsEntry{}, err
	}
	e.HasLink = hasLink != 0
	e.CreatedAt = fromNanos(createdAt)
	return e, nil
}

// GetMetricsEntry looks an entry up by ID, then by most recent target.
func (s *SQLiteStore) GetMetricsEntry(ctx context.Context, key string) (*MetricsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+metricsColumns+` FROM metrics_log WHERE id = ?`, key)
	e, err := scanMetricsEntry(row.Scan)
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query metrics entry: %w", err)
	}

	if key == "" {
		return nil, nil
	}
	row = s.db.QueryRowContext(ctx,
		`SELECT `+metricsColumns+` FROM metrics_log WHERE target = ? ORDER BY created_at DESC LIMIT 1`, key)
	e, err = scanMetricsEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics entry by target: %w", err)
	}
	return &e, nil
}

// SetEngagement replaces the engagement fields of one entry.
func (s *SQLiteStore) SetEngagement(ctx context.Context, id string, views, likes, clicks int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE metrics_log SET views = ?, likes = ?, clicks = ? WHERE id = ?`,
		views, likes, clicks, id)
	if err != nil {
		return fmt.Errorf("failed to update engagement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("metrics entry not found: %s", id)
	}
	return nil
}

// LoadMetricsEntries returns entries created in [since, until), oldest first.
func (s *SQLiteStore) LoadMetricsEntries(ctx context.Context, since, until time.Time) ([]MetricsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + metricsColumns + ` FROM metrics_log WHERE created_at >= ?`
	args := []any{toNanos(since)}
	if since.IsZero() {
		args[0] = int64(0)
	}
	if !until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, toNanos(until))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics entries: %w", err)
	}
	defer rows.Close()

	var entries []MetricsEntry
	for rows.Next() {
		e, err := scanMetricsEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountThreadReplies counts link-free entries logged in thread.
func (s *SQLiteStore) CountThreadReplies(ctx context.Context, thread string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metrics_log WHERE thread = ? AND has_link = 0`, thread).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count thread replies: %w", err)
	}
	return n, nil
}

// PruneMetricsEntries deletes entries created before the cutoff.
func (s *SQLiteStore) PruneMetricsEntries(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM metrics_log WHERE created_at < ?`, toNanos(before)); err != nil {
		return fmt.Errorf("failed to prune metrics entries: %w", err)
	}
	return nil
}

// Export snapshots every table.
func (s *SQLiteStore) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error

	if snap.BudgetEvents, err = s.LoadBudgetEvents(ctx); err != nil {
		return nil, err
	}
	if snap.DedupHistory, err = s.LoadDedupHistory(ctx); err != nil {
		return nil, err
	}
	if snap.LinkUses, err = s.LoadLinkUses(ctx); err != nil {
		return nil, err
	}
	if snap.FailureState, err = s.LoadFailureState(ctx); err != nil {
		return nil, err
	}
	if snap.Metrics, err = s.LoadMetricsEntries(ctx, time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	return snap, nil
}

// Import replaces every table with the snapshot in a single transaction.
func (s *SQLiteStore) Import(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, ev := range snap.BudgetEvents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_budgets (action_type, at) VALUES (?, ?)`,
			ev.ActionType, toNanos(ev.At)); err != nil {
			return fmt.Errorf("failed to import budget event: %w", err)
		}
	}

	for _, rec := range snap.DedupHistory {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedup_history (seq, fingerprint, normalized, target, created_at) VALUES (?, ?, ?, ?, ?)`,
			rec.Seq, rec.Fingerprint, rec.Normalized, rec.Target, toNanos(rec.CreatedAt)); err != nil {
			return fmt.Errorf("failed to import dedup record: %w", err)
		}
	}

	for _, use := range snap.LinkUses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_cooldowns (link, last_used_at) VALUES (?, ?)`,
			use.Link, toNanos(use.LastUsedAt)); err != nil {
			return fmt.Errorf("failed to import link cooldown: %w", err)
		}
	}

	var pausedUntil sql.NullInt64
	if snap.FailureState.PausedUntil != nil {
		pausedUntil = sql.NullInt64{Int64: toNanos(*snap.FailureState.PausedUntil), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO failure_state (id, consecutive_failures, paused_until) VALUES (1, ?, ?)`,
		snap.FailureState.ConsecutiveFailures, pausedUntil); err != nil {
		return fmt.Errorf("failed to import failure state: %w", err)
	}

	for _, e := range snap.Metrics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics_log (`+metricsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ActionType, e.Category, boolToInt(e.HasLink), e.Target, e.Thread, toNanos(e.CreatedAt),
			e.Views, e.Likes, e.Clicks); err != nil {
			return fmt.Errorf("failed to import metrics entry: %w", err)
		}
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
