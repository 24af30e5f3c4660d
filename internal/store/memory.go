package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for testing and development.
type MemoryStore struct {
	mu       sync.Mutex
	budget   []BudgetEvent
	dedup    []DedupRecord
	nextSeq  int64
	links    map[string]time.Time
	failure  FailureState
	metrics  []MetricsEntry
	writeErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links: make(map[string]time.Time),
	}
}

// SetWriteError makes every subsequent mutation fail with err (nil restores).
// Used to exercise persistence-failure paths.
func (s *MemoryStore) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *MemoryStore) LoadBudgetEvents(ctx context.Context) ([]BudgetEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BudgetEvent(nil), s.budget...), nil
}

func (s *MemoryStore) AppendBudgetEvent(ctx context.Context, ev BudgetEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.budget = append(s.budget, ev)
	return nil
}

func (s *MemoryStore) PruneBudgetEvents(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	kept := s.budget[:0]
	for _, ev := range s.budget {
		if !ev.At.Before(before) {
			kept = append(kept, ev)
		}
	}
	s.budget = kept
	return nil
}

func (s *MemoryStore) LoadDedupHistory(ctx context.Context) ([]DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DedupRecord(nil), s.dedup...), nil
}

func (s *MemoryStore) AppendDedupRecord(ctx context.Context, rec DedupRecord, capacity int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.nextSeq++
	rec.Seq = s.nextSeq
	s.dedup = append(s.dedup, rec)
	if capacity > 0 && len(s.dedup) > capacity {
		s.dedup = append([]DedupRecord(nil), s.dedup[len(s.dedup)-capacity:]...)
	}
	return rec.Seq, nil
}

func (s *MemoryStore) LoadLinkUses(ctx context.Context) ([]LinkUse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uses := make([]LinkUse, 0, len(s.links))
	for link, at := range s.links {
		uses = append(uses, LinkUse{Link: link, LastUsedAt: at})
	}
	sort.Slice(uses, func(i, j int) bool { return uses[i].Link < uses[j].Link })
	return uses, nil
}

func (s *MemoryStore) PutLinkUse(ctx context.Context, use LinkUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.links[use.Link] = use.LastUsedAt
	return nil
}

func (s *MemoryStore) LoadFailureState(ctx context.Context) (FailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFailureState(s.failure), nil
}

func (s *MemoryStore) SaveFailureState(ctx context.Context, st FailureState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.failure = copyFailureState(st)
	return nil
}

func copyFailureState(st FailureState) FailureState {
	if st.PausedUntil != nil {
		t := *st.PausedUntil
		st.PausedUntil = &t
	}
	return st
}

func (s *MemoryStore) AppendMetricsEntry(ctx context.Context, e MetricsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if e.ID == "" {
		return fmt.Errorf("metrics entry ID is required")
	}
	for _, existing := range s.metrics {
		if existing.ID == e.ID {
			return fmt.Errorf("metrics entry already exists: %s", e.ID)
		}
	}
	s.metrics = append(s.metrics, e)
	return nil
}

func (s *MemoryStore) GetMetricsEntry(ctx context.Context, key string) (*MetricsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.metrics {
		if e.ID == key {
			found := e
			return &found, nil
		}
	}
	if key == "" {
		return nil, nil
	}
	var latest *MetricsEntry
	for i := range s.metrics {
		e := s.metrics[i]
		if e.Target == key && (latest == nil || !e.CreatedAt.Before(latest.CreatedAt)) {
			latest = &e
		}
	}
	return latest, nil
}

func (s *MemoryStore) SetEngagement(ctx context.Context, id string, views, likes, clicks int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	for i := range s.metrics {
		if s.metrics[i].ID == id {
			s.metrics[i].Views = views
			s.metrics[i].Likes = likes
			s.metrics[i].Clicks = clicks
			return nil
		}
	}
	return fmt.Errorf("metrics entry not found: %s", id)
}

func (s *MemoryStore) LoadMetricsEntries(ctx context.Context, since, until time.Time) ([]MetricsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MetricsEntry
	for _, e := range s.metrics {
		if e.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !e.CreatedAt.Before(until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountThreadReplies(ctx context.Context, thread string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.metrics {
		if e.Thread == thread && !e.HasLink {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneMetricsEntries(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	kept := s.metrics[:0]
	for _, e := range s.metrics {
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	s.metrics = kept
	return nil
}

// Export snapshots the store.
func (s *MemoryStore) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	snap.BudgetEvents, _ = s.LoadBudgetEvents(ctx)
	snap.DedupHistory, _ = s.LoadDedupHistory(ctx)
	snap.LinkUses, _ = s.LoadLinkUses(ctx)
	snap.FailureState, _ = s.LoadFailureState(ctx)
	snap.Metrics, _ = s.LoadMetricsEntries(ctx, time.Time{}, time.Time{})
	return snap, nil
}

// Import replaces the store contents.
func (s *MemoryStore) Import(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.budget = append([]BudgetEvent(nil), snap.BudgetEvents...)
	s.dedup = append([]DedupRecord(nil), snap.DedupHistory...)
	s.nextSeq = 0
	for _, rec := range s.dedup {
		s.nextSeq = max(s.nextSeq, rec.Seq)
	}
	s.links = make(map[string]time.Time, len(snap.LinkUses))
	for _, use := range snap.LinkUses {
		s.links[use.Link] = use.LastUsedAt
	}
	s.failure = copyFailureState(snap.FailureState)
	s.metrics = append([]MetricsEntry(nil), snap.Metrics...)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
