// Package dedup rejects actions whose content or target repeats something
// recently acted on. History is a bounded FIFO ring of normalized texts and
// targets; eviction is purely by count.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/similarity"
	"github.com/nvandessel/floodgate/internal/store"
)

// Config tunes duplicate detection.
type Config struct {
	// Capacity bounds the history ring. Default: 500.
	Capacity int `json:"capacity" yaml:"capacity"`

	// SimilarityThreshold is the token Jaccard score at or above which two
	// texts are duplicates. Range: 0.0 to 1.0, default: 0.75.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`

	// PrefixLength is how many leading characters must match for the
	// prefix rule. Default: 50.
	PrefixLength int `json:"prefix_length" yaml:"prefix_length"`

	// MinPrefixText is the normalized length both texts must exceed before
	// the prefix rule applies. Default: 20.
	MinPrefixText int `json:"min_prefix_text" yaml:"min_prefix_text"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:            500,
		SimilarityThreshold: 0.75,
		PrefixLength:        50,
		MinPrefixText:       20,
	}
}

// Candidate is content or a target not yet recorded, such as one held by an
// outstanding admission.
type Candidate struct {
	Content string
	Target  string
}

type entry struct {
	fingerprint string
	normalized  string
	tokens      []string
	target      string
}

// Detector checks candidates against the history ring.
type Detector struct {
	cfg     Config
	store   store.DedupStore
	history []entry
	nowFunc func() time.Time
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock overrides the detector's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.nowFunc = now }
}

// New creates a detector and loads the persisted ring from st.
func New(ctx context.Context, cfg Config, st store.DedupStore, opts ...Option) (*Detector, error) {
	d := &Detector{cfg: cfg, store: st, nowFunc: time.Now}
	for _, o := range opts {
		o(d)
	}

	records, err := st.LoadDedupHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading dedup history: %w", err)
	}
	for _, rec := range records {
		d.history = append(d.history, newEntry(rec.Normalized, rec.Target))
	}
	d.trim()

	return d, nil
}

func newEntry(normalized, target string) entry {
	return entry{
		fingerprint: similarity.Fingerprint(normalized),
		normalized:  normalized,
		tokens:      similarity.Tokenize(normalized),
		target:      target,
	}
}

// IsAdmissible reports whether content and target are both new.
// An empty content or target skips that half of the check.
func (d *Detector) IsAdmissible(content, target string) admission.Decision {
	return d.IsAdmissibleWithPending(content, target, nil)
}

// IsAdmissibleWithPending also compares against candidates that have been
// admitted but not yet recorded.
func (d *Detector) IsAdmissibleWithPending(content, target string, pending []Candidate) admission.Decision {
	if target != "" {
		for _, e := range d.history {
			if e.target == target {
				return duplicateTarget(target)
			}
		}
		for _, p := range pending {
			if p.Target == target {
				return duplicateTarget(target)
			}
		}
	}

	if content == "" {
		return admission.Allow()
	}
	c := newEntry(similarity.Normalize(content), "")
	if c.normalized == "" {
		return admission.Allow()
	}

	for _, e := range d.history {
		if dec, dup := d.compare(c, e); dup {
			return dec
		}
	}
	for _, p := range pending {
		if p.Content == "" {
			continue
		}
		if dec, dup := d.compare(c, newEntry(similarity.Normalize(p.Content), "")); dup {
			return dec.WithDetail("pending")
		}
	}

	return admission.Allow()
}

func (d *Detector) compare(c, e entry) (admission.Decision, bool) {
	if e.normalized == "" {
		return admission.Decision{}, false
	}
	if c.fingerprint == e.fingerprint {
		return admission.Deny(admission.CodeDuplicateContent, 0, "identical content already posted"), true
	}
	if score := similarity.JaccardTokens(c.tokens, e.tokens); score >= d.cfg.SimilarityThreshold {
		return admission.Deny(admission.CodeDuplicateContent, 0,
			"content %.0f%% similar to a recent action", score*100), true
	}
	if similarity.SharesPrefix(c.normalized, e.normalized, d.cfg.PrefixLength, d.cfg.MinPrefixText) {
		return admission.Deny(admission.CodeDuplicateContent, 0,
			"content opens like a recent action"), true
	}
	return admission.Decision{}, false
}

func duplicateTarget(target string) admission.Decision {
	return admission.Deny(admission.CodeDuplicateTarget, 0, "already acted on %s", target).
		WithDetail(target)
}

// Record appends content and target to the ring, evicting the oldest entry
// beyond capacity. Recording nothing (both empty) is a no-op.
func (d *Detector) Record(ctx context.Context, content, target string) error {
	normalized := similarity.Normalize(content)
	if normalized == "" && target == "" {
		return nil
	}

	rec := store.DedupRecord{
		Fingerprint: similarity.Fingerprint(normalized),
		Normalized:  normalized,
		Target:      target,
		CreatedAt:   d.nowFunc(),
	}
	if _, err := d.store.AppendDedupRecord(ctx, rec, d.cfg.Capacity); err != nil {
		return fmt.Errorf("recording dedup entry: %w", err)
	}

	d.history = append(d.history, newEntry(normalized, target))
	d.trim()
	return nil
}

// Len returns the number of entries in the ring.
func (d *Detector) Len() int {
	return len(d.history)
}

func (d *Detector) trim() {
	if d.cfg.Capacity > 0 && len(d.history) > d.cfg.Capacity {
		d.history = append([]entry(nil), d.history[len(d.history)-d.cfg.Capacity:]...)
	}
}
