// Package linkcool keeps the same link from being published too often,
// rotates between equivalent link variants, and holds links back in threads
// that have not yet seen enough plain replies.
package linkcool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/store"
)

const canonicalFlags = purell.FlagsSafe | purell.FlagRemoveFragment | purell.FlagRemoveDuplicateSlashes | purell.FlagSortQuery

var linkPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

// Config tunes link cooldowns.
type Config struct {
	// Cooldown is the minimum gap between two uses of one link. Default: 30m.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// VariantProbability is the chance PickVariant substitutes an
	// equivalent link. Range: 0.0 to 1.0, default: 0.3.
	VariantProbability float64 `json:"variant_probability" yaml:"variant_probability"`

	// Variants maps a base link to equivalent alternatives. Each variant
	// is cooled independently, so variants that differ only in query
	// parameters still count as different links.
	Variants map[string][]string `json:"variants,omitempty" yaml:"variants,omitempty"`

	// CredibilityReplies is how many link-free replies a thread needs
	// before a link may be posted there. Zero disables the rule.
	CredibilityReplies int `json:"credibility_replies" yaml:"credibility_replies"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:           30 * time.Minute,
		VariantProbability: 0.3,
	}
}

// Tracker records link uses. Entries older than the cooldown are inert and
// never deleted.
type Tracker struct {
	cfg      Config
	store    store.LinkStore
	threads  store.ThreadStore
	variants map[string][]string
	lastUsed map[string]time.Time
	nowFunc  func() time.Time
	rng      *rand.Rand
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = now }
}

// WithRand sets the random source used by PickVariant.
func WithRand(r *rand.Rand) Option {
	return func(t *Tracker) { t.rng = r }
}

// WithThreadStore supplies the reply history used by CheckThread.
func WithThreadStore(ts store.ThreadStore) Option {
	return func(t *Tracker) { t.threads = ts }
}

// New creates a tracker and loads persisted link uses from st.
func New(ctx context.Context, cfg Config, st store.LinkStore, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:      cfg,
		store:    st,
		variants: make(map[string][]string, len(cfg.Variants)),
		lastUsed: make(map[string]time.Time),
		nowFunc:  time.Now,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x666c6f6f64)),
	}
	for _, o := range opts {
		o(t)
	}
	for base, vs := range cfg.Variants {
		key := Canonical(base)
		t.variants[key] = append(t.variants[key], vs...)
	}

	uses, err := st.LoadLinkUses(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading link cooldowns: %w", err)
	}
	for _, u := range uses {
		t.lastUsed[u.Link] = u.LastUsedAt
	}
	return t, nil
}

// Canonical normalizes a link so trivially different spellings (scheme and
// host case, default ports, fragments, query order) share one cooldown.
// Query parameters are kept: a variant that only adds a parameter is a
// different link. Unparseable input is returned trimmed.
func Canonical(link string) string {
	link = strings.TrimSpace(link)
	clean, err := purell.NormalizeURLString(link, canonicalFlags)
	if err != nil {
		return link
	}
	return clean
}

// CanUseLink reports whether link is outside its cooldown.
func (t *Tracker) CanUseLink(link string) admission.Decision {
	return t.CanUseLinkWithPending(link, nil)
}

// CanUseLinkWithPending also treats links held by outstanding admissions
// as freshly used.
func (t *Tracker) CanUseLinkWithPending(link string, pending []string) admission.Decision {
	key := Canonical(link)
	for _, p := range pending {
		if Canonical(p) == key {
			return admission.Deny(admission.CodeLinkCooldown, t.cfg.Cooldown,
				"%s is reserved by a pending action", key).WithDetail(key)
		}
	}

	if remaining := t.remaining(key, t.nowFunc()); remaining > 0 {
		return admission.Deny(admission.CodeLinkCooldown, remaining,
			"%s used within the last %s", key, t.cfg.Cooldown).WithDetail(key)
	}
	return admission.Allow()
}

func (t *Tracker) remaining(key string, now time.Time) time.Duration {
	last, ok := t.lastUsed[key]
	if !ok {
		return 0
	}
	return last.Add(t.cfg.Cooldown).Sub(now)
}

// RecordUse marks link as used now.
func (t *Tracker) RecordUse(ctx context.Context, link string) error {
	key := Canonical(link)
	now := t.nowFunc()
	if err := t.store.PutLinkUse(ctx, store.LinkUse{Link: key, LastUsedAt: now}); err != nil {
		return fmt.Errorf("recording link use %s: %w", key, err)
	}
	t.lastUsed[key] = now
	return nil
}

// PickVariant returns base, or with the configured probability a random
// equivalent link that is not cooling down.
func (t *Tracker) PickVariant(base string) string {
	variants := t.variants[Canonical(base)]
	if len(variants) == 0 || t.rng.Float64() >= t.cfg.VariantProbability {
		return base
	}

	now := t.nowFunc()
	var ready []string
	for _, v := range variants {
		if t.remaining(Canonical(v), now) <= 0 {
			ready = append(ready, v)
		}
	}
	if len(ready) == 0 {
		return base
	}
	return ready[t.rng.IntN(len(ready))]
}

// CheckThread denies a link in thread until CredibilityReplies link-free
// replies have been logged there. Without a thread, a thread store or a
// configured count it always allows.
func (t *Tracker) CheckThread(ctx context.Context, thread string) (admission.Decision, error) {
	need := t.cfg.CredibilityReplies
	if need <= 0 || thread == "" || t.threads == nil {
		return admission.Allow(), nil
	}

	have, err := t.threads.CountThreadReplies(ctx, thread)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("counting replies in thread %s: %w", thread, err)
	}
	if have < need {
		return admission.Deny(admission.CodeThreadCredibility, 0,
			"thread %s has %d of %d link-free replies", thread, have, need).WithDetail(thread), nil
	}
	return admission.Allow(), nil
}

// ExtractLinks returns the http(s) URLs embedded in text, in order,
// without trailing sentence punctuation.
func ExtractLinks(text string) []string {
	matches := linkPattern.FindAllString(text, -1)
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if m != "" {
			links = append(links, m)
		}
	}
	return links
}
