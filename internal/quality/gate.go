// Package quality screens generated text against rule-based heuristics and
// drives bounded regeneration through a caller-supplied generator.
//
// The gate is pure: it never sleeps and never touches storage.
package quality

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nvandessel/floodgate/internal/admission"
)

// Candidate is a piece of generated text awaiting judgment.
type Candidate struct {
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`

	// Confidence is the generator's self-reported confidence (0-100), if any.
	Confidence *float64 `json:"confidence,omitempty"`
}

// Verdict is the outcome of a quality check.
type Verdict struct {
	Passed   bool   `json:"passed"`
	Reason   Reason `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Attempts int    `json:"regeneration_attempts"`
}

// Decision converts the verdict to an admission decision.
func (v Verdict) Decision() admission.Decision {
	if v.Passed {
		return admission.Allow()
	}
	return admission.Deny(admission.CodeQualityRejected, 0, "%s: %s", v.Reason, v.Detail).
		WithDetail(string(v.Reason))
}

// Request asks a generator for a fresh candidate.
type Request struct {
	Category string `json:"category,omitempty"`
	Attempt  int    `json:"attempt"`

	// Feedback names why the previous candidate failed.
	Feedback string `json:"feedback,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Generator produces candidates. Implementations live outside this module.
type Generator interface {
	Generate(ctx context.Context, req Request) (Candidate, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Candidate, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Candidate, error) {
	return f(ctx, req)
}

// Config selects a Profile per category and bounds regeneration.
type Config struct {
	Default  Profile            `json:"default" yaml:"default"`
	Profiles map[string]Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`

	// MaxAttempts is the default regeneration bound. Default: 2.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultConfig returns the default profile plus a "thesis" profile.
func DefaultConfig() Config {
	return Config{
		Default:     DefaultProfile(),
		Profiles:    map[string]Profile{"thesis": ThesisProfile()},
		MaxAttempts: 2,
	}
}

// ProfileFor returns the profile for category, falling back to Default.
func (c Config) ProfileFor(category string) Profile {
	if p, ok := c.Profiles[category]; ok {
		return p
	}
	return c.Default
}

// Gate evaluates candidates.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gate. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{cfg: cfg, logger: logger}
}

// MaxAttempts returns the configured regeneration bound.
func (g *Gate) MaxAttempts() int {
	return g.cfg.MaxAttempts
}

// Evaluate applies the candidate's category profile. The first failing
// rule decides the verdict.
func (g *Gate) Evaluate(c Candidate) Verdict {
	reason, detail := g.cfg.ProfileFor(c.Category).evaluate(c)
	if reason == ReasonNone {
		return Verdict{Passed: true}
	}
	g.logger.Debug("quality check failed", "category", c.Category, "reason", reason, "detail", detail)
	return Verdict{Reason: reason, Detail: detail}
}

// GateWithRegeneration evaluates initial and, while it fails, asks gen for
// up to maxAttempts replacements. It returns the first passing candidate,
// or nil and the last verdict once attempts run out. A generator error
// consumes an attempt.
func (g *Gate) GateWithRegeneration(ctx context.Context, initial Candidate, gen Generator, req Request, maxAttempts int) (*Candidate, Verdict) {
	verdict := g.Evaluate(initial)
	if verdict.Passed {
		return &initial, verdict
	}
	if gen == nil {
		return nil, verdict
	}

	previous := initial.Text
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			verdict = Verdict{Reason: ReasonGeneratorError, Detail: err.Error(), Attempts: attempt - 1}
			break
		}

		req.Attempt = attempt
		req.Feedback = fmt.Sprintf("%s: %s", verdict.Reason, verdict.Detail)
		req.Previous = previous
		if req.Category == "" {
			req.Category = initial.Category
		}

		next, err := gen.Generate(ctx, req)
		if err != nil {
			g.logger.Warn("regeneration failed", "attempt", attempt, "error", err)
			verdict = Verdict{Reason: ReasonGeneratorError, Detail: err.Error(), Attempts: attempt}
			continue
		}
		if next.Category == "" {
			next.Category = req.Category
		}

		verdict = g.Evaluate(next)
		verdict.Attempts = attempt
		if verdict.Passed {
			g.logger.Info("regenerated candidate passed", "attempt", attempt, "category", next.Category)
			return &next, verdict
		}
		previous = next.Text
	}

	g.logger.Info("regeneration exhausted", "attempts", verdict.Attempts, "reason", verdict.Reason)
	return nil, verdict
}
