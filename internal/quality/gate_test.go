package quality

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	goodText   = "Rate cut odds rose to 68% after the March jobs data showed payrolls slowing to 150k, which suggests the Fed moves in June."
	thesisText = goodText + " Bond traders priced in two more cuts by December, based on the futures curve."
)

func conf(v float64) *float64 { return &v }

func TestGate_Evaluate(t *testing.T) {
	g := New(DefaultConfig(), nil)

	tests := []struct {
		name string
		c    Candidate
		want Reason
	}{
		{"passes", Candidate{Text: goodText, Confidence: conf(75)}, ReasonNone},
		{"no confidence skips rule", Candidate{Text: goodText}, ReasonNone},
		{"empty", Candidate{Text: "   "}, ReasonEmpty},
		{"disallowed phrase", Candidate{Text: "Obviously " + goodText}, ReasonDisallowedPhrase},
		{"disallowed wins over missing specifics", Candidate{Text: "Honestly nobody is paying attention to what this market suggests about policy"}, ReasonDisallowedPhrase},
		{"no specifics", Candidate{Text: "The market suggests that rates will fall soon because inflation keeps cooling across the board"}, ReasonNoSpecifics},
		{"too short to reason", Candidate{Text: "Up 5% today."}, ReasonInsufficientReasoning},
		{"few words and no explanation", Candidate{Text: "Inflation printed 3.1% in March versus expectations of 3.3% overall"}, ReasonInsufficientReasoning},
		{"low confidence", Candidate{Text: goodText, Confidence: conf(40)}, ReasonLowConfidence},
		{"too long", Candidate{Text: goodText + strings.Repeat(" and more data", 15)}, ReasonLengthOutOfRange},
		{"thesis too short", Candidate{Text: goodText, Category: "thesis"}, ReasonLengthOutOfRange},
		{"thesis in range", Candidate{Text: thesisText, Category: "thesis", Confidence: conf(70)}, ReasonNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Evaluate(tt.c)
			if v.Reason != tt.want {
				t.Errorf("Reason = %q (%s), want %q", v.Reason, v.Detail, tt.want)
			}
			if v.Passed != (tt.want == ReasonNone) {
				t.Errorf("Passed = %v inconsistent with reason %q", v.Passed, v.Reason)
			}
		})
	}
}

func TestLength_CountsGraphemes(t *testing.T) {
	if got := Length("cafe\u0301!"); got != 5 {
		t.Errorf("Length = %d, want 5", got)
	}
}

func TestHasSpecifics(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"up 12 points", true},
		{"about fifty percent", true},
		{"before september ends", true},
		{"as Jerome Powell said", true},
		{"nothing concrete at all", false},
	}
	for _, tt := range tests {
		if got := HasSpecifics(tt.text); got != tt.want {
			t.Errorf("HasSpecifics(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestVerdict_Decision(t *testing.T) {
	d := Verdict{Reason: ReasonLowConfidence, Detail: "confidence 40 < 60"}.Decision()
	if d.Allowed || d.Detail != "low_confidence" {
		t.Errorf("Decision = %s detail=%q", d, d.Detail)
	}
	if !(Verdict{Passed: true}).Decision().Allowed {
		t.Error("passed verdict should allow")
	}
}

// scripted returns a generator that replays results in order.
func scripted(results ...any) (Generator, *[]Request) {
	var seen []Request
	i := 0
	gen := GeneratorFunc(func(ctx context.Context, req Request) (Candidate, error) {
		seen = append(seen, req)
		r := results[i]
		i++
		if err, ok := r.(error); ok {
			return Candidate{}, err
		}
		return Candidate{Text: r.(string)}, nil
	})
	return gen, &seen
}

func TestGateWithRegeneration(t *testing.T) {
	ctx := context.Background()
	bad := Candidate{Text: "Up 5% today."}

	t.Run("initial passes without generating", func(t *testing.T) {
		g := New(DefaultConfig(), nil)
		gen, seen := scripted()
		got, v := g.GateWithRegeneration(ctx, Candidate{Text: goodText}, gen, Request{}, 2)
		if got == nil || !v.Passed || v.Attempts != 0 {
			t.Fatalf("got %v, verdict %+v", got, v)
		}
		if len(*seen) != 0 {
			t.Errorf("generator called %d times", len(*seen))
		}
	})

	t.Run("second attempt passes", func(t *testing.T) {
		g := New(DefaultConfig(), nil)
		gen, seen := scripted("Still 5% only.", goodText)
		got, v := g.GateWithRegeneration(ctx, bad, gen, Request{Category: "reply"}, 2)
		if got == nil || got.Text != goodText {
			t.Fatalf("got %v, verdict %+v", got, v)
		}
		if v.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", v.Attempts)
		}
		reqs := *seen
		if reqs[0].Attempt != 1 || reqs[1].Attempt != 2 {
			t.Errorf("attempt numbers = %d,%d", reqs[0].Attempt, reqs[1].Attempt)
		}
		if !strings.HasPrefix(reqs[0].Feedback, string(ReasonInsufficientReasoning)) {
			t.Errorf("Feedback = %q, want previous failure reason", reqs[0].Feedback)
		}
		if reqs[1].Previous != "Still 5% only." {
			t.Errorf("Previous = %q", reqs[1].Previous)
		}
	})

	t.Run("exhausted returns nil and last verdict", func(t *testing.T) {
		g := New(DefaultConfig(), nil)
		gen, seen := scripted("Obviously 5%.", "Nope.")
		got, v := g.GateWithRegeneration(ctx, bad, gen, Request{}, 2)
		if got != nil {
			t.Fatalf("expected nil candidate, got %+v", got)
		}
		if v.Passed || v.Attempts != 2 || v.Reason != ReasonNoSpecifics {
			t.Errorf("verdict = %+v", v)
		}
		if len(*seen) != 2 {
			t.Errorf("generator called %d times, want 2", len(*seen))
		}
	})

	t.Run("generator error consumes an attempt", func(t *testing.T) {
		g := New(DefaultConfig(), nil)
		gen, _ := scripted(errors.New("upstream timeout"), goodText)
		got, v := g.GateWithRegeneration(ctx, bad, gen, Request{}, 2)
		if got == nil || v.Attempts != 2 {
			t.Errorf("got %v, verdict %+v", got, v)
		}

		gen, _ = scripted(errors.New("upstream timeout"))
		got, v = g.GateWithRegeneration(ctx, bad, gen, Request{}, 1)
		if got != nil || v.Reason != ReasonGeneratorError {
			t.Errorf("got %v, verdict %+v", got, v)
		}
	})

	t.Run("nil generator", func(t *testing.T) {
		g := New(DefaultConfig(), nil)
		got, v := g.GateWithRegeneration(ctx, bad, nil, Request{}, 3)
		if got != nil || v.Attempts != 0 {
			t.Errorf("got %v, verdict %+v", got, v)
		}
	})

	t.Run("category profile carries through", func(t *testing.T) {
		g := New(DefaultConfig(), nil)
		gen, seen := scripted(thesisText)
		got, v := g.GateWithRegeneration(ctx, Candidate{Text: goodText, Category: "thesis"}, gen, Request{}, 1)
		if got == nil || !v.Passed {
			t.Fatalf("verdict = %+v", v)
		}
		if (*seen)[0].Category != "thesis" || got.Category != "thesis" {
			t.Errorf("category not propagated: %+v", (*seen)[0])
		}
	})
}

func TestEvaluateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g := New(DefaultConfig(), nil)
	other := New(DefaultConfig(), nil)

	texts := gen.OneGenOf(
		gen.AnyString(),
		gen.AlphaString().Map(func(s string) string { return goodText + " " + s }),
		gen.AlphaString().Map(func(s string) string { return "Obviously " + s }),
	)
	categories := gen.OneConstOf("", "thesis", "unknown")

	properties.Property("same candidate and profile give the same verdict", prop.ForAll(
		func(text, category string, confidence float64) bool {
			c := Candidate{Text: text, Category: category, Confidence: conf(confidence)}
			first := g.Evaluate(c)
			return g.Evaluate(c) == first && other.Evaluate(c) == first
		},
		texts,
		categories,
		gen.Float64Range(0, MaxConfidence),
	))

	properties.Property("a passing verdict carries no reason", prop.ForAll(
		func(text, category string) bool {
			v := g.Evaluate(Candidate{Text: text, Category: category})
			return v.Passed == (v.Reason == ReasonNone)
		},
		texts,
		categories,
	))

	properties.TestingRun(t)
}
