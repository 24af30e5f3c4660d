package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rivo/uniseg"
)

// Reason identifies the first rule a candidate failed.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonEmpty                 Reason = "empty"
	ReasonDisallowedPhrase      Reason = "disallowed_phrase"
	ReasonNoSpecifics           Reason = "no_specifics"
	ReasonInsufficientReasoning Reason = "insufficient_reasoning"
	ReasonLowConfidence         Reason = "low_confidence"
	ReasonLengthOutOfRange      Reason = "length_out_of_range"
	ReasonGeneratorError        Reason = "generator_error"
)

// MaxConfidence is the top of the confidence scale.
const MaxConfidence = 100

var (
	digitPattern   = regexp.MustCompile(`\d`)
	percentPattern = regexp.MustCompile(`(?i)\d+\s*%|\bpercent\b`)
	monthPattern   = regexp.MustCompile(`\b(?i:jan(uary)?|feb(ruary)?|mar(ch)?|apr(il)?|june?|july?|aug(ust)?|sept?(ember)?|oct(ober)?|nov(ember)?|dec(ember)?)\b|\bMay\b`)
	namePattern    = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)
)

// Profile is one rule set. Categories select profiles by name.
type Profile struct {
	// DisallowedPhrases are rejected as case-insensitive substrings.
	DisallowedPhrases []string `json:"disallowed_phrases" yaml:"disallowed_phrases"`

	// RequireSpecifics demands a numeral, percentage, month or
	// capitalized name pair.
	RequireSpecifics bool `json:"require_specifics" yaml:"require_specifics"`

	// MinReasoningLength is the character floor below which text is taken
	// to be bare disagreement.
	MinReasoningLength int `json:"min_reasoning_length" yaml:"min_reasoning_length"`

	// ReasoningIndicators are words that show an explanation. Text with none
	// must reach MinWordsWithoutIndicator words instead.
	ReasoningIndicators      []string `json:"reasoning_indicators" yaml:"reasoning_indicators"`
	MinWordsWithoutIndicator int      `json:"min_words_without_indicator" yaml:"min_words_without_indicator"`

	// MinConfidence applies only when the candidate carries a confidence.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`

	// MinLength and MaxLength bound the text in user-perceived characters.
	// Zero disables a bound.
	MinLength int `json:"min_length" yaml:"min_length"`
	MaxLength int `json:"max_length" yaml:"max_length"`
}

// DefaultDisallowedPhrases reject dismissive or robotic wording.
var DefaultDisallowedPhrases = []string{
	"obviously",
	"clearly",
	"if you don't see",
	"pay attention",
	"wake up",
	"not paying attention",
	"duh",
	"honestly",
	"literally",
	"you're wrong",
	"you're not seeing",
	"you're missing",
}

// DefaultReasoningIndicators mark text that explains itself.
var DefaultReasoningIndicators = []string{
	"because", "since", "due to", "based on", "shows", "indicates",
	"suggests", "implies", "given", "considering", "fact that",
	"data", "polls", "odds", "market", "trend",
}

// DefaultProfile returns the rule set used when no category profile matches.
func DefaultProfile() Profile {
	return Profile{
		DisallowedPhrases:        append([]string(nil), DefaultDisallowedPhrases...),
		RequireSpecifics:         true,
		MinReasoningLength:       50,
		ReasoningIndicators:      append([]string(nil), DefaultReasoningIndicators...),
		MinWordsWithoutIndicator: 15,
		MinConfidence:            60,
		MinLength:                50,
		MaxLength:                280,
	}
}

// ThesisProfile is the stricter rule set for long-form opinion posts.
func ThesisProfile() Profile {
	p := DefaultProfile()
	p.MinLength = 180
	p.MaxLength = 220
	return p
}

// Length counts grapheme clusters, so an emoji or accented letter is one.
func Length(text string) int {
	n := 0
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		n++
	}
	return n
}

// HasSpecifics reports whether text names something concrete.
func HasSpecifics(text string) bool {
	return digitPattern.MatchString(text) ||
		percentPattern.MatchString(text) ||
		monthPattern.MatchString(text) ||
		namePattern.MatchString(text)
}

// evaluate applies the profile's rules in order and returns the first failure.
func (p Profile) evaluate(c Candidate) (Reason, string) {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return ReasonEmpty, "no text"
	}
	lower := strings.ToLower(text)

	for _, phrase := range p.DisallowedPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return ReasonDisallowedPhrase, fmt.Sprintf("contains %q", phrase)
		}
	}

	if p.RequireSpecifics && !HasSpecifics(text) {
		return ReasonNoSpecifics, "no number, date, percentage or name"
	}

	length := Length(text)
	if length < p.MinReasoningLength {
		return ReasonInsufficientReasoning, fmt.Sprintf("%d chars < %d", length, p.MinReasoningLength)
	}
	if p.MinWordsWithoutIndicator > 0 && !containsAny(lower, p.ReasoningIndicators) {
		if words := len(strings.Fields(text)); words < p.MinWordsWithoutIndicator {
			return ReasonInsufficientReasoning,
				fmt.Sprintf("no explanation and only %d words", words)
		}
	}

	if c.Confidence != nil && *c.Confidence < p.MinConfidence {
		return ReasonLowConfidence, fmt.Sprintf("confidence %.0f < %.0f", *c.Confidence, p.MinConfidence)
	}

	if p.MinLength > 0 && length < p.MinLength {
		return ReasonLengthOutOfRange, fmt.Sprintf("%d chars < %d", length, p.MinLength)
	}
	if p.MaxLength > 0 && length > p.MaxLength {
		return ReasonLengthOutOfRange, fmt.Sprintf("%d chars > %d", length, p.MaxLength)
	}

	return ReasonNone, ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
