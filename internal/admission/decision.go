// Package admission defines the decision value returned by every admission
// check. Denials are values, not errors: a check answers "no, because X" and
// the caller decides how to back off.
package admission

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies why an action was denied.
type Code string

const (
	CodeNone             Code = ""
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeDuplicateContent Code = "duplicate_content"
	CodeDuplicateTarget  Code = "duplicate_target"
	CodeLinkCooldown     Code = "link_cooldown_active"
	CodeQualityRejected  Code = "quality_rejected"
	CodeCircuitOpen      Code = "circuit_open"

	// CodeThreadCredibility denies a link in a thread that has not yet seen
	// enough link-free replies.
	CodeThreadCredibility Code = "thread_credibility"
)

// Sentinel errors matched by DeniedError.Is.
var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrDuplicateContent = errors.New("duplicate content")
	ErrDuplicateTarget  = errors.New("duplicate target")
	ErrLinkCooldown     = errors.New("link cooldown active")
	ErrQualityRejected  = errors.New("quality rejected")
	ErrCircuitOpen      = errors.New("circuit open")

	ErrThreadCredibility = errors.New("thread credibility not yet built")
)

var sentinels = map[Code]error{
	CodeQuotaExceeded:    ErrQuotaExceeded,
	CodeDuplicateContent: ErrDuplicateContent,
	CodeDuplicateTarget:  ErrDuplicateTarget,
	CodeLinkCooldown:     ErrLinkCooldown,
	CodeQualityRejected:  ErrQualityRejected,
	CodeCircuitOpen:      ErrCircuitOpen,

	CodeThreadCredibility: ErrThreadCredibility,
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    Code   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// RetryAfter is a hint for when the same check could pass again.
	// Zero when unknown or not time-bound (duplicates, quality).
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Detail carries a machine-readable sub-reason, e.g. the violated
	// window ("reply/1h") or the quality rule ("no_specifics").
	Detail string `json:"detail,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with a formatted reason.
func Deny(code Code, retryAfter time.Duration, format string, args ...any) Decision {
	return Decision{
		Code:       code,
		Reason:     fmt.Sprintf(format, args...),
		RetryAfter: retryAfter,
	}
}

// WithDetail returns a copy of d carrying detail.
func (d Decision) WithDetail(detail string) Decision {
	d.Detail = detail
	return d
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	if d.RetryAfter > 0 {
		return fmt.Sprintf("denied (%s): %s, retry after %s", d.Code, d.Reason, d.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("denied (%s): %s", d.Code, d.Reason)
}

// Err converts a denial into an error. Returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError wraps a denial for callers that prefer error flow.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return e.Decision.String()
}

// Is reports whether target is the sentinel for this denial's code.
func (e *DeniedError) Is(target error) bool {
	s, ok := sentinels[e.Decision.Code]
	return ok && s == target
}
