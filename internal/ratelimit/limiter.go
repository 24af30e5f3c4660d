// Package ratelimit provides per-key sliding window rate limiting for MCP tools.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
)

// Limiter allows at most limit calls per key within any window-sized span,
// weighting the previous window by how much of it still overlaps.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*slidingwindow.Limiter
	window  time.Duration
	limit   int64
	nowFunc func() time.Time // injectable clock for testing
}

// NewLimiter creates a limiter admitting limit calls per window for each key.
func NewLimiter(window time.Duration, limit int64) *Limiter {
	return &Limiter{
		windows: make(map[string]*slidingwindow.Limiter),
		window:  window,
		limit:   limit,
		nowFunc: time.Now,
	}
}

func localWindow() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Allow reports whether a call for key fits in the current window, and
// counts it if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.windows[key]
	if !ok {
		lim, _ = slidingwindow.NewLimiter(l.window, l.limit, localWindow)
		l.windows[key] = lim
	}
	now := l.nowFunc()
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// ToolLimiters maps tool names to their rate limiters.
type ToolLimiters map[string]*Limiter

// DefaultToolLimits is the calls-per-minute budget of each MCP tool.
// Orchestrators call check and try_admit once per candidate action, so those
// get the most room; backup-like reads stay tight.
var DefaultToolLimits = map[string]int64{
	"floodgate_check":      120,
	"floodgate_try_admit":  60,
	"floodgate_complete":   60,
	"floodgate_release":    60,
	"floodgate_evaluate":   60,
	"floodgate_pick_link":  60,
	"floodgate_engagement": 30,
	"floodgate_status":     30,
	"floodgate_summary":    10,
}

// NewToolLimiters creates per-minute limiters from limits. A nil map uses
// DefaultToolLimits; non-positive entries are skipped.
func NewToolLimiters(limits map[string]int64) ToolLimiters {
	if limits == nil {
		limits = DefaultToolLimits
	}
	tl := make(ToolLimiters, len(limits))
	for tool, n := range limits {
		if n <= 0 {
			continue
		}
		tl[tool] = NewLimiter(time.Minute, n)
	}
	return tl
}

// CheckLimit checks the rate limit for a given tool name.
// Returns nil if allowed, or an error if rate limited.
// Tools without a configured limiter are always allowed.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil // No limiter configured = no limit
	}

	if !limiter.Allow(toolName) {
		return fmt.Errorf("rate limit exceeded for %s, please try again shortly", toolName)
	}

	return nil
}
