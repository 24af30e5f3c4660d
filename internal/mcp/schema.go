// Package mcp provides an MCP (Model Context Protocol) server for floodgate.
package mcp

// ActionInput describes a candidate action. It is shared by
// floodgate_check and floodgate_try_admit.
type ActionInput struct {
	ActionType string   `json:"action_type" jsonschema:"Kind of action such as reply, post, follow, like or quote"`
	Category   string   `json:"category,omitempty" jsonschema:"Content category used for metrics and quality profile selection"`
	Target     string   `json:"target,omitempty" jsonschema:"Identifier of the account or post the action is aimed at"`
	Content    string   `json:"content,omitempty" jsonschema:"Text to be published"`
	Links      []string `json:"links,omitempty" jsonschema:"Promotional links attached to the action"`
	Confidence *float64 `json:"confidence,omitempty" jsonschema:"Generator self-reported confidence from 0 to 100"`
	Generated  bool     `json:"generated,omitempty" jsonschema:"Whether the content was machine-written and must pass the quality gate"`
	Thread     string   `json:"thread,omitempty" jsonschema:"Conversation the action belongs to; links there wait for enough plain replies"`
}

// DecisionOutput is an admission decision.
type DecisionOutput struct {
	Allowed           bool    `json:"allowed"`
	Code              string  `json:"code,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	Detail            string  `json:"detail,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// VerdictOutput is a quality gate verdict.
type VerdictOutput struct {
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Attempts int    `json:"regeneration_attempts"`
}

// TryAdmitOutput defines the output for the floodgate_try_admit tool.
type TryAdmitOutput struct {
	Decision  DecisionOutput `json:"decision"`
	Token     string         `json:"token,omitempty"`
	ExpiresAt string         `json:"expires_at,omitempty"`
	Quality   *VerdictOutput `json:"quality,omitempty"`
	Message   string         `json:"message"`
}

// CompleteInput defines the input for the floodgate_complete tool.
type CompleteInput struct {
	Token   string `json:"token" jsonschema:"Admission token returned by floodgate_try_admit"`
	Success bool   `json:"success" jsonschema:"Whether the external action succeeded"`
	Error   string `json:"error,omitempty" jsonschema:"Failure description when success is false"`
}

// CompleteOutput defines the output for the floodgate_complete tool.
type CompleteOutput struct {
	Success        bool    `json:"success"`
	MetricsID      string  `json:"metrics_id,omitempty"`
	BreakerTripped bool    `json:"breaker_tripped,omitempty"`
	PauseSeconds   float64 `json:"pause_seconds,omitempty"`
	Message        string  `json:"message"`
}

// ReleaseInput defines the input for the floodgate_release tool.
type ReleaseInput struct {
	Token string `json:"token" jsonschema:"Admission token to give back without performing the action"`
}

// ReleaseOutput defines the output for the floodgate_release tool.
type ReleaseOutput struct {
	Released bool   `json:"released"`
	Message  string `json:"message"`
}

// StatusInput defines the input for the floodgate_status tool.
type StatusInput struct{}

// WindowStatus is the usage of one budget window.
type WindowStatus struct {
	Scope          string  `json:"scope"`
	Window         string  `json:"window"`
	Used           int     `json:"used"`
	Limit          int     `json:"limit"`
	ResetInSeconds float64 `json:"reset_in_seconds,omitempty"`
}

// StatusOutput defines the output for the floodgate_status tool.
type StatusOutput struct {
	BreakerOpen         bool           `json:"breaker_open"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	PausedUntil         string         `json:"paused_until,omitempty"`
	Budgets             []WindowStatus `json:"budgets"`
	DedupEntries        int            `json:"dedup_entries"`
	OutstandingTokens   int            `json:"outstanding_tokens"`
}

// SummaryInput defines the input for the floodgate_summary tool.
type SummaryInput struct {
	Days  int    `json:"days,omitempty" jsonschema:"Trailing number of days to summarize (default 7)"`
	Since string `json:"since,omitempty" jsonschema:"RFC 3339 start time; overrides days"`
	Until string `json:"until,omitempty" jsonschema:"RFC 3339 end time (default now)"`
	Top   int    `json:"top,omitempty" jsonschema:"Only return the N best categories by clicks"`
}

// CategoryOutput aggregates one category.
type CategoryOutput struct {
	Category     string  `json:"category"`
	Actions      int     `json:"actions"`
	WithLink     int     `json:"with_link"`
	TotalViews   int64   `json:"total_views"`
	TotalLikes   int64   `json:"total_likes"`
	TotalClicks  int64   `json:"total_clicks"`
	AvgViews     float64 `json:"avg_views"`
	AvgLikes     float64 `json:"avg_likes"`
	AvgClicks    float64 `json:"avg_clicks"`
	ClickThrough float64 `json:"click_through"`
}

// SummaryOutput defines the output for the floodgate_summary tool.
type SummaryOutput struct {
	Since        string           `json:"since"`
	Until        string           `json:"until"`
	TotalActions int              `json:"total_actions"`
	TotalViews   int64            `json:"total_views"`
	TotalLikes   int64            `json:"total_likes"`
	TotalClicks  int64            `json:"total_clicks"`
	ByActionType map[string]int   `json:"by_action_type"`
	Categories   []CategoryOutput `json:"categories"`

	WithLink         int     `json:"with_link"`
	LinkClicks       int64   `json:"link_clicks"`
	LinkClickThrough float64 `json:"link_click_through"`
	LinkAdvice       string  `json:"link_advice,omitempty" jsonschema:"Suggested change in link frequency; empty when no link drew a click"`
	BestCategory     string  `json:"best_category,omitempty"`
}

// EngagementInput defines the input for the floodgate_engagement tool.
type EngagementInput struct {
	Key    string `json:"key" jsonschema:"Metrics entry id from floodgate_complete or the action target"`
	Views  int64  `json:"views" jsonschema:"Absolute view count"`
	Likes  int64  `json:"likes" jsonschema:"Absolute like count"`
	Clicks int64  `json:"clicks" jsonschema:"Absolute link click count"`
}

// EngagementOutput defines the output for the floodgate_engagement tool.
type EngagementOutput struct {
	Updated bool   `json:"updated"`
	Message string `json:"message"`
}

// EvaluateInput defines the input for the floodgate_evaluate tool.
type EvaluateInput struct {
	Text       string   `json:"text" jsonschema:"Candidate text to evaluate"`
	Category   string   `json:"category,omitempty" jsonschema:"Category selecting the quality profile"`
	Confidence *float64 `json:"confidence,omitempty" jsonschema:"Generator self-reported confidence from 0 to 100"`
}

// PickLinkInput defines the input for the floodgate_pick_link tool.
type PickLinkInput struct {
	Link string `json:"link" jsonschema:"Base promotional link"`
}

// PickLinkOutput defines the output for the floodgate_pick_link tool.
type PickLinkOutput struct {
	Link    string `json:"link"`
	Variant bool   `json:"variant"`
}
