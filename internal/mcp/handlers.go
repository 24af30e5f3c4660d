package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/budget"
	"github.com/nvandessel/floodgate/internal/engine"
	"github.com/nvandessel/floodgate/internal/metrics"
	"github.com/nvandessel/floodgate/internal/quality"
	"github.com/nvandessel/floodgate/internal/ratelimit"
)

// registerTools registers all floodgate MCP tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_check",
		Description: "Ask whether an action may run now without reserving anything. Pending admissions count as spent.",
	}, s.handleCheck)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_try_admit",
		Description: "Check an action and, when allowed, reserve it under a one-time token. Redeem the token with floodgate_complete or give it back with floodgate_release.",
	}, s.handleTryAdmit)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_complete",
		Description: "Report the outcome of an admitted action. Success records it in budgets, history and metrics; failure counts toward the circuit breaker.",
	}, s.handleComplete)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_release",
		Description: "Give back an admission token for an action that will not be performed.",
	}, s.handleRelease)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_status",
		Description: "Show circuit breaker state, budget usage per action type and outstanding tokens.",
	}, s.handleStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_summary",
		Description: "Summarize engagement per content category over a period.",
	}, s.handleSummary)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_engagement",
		Description: "Replace the view, like and click counts of a recorded action.",
	}, s.handleEngagement)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_evaluate",
		Description: "Run the content quality gate on a candidate text without admitting anything.",
	}, s.handleEvaluate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "floodgate_pick_link",
		Description: "Pick a promotional link or one of its configured equivalents that is not cooling down.",
	}, s.handlePickLink)
}

func toAction(in ActionInput) engine.Action {
	return engine.Action{
		Type:       in.ActionType,
		Category:   in.Category,
		Target:     in.Target,
		Content:    in.Content,
		Links:      in.Links,
		Confidence: in.Confidence,
		Generated:  in.Generated,
		Thread:     in.Thread,
	}
}

func actionParams(in ActionInput) map[string]any {
	return map[string]any{
		"action_type": in.ActionType,
		"category":    in.Category,
		"target":      in.Target,
		"content":     in.Content,
		"links":       in.Links,
		"generated":   in.Generated,
		"thread":      in.Thread,
	}
}

func toDecision(d admission.Decision) DecisionOutput {
	return DecisionOutput{
		Allowed:           d.Allowed,
		Code:              string(d.Code),
		Reason:            d.Reason,
		Detail:            d.Detail,
		RetryAfterSeconds: d.RetryAfter.Seconds(),
	}
}

func toVerdict(v quality.Verdict) VerdictOutput {
	return VerdictOutput{
		Passed:   v.Passed,
		Reason:   string(v.Reason),
		Detail:   v.Detail,
		Attempts: v.Attempts,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleCheck implements the floodgate_check tool.
func (s *Server) handleCheck(ctx context.Context, req *sdk.CallToolRequest, args ActionInput) (_ *sdk.CallToolResult, _ DecisionOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_check", start, retErr, sanitizeToolParams(actionParams(args)))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_check"); err != nil {
		return nil, DecisionOutput{}, err
	}

	d, err := s.engine.Check(ctx, toAction(args))
	if err != nil {
		return nil, DecisionOutput{}, err
	}
	return nil, toDecision(d), nil
}

// handleTryAdmit implements the floodgate_try_admit tool.
func (s *Server) handleTryAdmit(ctx context.Context, req *sdk.CallToolRequest, args ActionInput) (_ *sdk.CallToolResult, _ TryAdmitOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_try_admit", start, retErr, sanitizeToolParams(actionParams(args)))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_try_admit"); err != nil {
		return nil, TryAdmitOutput{}, err
	}

	adm, d, err := s.engine.TryAdmit(ctx, toAction(args))
	if err != nil {
		return nil, TryAdmitOutput{}, err
	}

	out := TryAdmitOutput{Decision: toDecision(d)}
	if adm == nil {
		out.Message = d.String()
		return nil, out, nil
	}

	out.Token = adm.Token
	out.ExpiresAt = formatTime(adm.ExpiresAt)
	if adm.Quality != nil {
		v := toVerdict(*adm.Quality)
		out.Quality = &v
	}
	out.Message = fmt.Sprintf("Admitted %s; complete before %s", args.ActionType, out.ExpiresAt)
	return nil, out, nil
}

// handleComplete implements the floodgate_complete tool.
func (s *Server) handleComplete(ctx context.Context, req *sdk.CallToolRequest, args CompleteInput) (_ *sdk.CallToolResult, _ CompleteOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_complete", start, retErr, sanitizeToolParams(map[string]any{
			"token": args.Token, "success": args.Success, "error": args.Error,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_complete"); err != nil {
		return nil, CompleteOutput{}, err
	}

	receipt, err := s.engine.Complete(ctx, args.Token, engine.Outcome{Success: args.Success, Error: args.Error})
	if err != nil {
		return nil, CompleteOutput{}, err
	}

	out := CompleteOutput{
		Success:        receipt.Success,
		MetricsID:      receipt.MetricsID,
		BreakerTripped: receipt.BreakerTripped,
		PauseSeconds:   receipt.Pause.Seconds(),
	}
	switch {
	case receipt.Success:
		out.Message = fmt.Sprintf("Recorded action %s", receipt.MetricsID)
	case receipt.BreakerTripped:
		out.Message = fmt.Sprintf("Failure recorded; circuit open for %s", receipt.Pause)
	default:
		out.Message = "Failure recorded"
	}
	return nil, out, nil
}

// handleRelease implements the floodgate_release tool.
func (s *Server) handleRelease(ctx context.Context, req *sdk.CallToolRequest, args ReleaseInput) (_ *sdk.CallToolResult, _ ReleaseOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_release", start, retErr, sanitizeToolParams(map[string]any{"token": args.Token}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_release"); err != nil {
		return nil, ReleaseOutput{}, err
	}

	if err := s.engine.Release(args.Token); err != nil {
		return nil, ReleaseOutput{}, err
	}
	return nil, ReleaseOutput{Released: true, Message: "Reservation released"}, nil
}

// handleStatus implements the floodgate_status tool.
func (s *Server) handleStatus(ctx context.Context, req *sdk.CallToolRequest, args StatusInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_status", start, retErr, nil)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_status"); err != nil {
		return nil, StatusOutput{}, err
	}

	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, StatusOutput{}, err
	}

	out := StatusOutput{
		BreakerOpen:         st.Breaker.Open,
		ConsecutiveFailures: st.Breaker.ConsecutiveFailures,
		Budgets:             flattenBudgets(st.Budgets),
		DedupEntries:        st.DedupSize,
		OutstandingTokens:   st.Outstanding,
	}
	if st.Breaker.PausedUntil != nil {
		out.PausedUntil = formatTime(*st.Breaker.PausedUntil)
	}
	return nil, out, nil
}

// flattenBudgets lists windows sorted by action type. Every type carries
// the shared global window last; it is reported once.
func flattenBudgets(budgets map[string][]budget.WindowUsage) []WindowStatus {
	types := make([]string, 0, len(budgets))
	for typ := range budgets {
		types = append(types, typ)
	}
	sort.Strings(types)

	out := []WindowStatus{}
	var global *budget.WindowUsage
	for _, typ := range types {
		for i, u := range budgets[typ] {
			if u.Scope == budget.GlobalKey {
				global = &budgets[typ][i]
				continue
			}
			out = append(out, windowStatus(typ, u))
		}
	}
	if global != nil {
		out = append(out, windowStatus(budget.GlobalKey, *global))
	}
	return out
}

func windowStatus(scope string, u budget.WindowUsage) WindowStatus {
	return WindowStatus{
		Scope:          scope,
		Window:         u.Window.String(),
		Used:           u.Used,
		Limit:          u.Window.Limit,
		ResetInSeconds: u.ResetIn.Seconds(),
	}
}

// handleSummary implements the floodgate_summary tool.
func (s *Server) handleSummary(ctx context.Context, req *sdk.CallToolRequest, args SummaryInput) (_ *sdk.CallToolResult, _ SummaryOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_summary", start, retErr, sanitizeToolParams(map[string]any{
			"days": args.Days, "since": args.Since, "until": args.Until, "top": args.Top,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_summary"); err != nil {
		return nil, SummaryOutput{}, err
	}

	period, err := s.summaryPeriod(args)
	if err != nil {
		return nil, SummaryOutput{}, err
	}

	report, err := s.engine.Summarize(ctx, period)
	if err != nil {
		return nil, SummaryOutput{}, err
	}

	out := SummaryOutput{
		Since:        formatTime(report.Period.Since),
		Until:        formatTime(report.Period.Until),
		TotalActions: report.TotalActions,
		TotalViews:   report.TotalViews,
		TotalLikes:   report.TotalLikes,
		TotalClicks:  report.TotalClicks,
		ByActionType: report.ByActionType,
		Categories:   []CategoryOutput{},

		WithLink:         report.WithLink,
		LinkClicks:       report.LinkClicks,
		LinkClickThrough: report.LinkClickThrough,
		LinkAdvice:       string(report.LinkAdvice),
		BestCategory:     report.BestCategory,
	}
	if out.ByActionType == nil {
		out.ByActionType = map[string]int{}
	}
	for _, c := range report.Top(args.Top) {
		out.Categories = append(out.Categories, CategoryOutput(c))
	}
	return nil, out, nil
}

func (s *Server) summaryPeriod(args SummaryInput) (metrics.Period, error) {
	now := s.nowFunc()
	days := args.Days
	if days <= 0 {
		days = 7
	}
	period := metrics.LastDays(now, days)

	if args.Since != "" {
		since, err := time.Parse(time.RFC3339, args.Since)
		if err != nil {
			return metrics.Period{}, fmt.Errorf("invalid since %q: %w", args.Since, err)
		}
		period.Since = since
	}
	if args.Until != "" {
		until, err := time.Parse(time.RFC3339, args.Until)
		if err != nil {
			return metrics.Period{}, fmt.Errorf("invalid until %q: %w", args.Until, err)
		}
		period.Until = until
	}
	if period.Until.Before(period.Since) {
		return metrics.Period{}, fmt.Errorf("until %s is before since %s", formatTime(period.Until), formatTime(period.Since))
	}
	return period, nil
}

// handleEngagement implements the floodgate_engagement tool.
func (s *Server) handleEngagement(ctx context.Context, req *sdk.CallToolRequest, args EngagementInput) (_ *sdk.CallToolResult, _ EngagementOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_engagement", start, retErr, sanitizeToolParams(map[string]any{"key": args.Key}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_engagement"); err != nil {
		return nil, EngagementOutput{}, err
	}

	eng := metrics.Engagement{Views: args.Views, Likes: args.Likes, Clicks: args.Clicks}
	if err := s.engine.UpdateEngagement(ctx, args.Key, eng); err != nil {
		return nil, EngagementOutput{}, err
	}
	return nil, EngagementOutput{
		Updated: true,
		Message: fmt.Sprintf("Engagement for %s set to %d views, %d likes, %d clicks", args.Key, args.Views, args.Likes, args.Clicks),
	}, nil
}

// handleEvaluate implements the floodgate_evaluate tool.
func (s *Server) handleEvaluate(ctx context.Context, req *sdk.CallToolRequest, args EvaluateInput) (_ *sdk.CallToolResult, _ VerdictOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_evaluate", start, retErr, sanitizeToolParams(map[string]any{
			"text": args.Text, "category": args.Category,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_evaluate"); err != nil {
		return nil, VerdictOutput{}, err
	}

	v := s.engine.Evaluate(quality.Candidate{Text: args.Text, Category: args.Category, Confidence: args.Confidence})
	return nil, toVerdict(v), nil
}

// handlePickLink implements the floodgate_pick_link tool.
func (s *Server) handlePickLink(ctx context.Context, req *sdk.CallToolRequest, args PickLinkInput) (_ *sdk.CallToolResult, _ PickLinkOutput, retErr error) {
	start := s.nowFunc()
	defer func() {
		s.auditTool("floodgate_pick_link", start, retErr, sanitizeToolParams(map[string]any{"link": args.Link}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "floodgate_pick_link"); err != nil {
		return nil, PickLinkOutput{}, err
	}
	if args.Link == "" {
		return nil, PickLinkOutput{}, fmt.Errorf("link is required")
	}

	link := s.engine.PickLink(args.Link)
	return nil, PickLinkOutput{Link: link, Variant: link != args.Link}, nil
}
