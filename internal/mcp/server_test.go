package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/floodgate/internal/budget"
	"github.com/nvandessel/floodgate/internal/config"
	"github.com/nvandessel/floodgate/internal/engine"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time         { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestServer(t *testing.T, settings *config.FloodgateConfig) (*Server, *testClock) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := NewServer(&Config{
		Name:     "floodgate-test",
		Version:  "v0.0.0-test",
		Root:     t.TempDir(),
		Settings: settings,
		NowFunc:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func tightSettings() *config.FloodgateConfig {
	cfg := config.Default()
	cfg.Budgets.Actions = map[string][]budget.Window{
		"reply": {{Duration: time.Hour, Limit: 1}},
	}
	return cfg
}

func TestNewServer(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if s.server == nil {
		t.Error("MCP server not initialized")
	}
	if s.engine == nil {
		t.Error("engine not initialized")
	}
	if _, err := os.Stat(filepath.Join(s.root, ".floodgate", "floodgate.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestNewServer_InvalidSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Dedup.SimilarityThreshold = 2

	_, err := NewServer(&Config{Name: "floodgate-test", Version: "v0", Root: t.TempDir(), Settings: cfg})
	if err == nil {
		t.Fatal("expected error for invalid settings")
	}
}

func TestHandleTryAdmit_CompleteFlow(t *testing.T) {
	s, _ := newTestServer(t, tightSettings())
	ctx := context.Background()

	_, adm, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Category: "macro", Target: "status/1"})
	if err != nil {
		t.Fatalf("try_admit failed: %v", err)
	}
	if !adm.Decision.Allowed || adm.Token == "" {
		t.Fatalf("expected admission with token, got %+v", adm)
	}
	if adm.ExpiresAt != "2026-03-01T12:10:00Z" {
		t.Errorf("expires_at = %q, want 2026-03-01T12:10:00Z", adm.ExpiresAt)
	}

	// The pending token already spends the only reply slot.
	_, check, err := s.handleCheck(ctx, nil, ActionInput{ActionType: "reply", Target: "status/2"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if check.Allowed || check.Code != "quota_exceeded" {
		t.Errorf("check = %+v, want quota_exceeded", check)
	}

	_, done, err := s.handleComplete(ctx, nil, CompleteInput{Token: adm.Token, Success: true})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if !done.Success || done.MetricsID == "" {
		t.Errorf("complete = %+v, want success with metrics id", done)
	}

	_, _, err = s.handleComplete(ctx, nil, CompleteInput{Token: adm.Token, Success: true})
	if !errors.Is(err, engine.ErrInvalidToken) {
		t.Errorf("second complete error = %v, want ErrInvalidToken", err)
	}
}

func TestHandleTryAdmit_Denied(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, first, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Target: "status/1"})
	if err != nil || first.Token == "" {
		t.Fatalf("first try_admit = %+v, %v", first, err)
	}

	_, second, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Target: "status/1"})
	if err != nil {
		t.Fatalf("second try_admit failed: %v", err)
	}
	if second.Decision.Allowed || second.Token != "" {
		t.Fatalf("expected denial without token, got %+v", second)
	}
	if second.Decision.Code != "duplicate_target" {
		t.Errorf("code = %q, want duplicate_target", second.Decision.Code)
	}
	if !strings.Contains(second.Message, "duplicate_target") {
		t.Errorf("message = %q, want it to name the code", second.Message)
	}
}

func TestHandleTryAdmit_MissingType(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_, _, err := s.handleTryAdmit(context.Background(), nil, ActionInput{Target: "status/1"})
	if !errors.Is(err, engine.ErrInvalidAction) {
		t.Errorf("error = %v, want ErrInvalidAction", err)
	}
}

func TestHandleRelease(t *testing.T) {
	s, _ := newTestServer(t, tightSettings())
	ctx := context.Background()

	_, adm, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Target: "status/1"})
	if err != nil {
		t.Fatalf("try_admit failed: %v", err)
	}

	_, rel, err := s.handleRelease(ctx, nil, ReleaseInput{Token: adm.Token})
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !rel.Released {
		t.Error("expected released = true")
	}

	_, again, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Target: "status/1"})
	if err != nil {
		t.Fatalf("try_admit after release failed: %v", err)
	}
	if !again.Decision.Allowed {
		t.Errorf("released slot not reusable: %+v", again.Decision)
	}

	if _, _, err := s.handleRelease(ctx, nil, ReleaseInput{Token: adm.Token}); !errors.Is(err, engine.ErrInvalidToken) {
		t.Errorf("second release error = %v, want ErrInvalidToken", err)
	}
}

func TestHandleComplete_FailureTripsBreaker(t *testing.T) {
	cfg := config.Default()
	cfg.Breaker.Threshold = 2
	s, _ := newTestServer(t, cfg)
	ctx := context.Background()

	var last CompleteOutput
	for i := 0; i < 2; i++ {
		_, adm, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "follow", Target: "user/" + string(rune('a'+i))})
		if err != nil || adm.Token == "" {
			t.Fatalf("try_admit %d = %+v, %v", i, adm, err)
		}
		_, last, err = s.handleComplete(ctx, nil, CompleteInput{Token: adm.Token, Success: false, Error: "http 500"})
		if err != nil {
			t.Fatalf("complete %d failed: %v", i, err)
		}
	}
	if !last.BreakerTripped || last.PauseSeconds <= 0 {
		t.Errorf("complete = %+v, want tripped breaker with pause", last)
	}

	_, status, err := s.handleStatus(ctx, nil, StatusInput{})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.BreakerOpen || status.PausedUntil == "" {
		t.Errorf("status = %+v, want open breaker", status)
	}

	_, check, err := s.handleCheck(ctx, nil, ActionInput{ActionType: "follow", Target: "user/z"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if check.Code != "circuit_open" {
		t.Errorf("code = %q, want circuit_open", check.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, adm, _ := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Target: "status/1"})
	if _, _, err := s.handleComplete(ctx, nil, CompleteInput{Token: adm.Token, Success: true}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	_, _, _ = s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "post", Target: "feed/1"})

	_, out, err := s.handleStatus(ctx, nil, StatusInput{})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if out.OutstandingTokens != 1 {
		t.Errorf("outstanding = %d, want 1", out.OutstandingTokens)
	}
	if out.DedupEntries != 1 {
		t.Errorf("dedup entries = %d, want 1", out.DedupEntries)
	}

	var reply, global *WindowStatus
	for i := range out.Budgets {
		switch out.Budgets[i].Scope {
		case "reply":
			reply = &out.Budgets[i]
		case "global":
			global = &out.Budgets[i]
		}
	}
	if reply == nil || reply.Used != 1 || reply.Limit != 15 || reply.Window != "1h" {
		t.Errorf("reply window = %+v", reply)
	}
	if global == nil || global.Used != 1 {
		t.Errorf("global window = %+v", global)
	}
	if last := out.Budgets[len(out.Budgets)-1]; last.Scope != "global" {
		t.Errorf("last window scope = %q, want global", last.Scope)
	}
}

func TestHandleSummary_AndEngagement(t *testing.T) {
	s, clock := newTestServer(t, nil)
	ctx := context.Background()

	_, adm, _ := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "post", Category: "macro", Target: "feed/1", Links: []string{"https://example.com/chart"}})
	_, done, err := s.handleComplete(ctx, nil, CompleteInput{Token: adm.Token, Success: true})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, eng, err := s.handleEngagement(ctx, nil, EngagementInput{Key: done.MetricsID, Views: 100, Likes: 7, Clicks: 4})
	if err != nil {
		t.Fatalf("engagement failed: %v", err)
	}
	if !eng.Updated {
		t.Error("expected updated = true")
	}

	if _, _, err := s.handleEngagement(ctx, nil, EngagementInput{Key: done.MetricsID, Views: 50}); err == nil {
		t.Error("expected error when engagement decreases")
	}

	clock.Advance(time.Hour)
	_, sum, err := s.handleSummary(ctx, nil, SummaryInput{})
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if sum.TotalActions != 1 || sum.TotalViews != 100 || sum.TotalClicks != 4 {
		t.Errorf("summary totals = %+v", sum)
	}
	if sum.ByActionType["post"] != 1 {
		t.Errorf("by_action_type = %v", sum.ByActionType)
	}
	if len(sum.Categories) != 1 || sum.Categories[0].Category != "macro" || sum.Categories[0].WithLink != 1 {
		t.Errorf("categories = %+v", sum.Categories)
	}
	if sum.WithLink != 1 || sum.LinkClicks != 4 || sum.LinkClickThrough != 4 {
		t.Errorf("link totals = %d/%d/%v", sum.WithLink, sum.LinkClicks, sum.LinkClickThrough)
	}
	if sum.LinkAdvice != "increase" || sum.BestCategory != "macro" {
		t.Errorf("advice = %q best = %q", sum.LinkAdvice, sum.BestCategory)
	}
	if sum.Until != "2026-03-01T13:00:00Z" || sum.Since != "2026-02-22T13:00:00Z" {
		t.Errorf("period = %s..%s", sum.Since, sum.Until)
	}

	_, narrow, err := s.handleSummary(ctx, nil, SummaryInput{Since: "2026-03-01T12:30:00Z"})
	if err != nil {
		t.Fatalf("narrow summary failed: %v", err)
	}
	if narrow.TotalActions != 0 {
		t.Errorf("narrow total = %d, want 0", narrow.TotalActions)
	}
}

func TestHandleTryAdmit_ThreadCredibility(t *testing.T) {
	cfg := config.Default()
	cfg.Links.CredibilityReplies = 1
	s, _ := newTestServer(t, cfg)
	ctx := context.Background()

	linked := ActionInput{ActionType: "reply", Target: "status/7", Content: "see the chart", Links: []string{"https://example.com/a"}, Thread: "convo-1"}
	_, out, err := s.handleTryAdmit(ctx, nil, linked)
	if err != nil {
		t.Fatalf("try_admit failed: %v", err)
	}
	if out.Decision.Allowed || out.Decision.Code != "thread_credibility" {
		t.Fatalf("linked reply in a fresh thread = %+v, want thread_credibility", out)
	}

	_, plain, err := s.handleTryAdmit(ctx, nil, ActionInput{ActionType: "reply", Target: "status/8", Content: "agreed on rates", Thread: "convo-1"})
	if err != nil || !plain.Decision.Allowed {
		t.Fatalf("plain reply = %+v, %v", plain, err)
	}
	if _, _, err := s.handleComplete(ctx, nil, CompleteInput{Token: plain.Token, Success: true}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, out, err = s.handleTryAdmit(ctx, nil, linked)
	if err != nil {
		t.Fatalf("try_admit failed: %v", err)
	}
	if !out.Decision.Allowed {
		t.Errorf("linked reply after a plain one = %+v, want allowed", out)
	}
}

func TestHandleSummary_InvalidPeriod(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SummaryInput
	}{
		{"bad since", SummaryInput{Since: "yesterday"}},
		{"bad until", SummaryInput{Until: "2026-13-01"}},
		{"inverted", SummaryInput{Since: "2026-03-01T00:00:00Z", Until: "2026-02-01T00:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.handleSummary(ctx, nil, tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleEvaluate(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, empty, err := s.handleEvaluate(ctx, nil, EvaluateInput{Text: "   "})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if empty.Passed || empty.Reason != "empty" {
		t.Errorf("verdict = %+v, want empty rejection", empty)
	}

	good := "Rate cut odds rose to 68% after the March jobs data showed payrolls slowing to 150k, which suggests the Fed moves in June."
	_, ok, err := s.handleEvaluate(ctx, nil, EvaluateInput{Text: good})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !ok.Passed {
		t.Errorf("verdict = %+v, want pass", ok)
	}
}

func TestHandlePickLink(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, out, err := s.handlePickLink(ctx, nil, PickLinkInput{Link: "https://example.com/a"})
	if err != nil {
		t.Fatalf("pick_link failed: %v", err)
	}
	if out.Link != "https://example.com/a" || out.Variant {
		t.Errorf("pick_link = %+v, want base link without variants configured", out)
	}

	if _, _, err := s.handlePickLink(ctx, nil, PickLinkInput{}); err == nil {
		t.Error("expected error for empty link")
	}
}

func TestHandlers_RateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.MCP.ToolLimits = map[string]int64{"floodgate_status": 1}
	s, _ := newTestServer(t, cfg)
	ctx := context.Background()

	if _, _, err := s.handleStatus(ctx, nil, StatusInput{}); err != nil {
		t.Fatalf("first status failed: %v", err)
	}
	_, _, err := s.handleStatus(ctx, nil, StatusInput{})
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("error = %v, want rate limit", err)
	}

	// Tools without a configured limit are unlimited.
	for i := 0; i < 5; i++ {
		if _, _, err := s.handleCheck(ctx, nil, ActionInput{ActionType: "like"}); err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
	}
}

func TestHandlers_AuditRedactsContent(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	secret := "private reply text for status 42"
	_, _, _ = s.handleCheck(ctx, nil, ActionInput{ActionType: "reply", Target: "status/42", Content: secret})
	_, _, _ = s.handleComplete(ctx, nil, CompleteInput{Token: "bogus"})
	s.auditLogger.Close()

	data, err := os.ReadFile(filepath.Join(s.root, ".floodgate", "audit.jsonl"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if strings.Contains(string(data), secret) || strings.Contains(string(data), "status/42") {
		t.Error("audit log leaked content or target")
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines, want 2", len(lines))
	}
	var check, complete AuditEntry
	if err := json.Unmarshal([]byte(lines[0]), &check); err != nil {
		t.Fatalf("parse check entry: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &complete); err != nil {
		t.Fatalf("parse complete entry: %v", err)
	}
	if check.Tool != "floodgate_check" || check.Status != "success" || check.Params["content"] != "(set)" {
		t.Errorf("check entry = %+v", check)
	}
	if complete.Status != "error" || complete.Error == "" {
		t.Errorf("complete entry = %+v", complete)
	}
}

func TestMetricsHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, _, _ = s.handleCheck(ctx, nil, ActionInput{ActionType: "reply", Target: "status/1"})
	_, _, _ = s.handleStatus(ctx, nil, StatusInput{})

	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`floodgate_mcp_tool_calls_total{status="success",tool="floodgate_check"} 1`,
		`floodgate_mcp_tool_calls_total{status="success",tool="floodgate_status"} 1`,
		"floodgate_admission_decisions_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func mcpSession(t *testing.T, s *Server) *sdk.ClientSession {
	t.Helper()
	serverT, clientT := sdk.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = s.server.Run(ctx, serverT) }()

	client := sdk.NewClient(&sdk.Implementation{Name: "floodgate-client", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *sdk.ClientSession, name string, args any) *sdk.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

func resultText(t *testing.T, result *sdk.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := result.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCP_ListTools(t *testing.T) {
	s, _ := newTestServer(t, nil)
	session := mcpSession(t, s)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	want := map[string]bool{
		"floodgate_check": true, "floodgate_try_admit": true, "floodgate_complete": true,
		"floodgate_release": true, "floodgate_status": true, "floodgate_summary": true,
		"floodgate_engagement": true, "floodgate_evaluate": true, "floodgate_pick_link": true,
	}
	if len(res.Tools) != len(want) {
		t.Errorf("got %d tools, want %d", len(res.Tools), len(want))
	}
	for _, tool := range res.Tools {
		if !want[tool.Name] {
			t.Errorf("unexpected tool %q", tool.Name)
		}
	}
}

func TestMCP_TryAdmitOverTransport(t *testing.T) {
	s, _ := newTestServer(t, nil)
	session := mcpSession(t, s)

	result := callTool(t, session, "floodgate_try_admit", map[string]any{
		"action_type": "reply",
		"target":      "status/7",
	})
	if result.IsError {
		t.Fatalf("try_admit tool error: %s", resultText(t, result))
	}

	var out TryAdmitOutput
	if err := json.Unmarshal([]byte(resultText(t, result)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Decision.Allowed || out.Token == "" {
		t.Fatalf("try_admit = %+v", out)
	}

	result = callTool(t, session, "floodgate_complete", map[string]any{"token": out.Token, "success": true})
	if result.IsError {
		t.Fatalf("complete tool error: %s", resultText(t, result))
	}

	result = callTool(t, session, "floodgate_complete", map[string]any{"token": out.Token, "success": true})
	if !result.IsError {
		t.Error("expected tool error for reused token")
	}
}
