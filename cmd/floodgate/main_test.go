package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/floodgate/internal/admission"
	"github.com/nvandessel/floodgate/internal/backup"
	"github.com/nvandessel/floodgate/internal/breaker"
	"github.com/nvandessel/floodgate/internal/budget"
	"github.com/nvandessel/floodgate/internal/engine"
)

// isolateHome points HOME at a temp directory so tests never read or
// write the real ~/.floodgate/.
func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

// runCLI executes a fresh root command and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRunJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := runCLI(t, append(args, "--json")...)
	if err != nil {
		t.Fatalf("floodgate %s: %v", strings.Join(args, " "), err)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("floodgate %s: invalid JSON %q: %v", strings.Join(args, " "), out, err)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{
		"version", "init", "check", "record", "fail", "status", "summary",
		"engagement", "evaluate", "pick-link", "decisions", "config",
		"backup", "restore", "mcp-server",
	}
	cmd := newRootCmd()
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "floodgate version ") {
		t.Errorf("output = %q", out)
	}
}

func TestInitCmd(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	var out map[string]string
	mustRunJSON(t, &out, "init", "--root", root)
	if out["status"] != "initialized" {
		t.Errorf("status = %q", out["status"])
	}
	for _, name := range []string{"floodgate.db", EnvFile} {
		if _, err := os.Stat(filepath.Join(root, ".floodgate", name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	// A second init keeps an edited .env.
	envPath := filepath.Join(root, ".floodgate", EnvFile)
	if err := os.WriteFile(envPath, []byte("# mine\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "init", "--root", root); err != nil {
		t.Fatalf("second init: %v", err)
	}
	data, _ := os.ReadFile(envPath)
	if string(data) != "# mine\n" {
		t.Errorf(".env overwritten: %q", data)
	}
}

func TestCheckAndRecord(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	var d map[string]any
	mustRunJSON(t, &d, "check", "--root", root, "--type", "reply", "--target", "status/1")
	if d["allowed"] != true {
		t.Fatalf("first check = %v, want allowed", d)
	}

	var rec map[string]any
	mustRunJSON(t, &rec, "record", "--root", root, "--type", "reply", "--category", "macro", "--target", "status/1")
	if rec["recorded"] != true || rec["metrics_id"] == "" {
		t.Fatalf("record = %v", rec)
	}

	d = nil
	mustRunJSON(t, &d, "check", "--root", root, "--type", "reply", "--target", "status/1")
	if d["allowed"] != false || d["code"] != string(admission.CodeDuplicateTarget) {
		t.Errorf("second check = %v, want duplicate_target", d)
	}

	_, err := runCLI(t, "check", "--root", root, "--type", "reply", "--target", "status/1", "--fail-on-deny")
	if !errors.Is(err, admission.ErrDuplicateTarget) {
		t.Errorf("fail-on-deny error = %v, want ErrDuplicateTarget", err)
	}
}

func TestCheck_RequiresType(t *testing.T) {
	isolateHome(t)
	if _, err := runCLI(t, "check", "--root", t.TempDir(), "--target", "status/1"); err == nil {
		t.Error("expected error without --type")
	}
}

func TestCheck_ContentFromStdin(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	text := "Housing starts fell 8% in April because mortgage rates above 7% keep buyers out."

	if _, err := runCLI(t, "record", "--root", root, "--type", "post", "--content", text); err != nil {
		t.Fatalf("record: %v", err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(text))
	cmd.SetArgs([]string{"check", "--root", root, "--type", "post", "--content", "-", "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("check: %v", err)
	}

	var d map[string]any
	if err := json.Unmarshal(out.Bytes(), &d); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if d["code"] != string(admission.CodeDuplicateContent) {
		t.Errorf("check = %v, want duplicate_content", d)
	}
}

func TestFail_TripsBreaker(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	var last map[string]any
	for i := 0; i < 3; i++ {
		last = nil
		mustRunJSON(t, &last, "fail", "--root", root)
	}
	if last["breaker_tripped"] != true {
		t.Fatalf("third failure = %v, want tripped", last)
	}

	var st engine.Status
	mustRunJSON(t, &st, "status", "--root", root)
	if !st.Breaker.Open || st.Breaker.ConsecutiveFailures != 3 {
		t.Errorf("breaker = %+v, want open after 3 failures", st.Breaker)
	}

	_, err := runCLI(t, "check", "--root", root, "--type", "like", "--fail-on-deny")
	if !errors.Is(err, admission.ErrCircuitOpen) {
		t.Errorf("check error = %v, want ErrCircuitOpen", err)
	}
}

func TestStatusTree(t *testing.T) {
	until := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	hour := budget.Window{Duration: time.Hour, Limit: 15}
	global := budget.Window{Duration: time.Hour, Limit: 30}
	st := &engine.Status{
		Breaker: breaker.State{ConsecutiveFailures: 3, Open: true, PausedUntil: &until},
		Budgets: map[string][]budget.WindowUsage{
			"reply": {
				{Scope: "reply", Window: hour, Used: 2, ResetIn: 40 * time.Minute},
				{Scope: budget.GlobalKey, Window: global, Used: 2},
			},
			"post": {
				{Scope: budget.GlobalKey, Window: global, Used: 2},
			},
		},
		DedupSize:   4,
		Outstanding: 1,
	}

	out := statusTree(st).String()
	for _, want := range []string{
		"floodgate",
		"open until",
		"consecutive failures: 3",
		"reply",
		"2/15 per 1h (oldest ages out in 40m0s)",
		"global",
		"2/30 per 1h",
		"dedup history: 4",
		"outstanding tokens: 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("tree missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "2/30 per 1h") != 1 {
		t.Errorf("global window rendered more than once:\n%s", out)
	}
	if strings.Contains(out, "post") {
		t.Errorf("type with only the global window should not get a branch:\n%s", out)
	}
}

func TestParsePeriod(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	p, err := parsePeriod(now, 7, "", "")
	if err != nil {
		t.Fatalf("parsePeriod: %v", err)
	}
	if !p.Since.Equal(now.AddDate(0, 0, -7)) || !p.Until.Equal(now) {
		t.Errorf("default period = %v..%v", p.Since, p.Until)
	}

	p, err = parsePeriod(now, 7, "2026-03-01T00:00:00Z", "2026-03-02T00:00:00Z")
	if err != nil {
		t.Fatalf("parsePeriod: %v", err)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !p.Since.Equal(want) {
		t.Errorf("since = %v, want %v", p.Since, want)
	}

	if _, err := parsePeriod(now, 7, "2026-03-01", ""); err != nil {
		t.Errorf("date-only since rejected: %v", err)
	}

	for _, tc := range []struct {
		name         string
		days         int
		since, until string
	}{
		{"zero days", 0, "", ""},
		{"garbage since", 7, "not a date", ""},
		{"inverted", 7, "2026-03-10T00:00:00Z", "2026-03-01T00:00:00Z"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parsePeriod(now, tc.days, tc.since, tc.until); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSummaryAndEngagement(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	var rec map[string]any
	mustRunJSON(t, &rec, "record", "--root", root, "--type", "post", "--category", "macro",
		"--target", "feed/1", "--link", "https://example.com/chart")
	id, _ := rec["metrics_id"].(string)

	if _, err := runCLI(t, "engagement", "--root", root, id, "--views", "100", "--likes", "5", "--clicks", "3"); err != nil {
		t.Fatalf("engagement: %v", err)
	}
	if _, err := runCLI(t, "engagement", "--root", root, id, "--views", "10"); err == nil {
		t.Error("expected error when views decrease")
	}

	var report struct {
		TotalActions int    `json:"total_actions"`
		TotalClicks  int64  `json:"total_clicks"`
		WithLink     int    `json:"with_link"`
		LinkAdvice   string `json:"link_advice"`
		BestCategory string `json:"best_category"`
		Categories   []struct {
			Category string `json:"category"`
			WithLink int    `json:"with_link"`
		} `json:"categories"`
	}
	mustRunJSON(t, &report, "summary", "--root", root)
	if report.TotalActions != 1 || report.TotalClicks != 3 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Categories) != 1 || report.Categories[0].Category != "macro" || report.Categories[0].WithLink != 1 {
		t.Errorf("categories = %+v", report.Categories)
	}
	if report.WithLink != 1 || report.LinkAdvice != "increase" || report.BestCategory != "macro" {
		t.Errorf("link summary = %+v", report)
	}

	out, err := runCLI(t, "summary", "--root", root)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(out, "macro") || !strings.Contains(out, "CLICKS/LINK") {
		t.Errorf("table output = %q", out)
	}
	if !strings.Contains(out, "3 clicks over 1 linked actions") || !strings.Contains(out, "Best category: macro") {
		t.Errorf("link summary output = %q", out)
	}
}

func TestEvaluateCmd(t *testing.T) {
	isolateHome(t)

	out, err := runCLI(t, "evaluate", "   ")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !strings.Contains(out, "Rejected: empty") {
		t.Errorf("output = %q", out)
	}

	var v map[string]any
	mustRunJSON(t, &v, "evaluate", "Rate cut odds rose to 68% after the March jobs data showed payrolls slowing to 150k, which suggests the Fed moves in June.")
	if v["passed"] != true {
		t.Errorf("verdict = %v, want passed", v)
	}
}

func TestPickLinkCmd(t *testing.T) {
	isolateHome(t)
	out, err := runCLI(t, "pick-link", "--root", t.TempDir(), "https://example.com/a")
	if err != nil {
		t.Fatalf("pick-link: %v", err)
	}
	if strings.TrimSpace(out) != "https://example.com/a" {
		t.Errorf("output = %q", out)
	}
}

func TestDecisionsCmd(t *testing.T) {
	isolateHome(t)
	t.Setenv("FLOODGATE_LOG_LEVEL", "debug")
	root := t.TempDir()

	out, err := runCLI(t, "decisions", "--root", root)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if !strings.Contains(out, "No decisions logged") {
		t.Errorf("empty output = %q", out)
	}

	if _, err := runCLI(t, "check", "--root", root, "--type", "reply", "--target", "status/9"); err != nil {
		t.Fatalf("check: %v", err)
	}

	var events []map[string]any
	mustRunJSON(t, &events, "decisions", "--root", root, "-n", "5")
	if len(events) != 1 || events[0]["event"] != "admission_decision" {
		t.Errorf("events = %v", events)
	}
}

func TestFormatDecision(t *testing.T) {
	got := formatDecision(map[string]any{
		"time":        "2026-03-01T12:00:00Z",
		"event":       "admission_decision",
		"op":          "check",
		"action_type": "reply",
	})
	want := "2026-03-01T12:00:00Z admission_decision action_type=reply op=check"
	if got != want {
		t.Errorf("formatDecision = %q, want %q", got, want)
	}
}

func TestConfigGetSet(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := runCLI(t, "config", "get", "breaker.threshold", "--config", path)
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if strings.TrimSpace(out) != "breaker.threshold = 3" {
		t.Errorf("default = %q", out)
	}

	if _, err := runCLI(t, "config", "set", "links.cooldown", "2h", "--config", path); err != nil {
		t.Fatalf("config set: %v", err)
	}
	if _, err := runCLI(t, "config", "set", "metrics.retention", "30d", "--config", path); err != nil {
		t.Fatalf("config set: %v", err)
	}

	var got map[string]any
	mustRunJSON(t, &got, "config", "get", "links.cooldown", "--config", path)
	if got["value"] != "2h0m0s" {
		t.Errorf("links.cooldown = %v", got["value"])
	}
	got = nil
	mustRunJSON(t, &got, "config", "get", "metrics.retention", "--config", path)
	if got["value"] != "720h0m0s" {
		t.Errorf("metrics.retention = %v", got["value"])
	}

	// Untouched defaults survive the round trip.
	out, _ = runCLI(t, "config", "get", "breaker.threshold", "--config", path)
	if strings.TrimSpace(out) != "breaker.threshold = 3" {
		t.Errorf("after set = %q", out)
	}
}

func TestCheck_ThreadCredibility(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := runCLI(t, "config", "set", "links.credibility_replies", "1", "--config", path); err != nil {
		t.Fatalf("config set: %v", err)
	}

	linked := []string{"check", "--root", root, "--config", path, "--type", "reply",
		"--thread", "convo-1", "--target", "status/2", "--link", "https://example.com/chart"}

	var d map[string]any
	mustRunJSON(t, &d, linked...)
	if d["allowed"] != false || d["code"] != "thread_credibility" {
		t.Fatalf("linked reply in fresh thread = %v", d)
	}

	if _, err := runCLI(t, "record", "--root", root, "--config", path, "--type", "reply",
		"--thread", "convo-1", "--target", "status/1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	d = nil
	mustRunJSON(t, &d, linked...)
	if d["allowed"] != true {
		t.Errorf("linked reply after a plain reply = %v", d)
	}
}

func TestConfigSet_Rejects(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	tests := []struct {
		key, value string
	}{
		{"no.such.key", "1"},
		{"breaker.threshold", "many"},
		{"breaker.threshold", "0"},
		{"dedup.similarity_threshold", "1.5"},
		{"logging.level", "verbose"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			if _, err := runCLI(t, "config", "set", tt.key, tt.value, "--config", path); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected values should not create the config file")
	}
}

func TestEnvFileApplied(t *testing.T) {
	isolateHome(t)
	t.Setenv("FLOODGATE_BREAKER_THRESHOLD", "")
	os.Unsetenv("FLOODGATE_BREAKER_THRESHOLD")
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, ".floodgate"), 0700); err != nil {
		t.Fatal(err)
	}
	env := "FLOODGATE_BREAKER_THRESHOLD=7\n"
	if err := os.WriteFile(filepath.Join(root, ".floodgate", EnvFile), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "config", "get", "breaker.threshold", "--root", root)
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if strings.TrimSpace(out) != "breaker.threshold = 7" {
		t.Errorf("output = %q, want threshold from .env", out)
	}
}

func TestBackupRestoreCmds(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	if _, err := runCLI(t, "record", "--root", root, "--type", "reply", "--target", "status/1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	var created map[string]any
	mustRunJSON(t, &created, "backup", "--root", root)
	path, _ := created["path"].(string)
	if !strings.HasPrefix(filepath.Base(path), backup.FilePrefix) {
		t.Fatalf("backup path = %q", path)
	}

	var infos []backup.Info
	mustRunJSON(t, &infos, "backup", "list", "--root", root)
	if len(infos) != 1 || infos[0].Counts.Metrics != 1 {
		t.Errorf("list = %+v", infos)
	}

	out, err := runCLI(t, "backup", "verify", path)
	if err != nil || !strings.Contains(out, "Backup OK") {
		t.Errorf("verify = %q, %v", out, err)
	}

	// Another action after the backup disappears on restore.
	if _, err := runCLI(t, "record", "--root", root, "--type", "reply", "--target", "status/2"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := runCLI(t, "restore", "--root", root, path); err != nil {
		t.Fatalf("restore: %v", err)
	}

	var d map[string]any
	mustRunJSON(t, &d, "check", "--root", root, "--type", "reply", "--target", "status/2")
	if d["allowed"] != true {
		t.Errorf("status/2 still recorded after restore: %v", d)
	}
	d = nil
	mustRunJSON(t, &d, "check", "--root", root, "--type", "reply", "--target", "status/1")
	if d["allowed"] != false {
		t.Errorf("status/1 lost by restore: %v", d)
	}
}

func TestBackupRestoreCmds_RejectOutsidePaths(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "state.gz")

	_, err := runCLI(t, "backup", "--root", root, "--output", outside)
	if err == nil || !strings.Contains(err.Error(), "backup path rejected") {
		t.Errorf("backup outside allowed dirs: err = %v", err)
	}
	if _, statErr := os.Stat(outside); !os.IsNotExist(statErr) {
		t.Errorf("backup file was written outside allowed dirs")
	}

	_, err = runCLI(t, "restore", "--root", root, outside)
	if err == nil || !strings.Contains(err.Error(), "restore path rejected") {
		t.Errorf("restore outside allowed dirs: err = %v", err)
	}
}

func TestBuildRetentionPolicy(t *testing.T) {
	now := time.Now()

	p, err := buildRetentionPolicy(3, "", now)
	if err != nil {
		t.Fatalf("count only: %v", err)
	}
	if _, ok := p.(*backup.CountPolicy); !ok {
		t.Errorf("count only = %T", p)
	}

	p, err = buildRetentionPolicy(3, "2w", now)
	if err != nil {
		t.Fatalf("composite: %v", err)
	}
	if _, ok := p.(*backup.CompositePolicy); !ok {
		t.Errorf("both flags = %T", p)
	}

	if _, err := buildRetentionPolicy(0, "", now); err == nil {
		t.Error("expected error with no policy")
	}
	if _, err := buildRetentionPolicy(3, "soon", now); err == nil {
		t.Error("expected error for bad max-age")
	}
}
