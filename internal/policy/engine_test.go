package policy

import (
	"context"
	"log/slog"
	"testing"
)

type fakeSource struct {
	rules      []Rule
	patterns   []RedactionPattern
	approvals  []ApprovalRequest
}

func (f *fakeSource) ListRules(ctx context.Context) ([]Rule, error) { return f.rules, nil }
func (f *fakeSource) ListRedactionPatterns(ctx context.Context) ([]RedactionPattern, error) {
	return f.patterns, nil
}
func (f *fakeSource) CreateApprovalRequest(ctx context.Context, r ApprovalRequest) error {
	f.approvals = append(f.approvals, r)
	return nil
}

func TestDecide_DefaultActionFailsClosed(t *testing.T) {
	src := &fakeSource{}
	e := NewEngine(src, slog.Default(), "")

	d, err := e.Decide(context.Background(), Context{Tool: "send_email"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != ActionBlock {
		t.Errorf("Action = %q, want %q when no rule matches", d.Action, ActionBlock)
	}
}

func TestDecide_HigherPriorityRuleWinsRegardlessOfOrder(t *testing.T) {
	low := Rule{ID: "b-rule", Enabled: true, Priority: 1, Action: ActionAllow, Condition: Lit(true)}
	high := Rule{ID: "a-rule", Enabled: true, Priority: 10, Action: ActionBlock, Condition: Lit(true)}
	// Insert low-priority rule first to confirm sort, not insertion order, decides.
	src := &fakeSource{rules: []Rule{low, high}}
	e := NewEngine(src, slog.Default(), "")

	d, err := e.Decide(context.Background(), Context{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.MatchedRuleID != "a-rule" {
		t.Errorf("MatchedRuleID = %q, want the higher-priority rule a-rule", d.MatchedRuleID)
	}
	if d.Action != ActionBlock {
		t.Errorf("Action = %q, want %q", d.Action, ActionBlock)
	}
}

func TestDecide_TiesBrokenByIDAscending(t *testing.T) {
	ruleZ := Rule{ID: "z", Enabled: true, Priority: 5, Action: ActionAllow, Condition: Lit(true)}
	ruleA := Rule{ID: "a", Enabled: true, Priority: 5, Action: ActionBlock, Condition: Lit(true)}
	src := &fakeSource{rules: []Rule{ruleZ, ruleA}}
	e := NewEngine(src, slog.Default(), "")

	d, err := e.Decide(context.Background(), Context{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.MatchedRuleID != "a" {
		t.Errorf("MatchedRuleID = %q, want the lexicographically-first id \"a\" on a priority tie", d.MatchedRuleID)
	}
}

func TestDecide_DisabledRulesAreSkipped(t *testing.T) {
	disabled := Rule{ID: "disabled", Enabled: false, Priority: 100, Action: ActionBlock, Condition: Lit(true)}
	src := &fakeSource{rules: []Rule{disabled}}
	e := NewEngine(src, slog.Default(), "")

	d, err := e.Decide(context.Background(), Context{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != DefaultAction {
		t.Errorf("Action = %q, want default action %q when the only matching rule is disabled", d.Action, DefaultAction)
	}
}

func TestDecide_ScopeMatching(t *testing.T) {
	scoped := Rule{ID: "gmail-only", Enabled: true, Priority: 1, Action: ActionBlock, Condition: Lit(true), Scope: Scope{PluginID: "gmail"}}
	src := &fakeSource{rules: []Rule{scoped}}
	e := NewEngine(src, slog.Default(), "")

	d, err := e.Decide(context.Background(), Context{Plugin: "outlook"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.MatchedRuleID == "gmail-only" {
		t.Error("a plugin-scoped rule should not match a different plugin")
	}

	d2, err := e.Decide(context.Background(), Context{Plugin: "gmail"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d2.MatchedRuleID != "gmail-only" {
		t.Error("a plugin-scoped rule should match its own plugin")
	}
}

func TestDecide_RequireApprovalFilesRequest(t *testing.T) {
	rule := Rule{ID: "needs-approval", Enabled: true, Priority: 1, Action: ActionRequireApproval, Condition: Lit(true)}
	src := &fakeSource{rules: []Rule{rule}}
	e := NewEngine(src, slog.Default(), "")

	d, err := e.Decide(context.Background(), Context{Tool: "send_email", Plugin: "gmail"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != ActionRequireApproval {
		t.Fatalf("Action = %q, want %q", d.Action, ActionRequireApproval)
	}
	if d.ApprovalID == "" {
		t.Error("a REQUIRE_APPROVAL decision should carry a filed ApprovalID")
	}
	if len(src.approvals) != 1 {
		t.Fatalf("approvals filed = %d, want 1", len(src.approvals))
	}
	if src.approvals[0].RuleID != "needs-approval" {
		t.Errorf("filed approval RuleID = %q, want %q", src.approvals[0].RuleID, "needs-approval")
	}
}

func TestRedact_ReplacesMatchingStringsAndReportsPaths(t *testing.T) {
	src := &fakeSource{patterns: []RedactionPattern{
		{ID: "p1", Name: "ssn", Regex: `\d{3}-\d{2}-\d{4}`, Replacement: "[SSN]", Enabled: true},
		{ID: "p2", Name: "disabled", Regex: `.*`, Replacement: "[ALL]", Enabled: false},
	}}
	e := NewEngine(src, slog.Default(), "")

	value := map[string]any{
		"body":    "call me at 123-45-6789 please",
		"subject": "hello",
		"nested":  map[string]any{"note": "ssn is 987-65-4321"},
	}
	result, changed, err := e.Redact(context.Background(), value)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}

	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map[string]any", result)
	}
	if out["body"] != "call me at [SSN] please" {
		t.Errorf("body = %q, want redacted", out["body"])
	}
	if out["subject"] != "hello" {
		t.Errorf("subject = %q, should not be touched by an unmatched pattern", out["subject"])
	}
	if len(changed) != 2 {
		t.Errorf("changed paths = %v, want 2 entries (body, nested.note)", changed)
	}
}

func TestRedact_SkipsInvalidPatternsWithoutFailing(t *testing.T) {
	src := &fakeSource{patterns: []RedactionPattern{
		{ID: "bad", Name: "broken", Regex: "(unterminated", Enabled: true},
	}}
	e := NewEngine(src, slog.Default(), "")

	result, changed, err := e.Redact(context.Background(), map[string]any{"a": "b"})
	if err != nil {
		t.Fatalf("Redact should not fail on an invalid pattern, got: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("changed = %v, want none since the only pattern is invalid", changed)
	}
	if result.(map[string]any)["a"] != "b" {
		t.Error("value should pass through untouched")
	}
}
