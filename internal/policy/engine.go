package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/errs"
)

// RuleSource loads the current enabled/disabled rule set and redaction
// patterns from durable storage. Implemented by this package's Store; kept
// as an interface here so Evaluate itself stays pure and storage-agnostic.
type RuleSource interface {
	ListRules(ctx context.Context) ([]Rule, error)
	ListRedactionPatterns(ctx context.Context) ([]RedactionPattern, error)
	CreateApprovalRequest(ctx context.Context, req ApprovalRequest) error
}

// DefaultAction is returned when no rule matches. Spec §1/§4.1: fail-closed,
// initial value BLOCK.
const DefaultAction = ActionBlock

// Engine evaluates policy decisions against an immutable snapshot of rules
// loaded once per request, so concurrent evaluations of distinct requests
// never contend on mutable state (spec §4.1 "safe under concurrent
// evaluation").
type Engine struct {
	source        RuleSource
	logger        *slog.Logger
	defaultAction Action
}

// NewEngine constructs an Engine. defaultAction overrides DefaultAction when
// non-empty, per the configurable default named in spec §4.1.
func NewEngine(source RuleSource, logger *slog.Logger, defaultAction Action) *Engine {
	if defaultAction == "" {
		defaultAction = DefaultAction
	}
	return &Engine{source: source, logger: logger, defaultAction: defaultAction}
}

// snapshot is the immutable, priority-sorted view of rules scoped to one
// evaluation, matching spec §4.1 steps 1-3.
type snapshot struct {
	rules []Rule
}

// loadSnapshot loads rules matching (pluginID, category), filters enabled,
// and sorts by priority descending / id ascending.
func (e *Engine) loadSnapshot(ctx context.Context, pluginID, category string) (*snapshot, error) {
	all, err := e.source.ListRules(ctx)
	if err != nil {
		return nil, errs.New(errs.Store, "policy.loadSnapshot", err)
	}

	matched := make([]Rule, 0, len(all))
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		global := r.Scope.Category == "" && r.Scope.PluginID == ""
		categoryMatch := r.Scope.Category != "" && r.Scope.Category == category
		pluginMatch := r.Scope.PluginID != "" && r.Scope.PluginID == pluginID
		if global || categoryMatch || pluginMatch {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	return &snapshot{rules: matched}, nil
}

// Decide implements the decision algorithm of spec §4.1 steps 1-5. On
// REQUIRE_APPROVAL it persists an ApprovalRequest (the one I/O step
// Evaluate's purity guarantee explicitly excludes).
func (e *Engine) Decide(ctx context.Context, evalCtx Context) (Decision, error) {
	snap, err := e.loadSnapshot(ctx, evalCtx.Plugin, evalCtx.Category)
	if err != nil {
		return Decision{}, err
	}

	for _, rule := range snap.rules {
		if !Evaluate(rule.Condition, evalCtx) {
			continue
		}

		reason := rule.Description
		if reason == "" {
			reason = rule.ID
		}
		decision := Decision{Action: rule.Action, MatchedRuleID: rule.ID, Reason: reason}

		if rule.Action == ActionRequireApproval {
			approvalID, err := e.fileApproval(ctx, evalCtx, rule.ID)
			if err != nil {
				return Decision{}, err
			}
			decision.ApprovalID = approvalID
		}

		return decision, nil
	}

	return Decision{Action: e.defaultAction, Reason: "no matching rule; default action"}, nil
}

func (e *Engine) fileApproval(ctx context.Context, evalCtx Context, ruleID string) (string, error) {
	req := ApprovalRequest{
		ID:       uuid.NewString(),
		PluginID: evalCtx.Plugin,
		ToolName: evalCtx.Tool,
		Args:     evalCtx.Args,
		RuleID:   ruleID,
		Status:   ApprovalPending,
	}
	if err := e.source.CreateApprovalRequest(ctx, req); err != nil {
		return "", errs.New(errs.Store, "policy.fileApproval", err)
	}
	return req.ID, nil
}

// Redact deep-walks value (typically tool args or a result map), replacing
// every string leaf matching an enabled pattern, and returns the
// transformed value plus the set of dotted paths whose value changed
// (spec §4.1 REDACT). Invalid regex patterns are skipped, not fatal.
func (e *Engine) Redact(ctx context.Context, value any) (any, []string, error) {
	patterns, err := e.source.ListRedactionPatterns(ctx)
	if err != nil {
		return value, nil, errs.New(errs.Store, "policy.Redact", err)
	}

	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		if !p.Enabled {
			continue
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("skipping invalid redaction pattern", "pattern", p.Name, "error", err)
			}
			continue
		}
		replacement := p.Replacement
		if replacement == "" {
			replacement = "[REDACTED]"
		}
		compiled = append(compiled, compiledPattern{re: re, replacement: replacement})
	}

	var changed []string
	result := redactWalk(value, "", compiled, &changed)
	return result, changed, nil
}

type compiledPattern struct {
	re          *regexp.Regexp
	replacement string
}

func redactWalk(v any, path string, patterns []compiledPattern, changed *[]string) any {
	switch t := v.(type) {
	case string:
		out := t
		for _, p := range patterns {
			out = p.re.ReplaceAllString(out, p.replacement)
		}
		if out != t {
			*changed = append(*changed, path)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			childPath := k
			if path != "" {
				childPath = fmt.Sprintf("%s.%s", path, k)
			}
			out[k] = redactWalk(val, childPath, patterns, changed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			out[i] = redactWalk(val, childPath, patterns, changed)
		}
		return out
	default:
		return v
	}
}
