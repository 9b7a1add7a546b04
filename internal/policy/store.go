package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/errs"
)

// Store persists rules, redaction patterns, and approval requests. It
// implements RuleSource for the Engine and also backs the HTTP management
// surface's CRUD endpoints (§6).
type Store struct {
	db *sql.DB
}

// NewStore wraps a database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var _ RuleSource = (*Store)(nil)

func dialect() goqu.DialectWrapper { return goqu.Dialect("sqlite3") }

// --- Rules ---

// CreateRule inserts a new rule and returns its generated id.
func (s *Store) CreateRule(ctx context.Context, r Rule) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	cond, err := MarshalCondition(r.Condition)
	if err != nil {
		return "", errs.New(errs.Policy, "policy.CreateRule", fmt.Errorf("marshaling condition: %w", err))
	}

	query, args, err := dialect().Insert("policy_rules").Rows(goqu.Record{
		"id":              r.ID,
		"scope_category":  nullable(r.Scope.Category),
		"scope_plugin_id": nullable(r.Scope.PluginID),
		"action":          string(r.Action),
		"condition":       cond,
		"description":     nullable(r.Description),
		"priority":        r.Priority,
		"enabled":         boolToInt(r.Enabled),
		"created_at":      r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      r.UpdatedAt.Format(time.RFC3339Nano),
	}).Prepared(true).ToSQL()
	if err != nil {
		return "", errs.New(errs.Internal, "policy.CreateRule", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", errs.New(errs.Store, "policy.CreateRule", err)
	}
	return r.ID, nil
}

// UpdateRule overwrites an existing rule by id.
func (s *Store) UpdateRule(ctx context.Context, r Rule) error {
	cond, err := MarshalCondition(r.Condition)
	if err != nil {
		return errs.New(errs.Policy, "policy.UpdateRule", fmt.Errorf("marshaling condition: %w", err))
	}
	r.UpdatedAt = time.Now().UTC()

	query, args, err := dialect().Update("policy_rules").Set(goqu.Record{
		"scope_category":  nullable(r.Scope.Category),
		"scope_plugin_id": nullable(r.Scope.PluginID),
		"action":          string(r.Action),
		"condition":       cond,
		"description":     nullable(r.Description),
		"priority":        r.Priority,
		"enabled":         boolToInt(r.Enabled),
		"updated_at":      r.UpdatedAt.Format(time.RFC3339Nano),
	}).Where(goqu.Ex{"id": r.ID}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "policy.UpdateRule", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.Store, "policy.UpdateRule", err)
	}
	return checkRowsAffected(res, "policy.UpdateRule")
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	query, args, err := dialect().Delete("policy_rules").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "policy.DeleteRule", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.Store, "policy.DeleteRule", err)
	}
	return checkRowsAffected(res, "policy.DeleteRule")
}

// GetRule fetches a single rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (Rule, error) {
	query, args, err := ruleColumns(dialect().From("policy_rules")).Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return Rule{}, errs.New(errs.Internal, "policy.GetRule", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, errs.New(errs.Store, "policy.GetRule", errs.ErrNotFound)
	}
	if err != nil {
		return Rule{}, errs.New(errs.Store, "policy.GetRule", err)
	}
	return r, nil
}

// ListRules returns every rule, regardless of enabled state; callers that
// need the scoped/enabled/sorted view should go through Engine.Decide.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	query, args, err := ruleColumns(dialect().From("policy_rules")).Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "policy.ListRules", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "policy.ListRules", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errs.New(errs.Store, "policy.ListRules", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func ruleColumns(sel *goqu.SelectDataset) *goqu.SelectDataset {
	return sel.Select("id", "scope_category", "scope_plugin_id", "action", "condition",
		"description", "priority", "enabled", "created_at", "updated_at")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var (
		r                              Rule
		scopeCategory, scopePluginID   sql.NullString
		description, condRaw          sql.NullString
		action                         string
		enabled                        int
		createdAt, updatedAt           string
	)
	if err := row.Scan(&r.ID, &scopeCategory, &scopePluginID, &action, &condRaw,
		&description, &r.Priority, &enabled, &createdAt, &updatedAt); err != nil {
		return Rule{}, err
	}

	r.Scope = Scope{Category: scopeCategory.String, PluginID: scopePluginID.String}
	r.Action = Action(action)
	r.Description = description.String
	r.Enabled = enabled != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	cond, err := UnmarshalCondition(condRaw.String)
	if err != nil {
		return Rule{}, fmt.Errorf("unmarshaling condition for rule %s: %w", r.ID, err)
	}
	r.Condition = cond

	return r, nil
}

// --- Redaction patterns ---

// CreateRedactionPattern inserts a new pattern.
func (s *Store) CreateRedactionPattern(ctx context.Context, p RedactionPattern) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Replacement == "" {
		p.Replacement = "[REDACTED]"
	}
	p.CreatedAt = time.Now().UTC()

	query, args, err := dialect().Insert("redaction_patterns").Rows(goqu.Record{
		"id":          p.ID,
		"name":        p.Name,
		"regex":       p.Regex,
		"replacement": p.Replacement,
		"enabled":     boolToInt(p.Enabled),
		"created_at":  p.CreatedAt.Format(time.RFC3339Nano),
	}).Prepared(true).ToSQL()
	if err != nil {
		return "", errs.New(errs.Internal, "policy.CreateRedactionPattern", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", errs.New(errs.Store, "policy.CreateRedactionPattern", err)
	}
	return p.ID, nil
}

// UpdateRedactionPattern overwrites an existing pattern by id.
func (s *Store) UpdateRedactionPattern(ctx context.Context, p RedactionPattern) error {
	query, args, err := dialect().Update("redaction_patterns").Set(goqu.Record{
		"name":        p.Name,
		"regex":       p.Regex,
		"replacement": p.Replacement,
		"enabled":     boolToInt(p.Enabled),
	}).Where(goqu.Ex{"id": p.ID}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "policy.UpdateRedactionPattern", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.Store, "policy.UpdateRedactionPattern", err)
	}
	return checkRowsAffected(res, "policy.UpdateRedactionPattern")
}

// DeleteRedactionPattern removes a pattern by id.
func (s *Store) DeleteRedactionPattern(ctx context.Context, id string) error {
	query, args, err := dialect().Delete("redaction_patterns").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "policy.DeleteRedactionPattern", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.Store, "policy.DeleteRedactionPattern", err)
	}
	return checkRowsAffected(res, "policy.DeleteRedactionPattern")
}

// ListRedactionPatterns returns every pattern.
func (s *Store) ListRedactionPatterns(ctx context.Context) ([]RedactionPattern, error) {
	query, args, err := dialect().From("redaction_patterns").
		Select("id", "name", "regex", "replacement", "enabled", "created_at").Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "policy.ListRedactionPatterns", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "policy.ListRedactionPatterns", err)
	}
	defer rows.Close()

	var out []RedactionPattern
	for rows.Next() {
		var p RedactionPattern
		var enabled int
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Regex, &p.Replacement, &enabled, &createdAt); err != nil {
			return nil, errs.New(errs.Store, "policy.ListRedactionPatterns", err)
		}
		p.Enabled = enabled != 0
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Approval requests ---

// CreateApprovalRequest inserts a new pending approval request.
func (s *Store) CreateApprovalRequest(ctx context.Context, r ApprovalRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	if r.Status == "" {
		r.Status = ApprovalPending
	}

	argsJSON, err := json.Marshal(r.Args)
	if err != nil {
		return errs.New(errs.Internal, "policy.CreateApprovalRequest", err)
	}

	query, args, err := dialect().Insert("approval_requests").Rows(goqu.Record{
		"id":         r.ID,
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		"plugin_id":  r.PluginID,
		"tool_name":  r.ToolName,
		"args":       string(argsJSON),
		"rule_id":    r.RuleID,
		"status":     string(r.Status),
	}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "policy.CreateApprovalRequest", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "policy.CreateApprovalRequest", err)
	}
	return nil
}

// GetApprovalRequest fetches a single approval request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id string) (ApprovalRequest, error) {
	query, args, err := approvalColumns(dialect().From("approval_requests")).Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return ApprovalRequest{}, errs.New(errs.Internal, "policy.GetApprovalRequest", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	r, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRequest{}, errs.New(errs.Store, "policy.GetApprovalRequest", errs.ErrNotFound)
	}
	if err != nil {
		return ApprovalRequest{}, errs.New(errs.Store, "policy.GetApprovalRequest", err)
	}
	return r, nil
}

// ListApprovalRequests returns every approval request, most recent first.
func (s *Store) ListApprovalRequests(ctx context.Context) ([]ApprovalRequest, error) {
	query, args, err := approvalColumns(dialect().From("approval_requests")).Order(goqu.I("created_at").Desc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "policy.ListApprovalRequests", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "policy.ListApprovalRequests", err)
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, errs.New(errs.Store, "policy.ListApprovalRequests", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveApprovalRequest transitions a pending request to approved or
// denied. The transition is monotonic (spec §3): resolving an already
// resolved request is a PolicyError, not a silent overwrite.
func (s *Store) ResolveApprovalRequest(ctx context.Context, id string, status ApprovalStatus, approvedArgs map[string]any) error {
	current, err := s.GetApprovalRequest(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != ApprovalPending {
		return errs.New(errs.Policy, "policy.ResolveApprovalRequest", fmt.Errorf("approval request %s already resolved as %s", id, current.Status))
	}

	var approvedArgsJSON sql.NullString
	if approvedArgs != nil {
		b, err := json.Marshal(approvedArgs)
		if err != nil {
			return errs.New(errs.Internal, "policy.ResolveApprovalRequest", err)
		}
		approvedArgsJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query, args, err := dialect().Update("approval_requests").Set(goqu.Record{
		"status":        string(status),
		"approved_args": approvedArgsJSON,
		"resolved_at":   now,
	}).Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "policy.ResolveApprovalRequest", err)
	}
	res, execErr := s.db.ExecContext(ctx, query, args...)
	if execErr != nil {
		return errs.New(errs.Store, "policy.ResolveApprovalRequest", execErr)
	}
	return checkRowsAffected(res, "policy.ResolveApprovalRequest")
}

func approvalColumns(sel *goqu.SelectDataset) *goqu.SelectDataset {
	return sel.Select("id", "created_at", "plugin_id", "tool_name", "args", "rule_id",
		"status", "approved_args", "resolved_at")
}

func scanApproval(row rowScanner) (ApprovalRequest, error) {
	var (
		r                       ApprovalRequest
		createdAt               string
		argsRaw                 string
		status                  string
		approvedArgsRaw         sql.NullString
		resolvedAt              sql.NullString
	)
	if err := row.Scan(&r.ID, &createdAt, &r.PluginID, &r.ToolName, &argsRaw, &r.RuleID,
		&status, &approvedArgsRaw, &resolvedAt); err != nil {
		return ApprovalRequest{}, err
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.Status = ApprovalStatus(status)
	_ = json.Unmarshal([]byte(argsRaw), &r.Args)

	if approvedArgsRaw.Valid {
		var m map[string]any
		_ = json.Unmarshal([]byte(approvedArgsRaw.String), &m)
		r.ApprovedArgs = m
	}
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		r.ResolvedAt = &t
	}

	return r, nil
}

// --- helpers ---

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.New(errs.Store, op, err)
	}
	if n == 0 {
		return errs.New(errs.Store, op, errs.ErrNotFound)
	}
	return nil
}
