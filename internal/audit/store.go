package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/trustgate/trustgate/internal/errs"
)

// Store is the durable layer behind audit entries, keyed by ulid so
// lexical and chronological order agree without a secondary index.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func dialect() goqu.DialectWrapper { return goqu.Dialect("sqlite3") }

var entryColumns = []any{
	"id", "timestamp", "agent_name", "agent_version", "plugin_id", "tool_name",
	"input_args", "decision_action", "decision_rule_id", "decision_redacted_fields",
	"decision_reason", "status", "error_message", "execution_time_ms", "data_summary", "metadata",
}

// NewID mints a time-ordered id for a fresh entry.
func NewID() string { return ulid.Make().String() }

// InsertBatch writes entries inside a single transaction, matching the
// teacher's batched-flush shape (internal/audit/audit.go's flush).
func (s *Store) InsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Store, "audit.InsertBatch", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := s.insertTx(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Store, "audit.InsertBatch", err)
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	inputArgs, err := marshalJSON(e.InputArgs)
	if err != nil {
		return errs.New(errs.Internal, "audit.insertTx", err)
	}
	redacted, err := marshalJSON(e.Decision.RedactedFields)
	if err != nil {
		return errs.New(errs.Internal, "audit.insertTx", err)
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return errs.New(errs.Internal, "audit.insertTx", err)
	}

	query, args, err := dialect().Insert("audit_entries").Rows(goqu.Record{
		"id":                       e.ID,
		"timestamp":                e.Timestamp.Format(time.RFC3339Nano),
		"agent_name":               e.AgentName,
		"agent_version":            nullable(e.AgentVersion),
		"plugin_id":                e.PluginID,
		"tool_name":                e.ToolName,
		"input_args":               inputArgs,
		"decision_action":          e.Decision.Action,
		"decision_rule_id":         nullable(e.Decision.RuleID),
		"decision_redacted_fields": redacted,
		"decision_reason":          nullable(e.Decision.Reason),
		"status":                   string(e.Status),
		"error_message":            nullable(e.ErrorMessage),
		"execution_time_ms":        e.ExecutionTimeMs,
		"data_summary":             nullable(e.DataSummary),
		"metadata":                 metadata,
	}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "audit.insertTx", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "audit.insertTx", err)
	}
	return nil
}

// Query returns entries matching filter, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	ds := dialect().From("audit_entries").Select(entryColumns...)
	ds = applyFilter(ds, f)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query, args, err := ds.Order(goqu.I("timestamp").Desc()).
		Limit(uint(limit)).Offset(uint(f.Offset)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "audit.Query", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "audit.Query", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errs.New(errs.Store, "audit.Query", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count reports how many entries match filter (ignoring Limit/Offset).
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	ds := dialect().From("audit_entries").Select(goqu.COUNT("*"))
	ds = applyFilter(ds, f)
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, errs.New(errs.Internal, "audit.Count", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errs.New(errs.Store, "audit.Count", err)
	}
	return n, nil
}

// GetByID fetches a single entry.
func (s *Store) GetByID(ctx context.Context, id string) (Entry, error) {
	query, args, err := dialect().From("audit_entries").Select(entryColumns...).
		Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return Entry{}, errs.New(errs.Internal, "audit.GetByID", err)
	}
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return Entry{}, errs.New(errs.Store, "audit.GetByID", errs.ErrNotFound)
	}
	if err != nil {
		return Entry{}, errs.New(errs.Store, "audit.GetByID", err)
	}
	return e, nil
}

// GetStats aggregates counts by action, status, plugin, and agent over
// the window [since, until) (spec §4.7).
func (s *Store) GetStats(ctx context.Context, since, until time.Time) (Stats, error) {
	ds := dialect().From("audit_entries").Select("decision_action", "status", "plugin_id", "agent_name")
	if !since.IsZero() {
		ds = ds.Where(goqu.C("timestamp").Gte(since.Format(time.RFC3339Nano)))
	}
	if !until.IsZero() {
		ds = ds.Where(goqu.C("timestamp").Lt(until.Format(time.RFC3339Nano)))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return Stats{}, errs.New(errs.Internal, "audit.GetStats", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, errs.New(errs.Store, "audit.GetStats", err)
	}
	defer rows.Close()

	stats := Stats{ByAction: map[string]int{}, ByStatus: map[string]int{}, ByPlugin: map[string]int{}, ByAgent: map[string]int{}}
	for rows.Next() {
		var action, status, pluginID, agentName string
		if err := rows.Scan(&action, &status, &pluginID, &agentName); err != nil {
			return Stats{}, errs.New(errs.Store, "audit.GetStats", err)
		}
		stats.Total++
		stats.ByAction[action]++
		stats.ByStatus[status]++
		stats.ByPlugin[pluginID]++
		stats.ByAgent[agentName]++
	}
	return stats, rows.Err()
}

// Cleanup removes entries older than the retention cutoff (spec §4.7).
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	query, args, err := dialect().Delete("audit_entries").
		Where(goqu.C("timestamp").Lt(cutoff.Format(time.RFC3339Nano))).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, errs.New(errs.Internal, "audit.Cleanup", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.New(errs.Store, "audit.Cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New(errs.Store, "audit.Cleanup", err)
	}
	return n, nil
}

func applyFilter(ds *goqu.SelectDataset, f Filter) *goqu.SelectDataset {
	if f.PluginID != "" {
		ds = ds.Where(goqu.Ex{"plugin_id": f.PluginID})
	}
	if f.AgentName != "" {
		ds = ds.Where(goqu.Ex{"agent_name": f.AgentName})
	}
	if f.Status != "" {
		ds = ds.Where(goqu.Ex{"status": string(f.Status)})
	}
	if f.Action != "" {
		ds = ds.Where(goqu.Ex{"decision_action": f.Action})
	}
	if !f.Since.IsZero() {
		ds = ds.Where(goqu.C("timestamp").Gte(f.Since.Format(time.RFC3339Nano)))
	}
	if !f.Until.IsZero() {
		ds = ds.Where(goqu.C("timestamp").Lt(f.Until.Format(time.RFC3339Nano)))
	}
	return ds
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var agentVersion, ruleID, reason, errMsg, dataSummary sql.NullString
	var redactedFields, metadata, inputArgs sql.NullString
	var timestamp string

	if err := row.Scan(
		&e.ID, &timestamp, &e.AgentName, &agentVersion, &e.PluginID, &e.ToolName,
		&inputArgs, &e.Decision.Action, &ruleID, &redactedFields, &reason,
		&e.Status, &errMsg, &e.ExecutionTimeMs, &dataSummary, &metadata,
	); err != nil {
		return Entry{}, err
	}

	e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	e.AgentVersion = agentVersion.String
	e.Decision.RuleID = ruleID.String
	e.Decision.Reason = reason.String
	e.ErrorMessage = errMsg.String
	e.DataSummary = dataSummary.String
	e.InputArgs, _ = unmarshalMap(inputArgs.String)
	e.Metadata, _ = unmarshalMap(metadata.String)
	if redactedFields.Valid {
		_ = json.Unmarshal([]byte(redactedFields.String), &e.Decision.RedactedFields)
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
