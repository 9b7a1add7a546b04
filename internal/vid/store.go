package vid

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/trustgate/trustgate/internal/errs"
)

// Store is the durable table behind the virtual-id manager: unique
// constraint (kind, realAccountId, providerEntityId) and unique virtualId
// (spec §4.2). SQLite treats NULL as distinct from any other NULL in a
// UNIQUE index, so account-kind rows (which have no providerEntityId) use
// the empty string as the "absent" sentinel rather than NULL, keeping the
// uniqueness constraint meaningful for that kind too.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func dialect() goqu.DialectWrapper { return goqu.Dialect("sqlite3") }

// Insert attempts to create a new mapping row. Returns
// errs.ErrConstraintViolation (wrapped in a *errs.Error of Kind Store) if
// the (kind, realAccountId, providerEntityId) tuple already exists, so the
// caller can perform the read-back half of the insert-or-read-back
// sequence.
func (s *Store) Insert(ctx context.Context, m Mapping) error {
	query, args, err := dialect().Insert("virtual_id_mappings").Rows(goqu.Record{
		"virtual_id":         m.VirtualID,
		"kind":               string(m.Kind),
		"real_account_id":    m.RealAccountID,
		"provider_entity_id": m.ProviderEntityID,
		"created_at":         m.CreatedAt.Format(time.RFC3339Nano),
	}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "vid.Insert", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.Store, "vid.Insert", errs.ErrConstraintViolation)
		}
		return errs.New(errs.Store, "vid.Insert", err)
	}
	return nil
}

// FindByReverse reads back the existing mapping for (kind, realAccountId,
// providerEntityId) — the read-back half of insert-or-read-back.
func (s *Store) FindByReverse(ctx context.Context, kind Kind, realAccountID, providerEntityID string) (Mapping, bool, error) {
	query, args, err := dialect().From("virtual_id_mappings").
		Select("virtual_id", "kind", "real_account_id", "provider_entity_id", "created_at").
		Where(goqu.Ex{"kind": string(kind), "real_account_id": realAccountID, "provider_entity_id": providerEntityID}).
		Prepared(true).ToSQL()
	if err != nil {
		return Mapping{}, false, errs.New(errs.Internal, "vid.FindByReverse", err)
	}

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, false, nil
	}
	if err != nil {
		return Mapping{}, false, errs.New(errs.Store, "vid.FindByReverse", err)
	}
	return m, true, nil
}

// FindByVirtualID reads a mapping by its virtual id.
func (s *Store) FindByVirtualID(ctx context.Context, virtualID string) (Mapping, bool, error) {
	query, args, err := dialect().From("virtual_id_mappings").
		Select("virtual_id", "kind", "real_account_id", "provider_entity_id", "created_at").
		Where(goqu.Ex{"virtual_id": virtualID}).
		Prepared(true).ToSQL()
	if err != nil {
		return Mapping{}, false, errs.New(errs.Internal, "vid.FindByVirtualID", err)
	}

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, false, nil
	}
	if err != nil {
		return Mapping{}, false, errs.New(errs.Store, "vid.FindByVirtualID", err)
	}
	return m, true, nil
}

// Exists reports whether virtualID is already allocated, used by the
// bounded-retry uniqueness check during generation.
func (s *Store) Exists(ctx context.Context, virtualID string) (bool, error) {
	_, ok, err := s.FindByVirtualID(ctx, virtualID)
	return ok, err
}

// RecentEmailMappings loads up to limit of the most recently created email
// mappings, for cache warming at startup (spec §4.2 Initialization).
func (s *Store) RecentEmailMappings(ctx context.Context, limit int) ([]Mapping, error) {
	query, args, err := dialect().From("virtual_id_mappings").
		Select("virtual_id", "kind", "real_account_id", "provider_entity_id", "created_at").
		Where(goqu.Ex{"kind": string(KindEmail)}).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "vid.RecentEmailMappings", err)
	}
	return queryMappings(ctx, s.db, query, args)
}

// AllAccountMappings loads every account-kind mapping for cache warming.
func (s *Store) AllAccountMappings(ctx context.Context) ([]Mapping, error) {
	query, args, err := dialect().From("virtual_id_mappings").
		Select("virtual_id", "kind", "real_account_id", "provider_entity_id", "created_at").
		Where(goqu.Ex{"kind": string(KindAccount)}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "vid.AllAccountMappings", err)
	}
	return queryMappings(ctx, s.db, query, args)
}

func queryMappings(ctx context.Context, db *sql.DB, query string, args []any) ([]Mapping, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "vid.queryMappings", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, errs.New(errs.Store, "vid.queryMappings", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (Mapping, error) {
	var m Mapping
	var kind, createdAt string
	if err := row.Scan(&m.VirtualID, &kind, &m.RealAccountID, &m.ProviderEntityID, &createdAt); err != nil {
		return Mapping{}, err
	}
	m.Kind = Kind(kind)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return m, nil
}

// isUniqueViolation detects SQLite's unique-constraint error text. The
// modernc.org/sqlite driver does not expose a typed error, so substring
// matching on the known constraint-failure message is the only portable
// signal short of parsing SQLite's numeric extended result code.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
