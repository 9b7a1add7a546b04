package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/trustgate/trustgate/internal/errs"
)

// Store is the durable layer behind accounts and credentials.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func dialect() goqu.DialectWrapper { return goqu.Dialect("sqlite3") }

var accountColumns = []any{"id", "plugin_id", "email", "display_name", "is_primary", "metadata", "created_at", "updated_at"}

// InsertAccount writes a new account row.
func (s *Store) InsertAccount(ctx context.Context, a Account) error {
	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return errs.New(errs.Internal, "account.InsertAccount", err)
	}
	query, args, err := dialect().Insert("accounts").Rows(goqu.Record{
		"id":           a.ID,
		"plugin_id":    a.PluginID,
		"email":        a.Email,
		"display_name": nullable(a.DisplayName),
		"is_primary":   boolToInt(a.IsPrimary),
		"metadata":     meta,
		"created_at":   a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   a.UpdatedAt.Format(time.RFC3339Nano),
	}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.InsertAccount", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "account.InsertAccount", err)
	}
	return nil
}

// ClearPrimary and SetPrimary are issued together, inside a transaction, by
// the service layer's setPrimary/deleteAccount operations (spec §4.3: "a
// single atomic write set").

// ClearPrimaryTx clears is_primary for every account of pluginId.
func (s *Store) ClearPrimaryTx(ctx context.Context, tx *sql.Tx, pluginID string) error {
	query, args, err := dialect().Update("accounts").
		Set(goqu.Record{"is_primary": 0}).
		Where(goqu.Ex{"plugin_id": pluginID}).
		Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.ClearPrimaryTx", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "account.ClearPrimaryTx", err)
	}
	return nil
}

// SetPrimaryTx marks a single account as primary.
func (s *Store) SetPrimaryTx(ctx context.Context, tx *sql.Tx, id string, updatedAt time.Time) error {
	query, args, err := dialect().Update("accounts").
		Set(goqu.Record{"is_primary": 1, "updated_at": updatedAt.Format(time.RFC3339Nano)}).
		Where(goqu.Ex{"id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.SetPrimaryTx", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.Store, "account.SetPrimaryTx", err)
	}
	return checkRowsAffected(res, "account.SetPrimaryTx")
}

// DeleteAccountTx removes the account row and every credential bound to it,
// deleting the credentials explicitly rather than relying on the schema's
// foreign-key cascade, which SQLite only enforces when foreign keys are on.
func (s *Store) DeleteAccountTx(ctx context.Context, tx *sql.Tx, id string) error {
	credQuery, credArgs, err := dialect().Delete("credentials").Where(goqu.Ex{"account_id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.DeleteAccountTx", err)
	}
	if _, err := tx.ExecContext(ctx, credQuery, credArgs...); err != nil {
		return errs.New(errs.Store, "account.DeleteAccountTx", err)
	}
	query, args, err := dialect().Delete("accounts").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.DeleteAccountTx", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "account.DeleteAccountTx", err)
	}
	return nil
}

// GetAccount fetches a single account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	query, args, err := dialect().From("accounts").Select(accountColumns...).
		Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return Account{}, errs.New(errs.Internal, "account.GetAccount", err)
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, errs.New(errs.Store, "account.GetAccount", errs.ErrNotFound)
	}
	if err != nil {
		return Account{}, errs.New(errs.Store, "account.GetAccount", err)
	}
	return a, nil
}

// GetPrimary fetches the primary account for pluginID, if any.
func (s *Store) GetPrimary(ctx context.Context, pluginID string) (Account, bool, error) {
	query, args, err := dialect().From("accounts").Select(accountColumns...).
		Where(goqu.Ex{"plugin_id": pluginID, "is_primary": 1}).Prepared(true).ToSQL()
	if err != nil {
		return Account{}, false, errs.New(errs.Internal, "account.GetPrimary", err)
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, errs.New(errs.Store, "account.GetPrimary", err)
	}
	return a, true, nil
}

// ListAccounts returns accounts for pluginID (all accounts if pluginID is
// empty), ordered deterministically by created_at then id.
func (s *Store) ListAccounts(ctx context.Context, pluginID string) ([]Account, error) {
	ds := dialect().From("accounts").Select(accountColumns...)
	if pluginID != "" {
		ds = ds.Where(goqu.Ex{"plugin_id": pluginID})
	}
	query, args, err := ds.Order(goqu.I("created_at").Asc(), goqu.I("id").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, errs.New(errs.Internal, "account.ListAccounts", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "account.ListAccounts", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errs.New(errs.Store, "account.ListAccounts", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FirstSurviving returns the deterministically-first remaining account for
// pluginID (ordered by created_at then id), used to pick the promotion
// target after the primary is deleted.
func (s *Store) FirstSurviving(ctx context.Context, pluginID string) (Account, bool, error) {
	query, args, err := dialect().From("accounts").Select(accountColumns...).
		Where(goqu.Ex{"plugin_id": pluginID}).
		Order(goqu.I("created_at").Asc(), goqu.I("id").Asc()).
		Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return Account{}, false, errs.New(errs.Internal, "account.FirstSurviving", err)
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, errs.New(errs.Store, "account.FirstSurviving", err)
	}
	return a, true, nil
}

// CountByPlugin reports how many accounts already exist for pluginID,
// used to decide whether a newly-created account becomes primary.
func (s *Store) CountByPlugin(ctx context.Context, pluginID string) (int, error) {
	query, args, err := dialect().From("accounts").Select(goqu.COUNT("*")).
		Where(goqu.Ex{"plugin_id": pluginID}).Prepared(true).ToSQL()
	if err != nil {
		return 0, errs.New(errs.Internal, "account.CountByPlugin", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errs.New(errs.Store, "account.CountByPlugin", err)
	}
	return n, nil
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var displayName, metadata sql.NullString
	var isPrimary int
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.PluginID, &a.Email, &displayName, &isPrimary, &metadata, &createdAt, &updatedAt); err != nil {
		return Account{}, err
	}
	a.DisplayName = displayName.String
	a.IsPrimary = isPrimary != 0
	a.Metadata, _ = unmarshalMetadata(metadata.String)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return a, nil
}

// --- Credentials ---

var credentialColumns = []any{"id", "account_id", "plugin_id", "type", "cipher_blob", "created_at", "updated_at"}

// InsertCredential writes a new credential row.
func (s *Store) InsertCredential(ctx context.Context, c Credential) error {
	query, args, err := dialect().Insert("credentials").Rows(goqu.Record{
		"id":          c.ID,
		"account_id":  nullable(c.AccountID),
		"plugin_id":   c.PluginID,
		"type":        string(c.Type),
		"cipher_blob": c.CipherBlob,
		"created_at":  c.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  c.UpdatedAt.Format(time.RFC3339Nano),
	}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.InsertCredential", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "account.InsertCredential", err)
	}
	return nil
}

// UpdateCredential overwrites the cipher blob and type for a credential.
func (s *Store) UpdateCredential(ctx context.Context, id string, cipherBlob string, credType CredentialType, updatedAt time.Time) error {
	query, args, err := dialect().Update("credentials").
		Set(goqu.Record{"cipher_blob": cipherBlob, "type": string(credType), "updated_at": updatedAt.Format(time.RFC3339Nano)}).
		Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.UpdateCredential", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.New(errs.Store, "account.UpdateCredential", err)
	}
	return checkRowsAffected(res, "account.UpdateCredential")
}

// DeleteCredential removes a credential row by id.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	query, args, err := dialect().Delete("credentials").Where(goqu.Ex{"id": id}).Prepared(true).ToSQL()
	if err != nil {
		return errs.New(errs.Internal, "account.DeleteCredential", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Store, "account.DeleteCredential", err)
	}
	return nil
}

// GetCredentialByAccount fetches the credential bound to accountID.
func (s *Store) GetCredentialByAccount(ctx context.Context, accountID string) (Credential, bool, error) {
	query, args, err := dialect().From("credentials").Select(credentialColumns...).
		Where(goqu.Ex{"account_id": accountID}).Prepared(true).ToSQL()
	if err != nil {
		return Credential{}, false, errs.New(errs.Internal, "account.GetCredentialByAccount", err)
	}
	c, err := scanCredential(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, errs.New(errs.Store, "account.GetCredentialByAccount", err)
	}
	return c, true, nil
}

// GetOrphanCredential fetches the account-less compatibility credential for
// pluginID, if one was ever stored (spec §4.3: "accountId=null").
func (s *Store) GetOrphanCredential(ctx context.Context, pluginID string) (Credential, bool, error) {
	query, args, err := dialect().From("credentials").Select(credentialColumns...).
		Where(goqu.Ex{"plugin_id": pluginID, "account_id": nil}).Prepared(true).ToSQL()
	if err != nil {
		return Credential{}, false, errs.New(errs.Internal, "account.GetOrphanCredential", err)
	}
	c, err := scanCredential(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, errs.New(errs.Store, "account.GetOrphanCredential", err)
	}
	return c, true, nil
}

func scanCredential(row rowScanner) (Credential, error) {
	var c Credential
	var accountID sql.NullString
	var credType, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &accountID, &c.PluginID, &credType, &c.CipherBlob, &createdAt, &updatedAt); err != nil {
		return Credential{}, err
	}
	c.AccountID = accountID.String
	c.Type = CredentialType(credType)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
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

func marshalMetadata(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
