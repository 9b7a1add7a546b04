package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/errs"
)

// Service implements the Credential Store operations of spec §4.3 on top of
// Store (durable rows) and crypto.Box (encryption at rest).
type Service struct {
	store *Store
	db    *sql.DB
	box   *crypto.Box
}

func NewService(store *Store, db *sql.DB, box *crypto.Box) *Service {
	return &Service{store: store, db: db, box: box}
}

// CreateAccount creates a new account, marking it primary if it is the
// first account for pluginID (spec §4.3/§3).
func (s *Service) CreateAccount(ctx context.Context, pluginID, email, displayName string, metadata map[string]any) (Account, error) {
	count, err := s.store.CountByPlugin(ctx, pluginID)
	if err != nil {
		return Account{}, err
	}
	now := time.Now().UTC()
	a := Account{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		Email:       email,
		DisplayName: displayName,
		IsPrimary:   count == 0,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertAccount(ctx, a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// SetPrimary clears is_primary across every account of the target's plugin
// and sets it on id, as a single atomic write set.
func (s *Service) SetPrimary(ctx context.Context, id string) error {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Store, "account.SetPrimary", err)
	}
	defer tx.Rollback()

	if err := s.store.ClearPrimaryTx(ctx, tx, a.PluginID); err != nil {
		return err
	}
	if err := s.store.SetPrimaryTx(ctx, tx, id, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Store, "account.SetPrimary", err)
	}
	return nil
}

// DeleteAccount removes the account (cascading its credential), promoting
// the deterministically-first surviving sibling to primary if the deleted
// account was primary and siblings remain.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Store, "account.DeleteAccount", err)
	}
	defer tx.Rollback()

	if err := s.store.DeleteAccountTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Store, "account.DeleteAccount", err)
	}

	if a.IsPrimary {
		successor, ok, err := s.store.FirstSurviving(ctx, a.PluginID)
		if err != nil {
			return err
		}
		if ok {
			return s.SetPrimary(ctx, successor.ID)
		}
	}
	return nil
}

// ListAccounts returns accounts for pluginID, or all accounts if empty.
func (s *Service) ListAccounts(ctx context.Context, pluginID string) ([]Account, error) {
	return s.store.ListAccounts(ctx, pluginID)
}

// GetAccount fetches a single account.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetPrimary fetches the primary account for pluginID.
func (s *Service) GetPrimary(ctx context.Context, pluginID string) (Account, bool, error) {
	return s.store.GetPrimary(ctx, pluginID)
}

// StoreCredentials encrypts data and binds it to accountID: a credential
// already bound to the account is overwritten in place, otherwise a new row
// is written (accountID may be empty for the legacy compatibility path,
// which always writes a new row).
func (s *Service) StoreCredentials(ctx context.Context, accountID, pluginID string, credType CredentialType, data CredentialData) (Credential, error) {
	blob, err := s.seal(data)
	if err != nil {
		return Credential{}, err
	}
	now := time.Now().UTC()
	if accountID != "" {
		existing, ok, err := s.store.GetCredentialByAccount(ctx, accountID)
		if err != nil {
			return Credential{}, err
		}
		if ok {
			if err := s.store.UpdateCredential(ctx, existing.ID, blob, credType, now); err != nil {
				return Credential{}, err
			}
			existing.Type, existing.CipherBlob, existing.UpdatedAt = credType, blob, now
			return existing, nil
		}
	}
	c := Credential{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		PluginID:   pluginID,
		Type:       credType,
		CipherBlob: blob,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertCredential(ctx, c); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// GetCredentials resolves the live credential data for accountID: primary
// lookup by account id, falling back to the plugin's orphan credential if
// accountID is empty or no credential is bound to it (spec §4.3: "the
// legacy read path prefers primary-account credentials and falls back to
// this orphan").
func (s *Service) GetCredentials(ctx context.Context, accountID, pluginID string) (CredentialData, error) {
	var (
		c  Credential
		ok bool
		err error
	)
	if accountID != "" {
		c, ok, err = s.store.GetCredentialByAccount(ctx, accountID)
	}
	if err != nil {
		return CredentialData{}, err
	}
	if !ok {
		c, ok, err = s.store.GetOrphanCredential(ctx, pluginID)
		if err != nil {
			return CredentialData{}, err
		}
	}
	if !ok {
		return CredentialData{}, errs.New(errs.Store, "account.GetCredentials", errs.ErrNotFound)
	}
	return s.unseal(c.CipherBlob)
}

// UpdateCredentials re-encrypts and overwrites an existing credential's
// payload (e.g. after an OAuth refresh-token rotation).
func (s *Service) UpdateCredentials(ctx context.Context, credentialID string, credType CredentialType, data CredentialData) error {
	blob, err := s.seal(data)
	if err != nil {
		return err
	}
	return s.store.UpdateCredential(ctx, credentialID, blob, credType, time.Now().UTC())
}

// DeleteCredentials removes a credential row outright.
func (s *Service) DeleteCredentials(ctx context.Context, credentialID string) error {
	return s.store.DeleteCredential(ctx, credentialID)
}

// LiveAccount composes an Account and its decrypted credential data, the
// shape the Universal Router delegates to provider backends (spec §4.4).
func (s *Service) LiveAccount(ctx context.Context, accountID string) (LiveAccount, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return LiveAccount{}, err
	}
	data, err := s.GetCredentials(ctx, accountID, a.PluginID)
	if err != nil {
		return LiveAccount{}, err
	}
	return LiveAccount{Account: a, Credential: data}, nil
}

func (s *Service) seal(data CredentialData) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", errs.New(errs.Internal, "account.seal", fmt.Errorf("marshaling credential payload: %w", err))
	}
	blob, err := s.box.Encrypt(raw)
	if err != nil {
		return "", err
	}
	return blob, nil
}

func (s *Service) unseal(blob string) (CredentialData, error) {
	raw, err := s.box.Decrypt(blob)
	if err != nil {
		return CredentialData{}, err
	}
	var data CredentialData
	if err := json.Unmarshal(raw, &data); err != nil {
		return CredentialData{}, errs.New(errs.Crypto, "account.unseal", fmt.Errorf("unmarshaling credential payload: %w", err))
	}
	return data, nil
}
