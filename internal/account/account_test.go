package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	box, err := crypto.LoadOrCreateKey(filepath.Join(t.TempDir(), "key.hex"))
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}

	return NewService(NewStore(db.DB()), db.DB(), box)
}

func TestCreateAccount_FirstAccountIsPrimary(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateAccount(ctx, "gmail", "one@example.com", "", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if !a.IsPrimary {
		t.Error("the first account created for a plugin should be marked primary")
	}

	b, err := svc.CreateAccount(ctx, "gmail", "two@example.com", "", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if b.IsPrimary {
		t.Error("a second account for the same plugin should not be marked primary")
	}
}

func TestSetPrimary_ExactlyOnePrimaryPerPlugin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.CreateAccount(ctx, "gmail", "one@example.com", "", nil)
	b, _ := svc.CreateAccount(ctx, "gmail", "two@example.com", "", nil)

	if err := svc.SetPrimary(ctx, b.ID); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	accts, err := svc.ListAccounts(ctx, "gmail")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}

	primaryCount := 0
	for _, acct := range accts {
		if acct.IsPrimary {
			primaryCount++
			if acct.ID != b.ID {
				t.Errorf("primary account = %q, want %q", acct.ID, b.ID)
			}
		}
	}
	if primaryCount != 1 {
		t.Errorf("primary accounts for plugin = %d, want exactly 1", primaryCount)
	}
	_ = a
}

func TestDeleteAccount_PromotesSuccessorWhenPrimaryRemoved(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.CreateAccount(ctx, "gmail", "one@example.com", "", nil)
	b, _ := svc.CreateAccount(ctx, "gmail", "two@example.com", "", nil)

	if err := svc.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	primary, ok, err := svc.GetPrimary(ctx, "gmail")
	if err != nil {
		t.Fatalf("GetPrimary: %v", err)
	}
	if !ok {
		t.Fatal("a surviving sibling should be promoted to primary")
	}
	if primary.ID != b.ID {
		t.Errorf("promoted primary = %q, want %q", primary.ID, b.ID)
	}
}

func TestDeleteAccount_LastAccountLeavesNoPrimary(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.CreateAccount(ctx, "gmail", "only@example.com", "", nil)
	if err := svc.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	_, ok, err := svc.GetPrimary(ctx, "gmail")
	if err != nil {
		t.Fatalf("GetPrimary: %v", err)
	}
	if ok {
		t.Error("no primary should remain once every account for the plugin is deleted")
	}
}

func TestStoreAndGetCredentials_RoundTripsEncrypted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.CreateAccount(ctx, "gmail", "one@example.com", "", nil)
	data := CredentialData{AccessToken: "at-123", RefreshToken: "rt-456", TokenType: "Bearer"}

	if _, err := svc.StoreCredentials(ctx, a.ID, "gmail", CredentialOAuth2, data); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	got, err := svc.GetCredentials(ctx, a.ID, "gmail")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got.AccessToken != data.AccessToken || got.RefreshToken != data.RefreshToken {
		t.Errorf("GetCredentials() = %+v, want %+v", got, data)
	}
}

func TestGetCredentials_FallsBackToOrphan(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// An orphan credential (no account row) via the legacy compatibility path.
	if _, err := svc.StoreCredentials(ctx, "", "legacy-plugin", CredentialAPIKey, CredentialData{AccessToken: "legacy-token"}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	got, err := svc.GetCredentials(ctx, "", "legacy-plugin")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got.AccessToken != "legacy-token" {
		t.Errorf("GetCredentials() = %+v, want the orphan credential", got)
	}
}
