package router

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/trustgate/trustgate/internal/account"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/store"
	"github.com/trustgate/trustgate/internal/vid"
	"github.com/trustgate/trustgate/pkg/provider"
)

const testPluginID = "demo-mail"

// testRig wires a Router against real in-memory account/vid stores and a
// provider.DemoBackend, the same composition internal/app assembles at
// startup, so fan-out, translation, and retry are exercised end to end.
type testRig struct {
	router  *Router
	backend *provider.DemoBackend
	account account.Account
}

func newTestRig(t *testing.T, seedCount int) *testRig {
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
	accounts := account.NewService(account.NewStore(db.DB()), db.DB(), box)
	vids := vid.NewManager(vid.NewStore(db.DB()), slog.Default(), 100)

	ctx := context.Background()
	a, err := accounts.CreateAccount(ctx, testPluginID, "demo@example.com", "", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := accounts.StoreCredentials(ctx, a.ID, testPluginID, account.CredentialOAuth2, account.CredentialData{AccessToken: "tok"}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	backend := provider.NewDemoBackend()
	backend.Seed(a.ID, testPluginID, seedCount)

	r := New(accounts, vids, slog.Default())
	r.RegisterDomain("email", testPluginID)
	r.RegisterBackend(testPluginID, backend, 0, 0)

	return &testRig{router: r, backend: backend, account: a}
}

func TestRouter_ListTranslatesToVirtualIDs(t *testing.T) {
	rig := newTestRig(t, 3)
	recs, meta, err := rig.router.List(context.Background(), "email", provider.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	if meta.AccountCount != 1 || meta.PartialFailure {
		t.Errorf("meta = %+v, want AccountCount=1, PartialFailure=false", meta)
	}
	for _, r := range recs {
		if r.ID == "" || r.AccountID == "" {
			t.Fatalf("record has an empty id: %+v", r)
		}
		if r.AccountID == rig.account.ID {
			t.Errorf("AccountID %q leaked the real account id, want a virtual form", r.AccountID)
		}
	}
}

func TestRouter_ListSortsNewestFirst(t *testing.T) {
	rig := newTestRig(t, 5)
	recs, _, err := rig.router.List(context.Background(), "email", provider.ListParams{MaxResults: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].TimestampMs < recs[i].TimestampMs {
			t.Errorf("results not sorted newest-first at index %d: %+v", i, recs)
		}
	}
}

func TestRouter_ReadRoundTripsThroughVirtualID(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx := context.Background()

	listed, _, err := rig.router.List(ctx, "email", provider.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("len(listed) = %d, want 1", len(listed))
	}

	rec, err := rig.router.Read(ctx, listed[0].ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Subject != listed[0].Subject {
		t.Errorf("Read().Subject = %q, want %q", rec.Subject, listed[0].Subject)
	}
}

func TestRouter_ReadUnknownVirtualIDFails(t *testing.T) {
	rig := newTestRig(t, 0)
	if _, err := rig.router.Read(context.Background(), "email_doesnotexist0"); err == nil {
		t.Error("Read should fail for a virtual id that was never allocated")
	}
}

func TestRouter_SendUsesPrimaryAccountWhenNoneSpecified(t *testing.T) {
	rig := newTestRig(t, 0)
	result, err := rig.router.Send(context.Background(), "email", testPluginID, "", provider.SendParams{
		To: []string{"dest@example.com"}, Subject: "hi", Body: "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.MessageID == "" {
		t.Error("Send should return a non-empty message id")
	}
}

func TestRouter_SendRejectsMissingRequiredFields(t *testing.T) {
	rig := newTestRig(t, 0)
	_, err := rig.router.Send(context.Background(), "email", testPluginID, "", provider.SendParams{Subject: "hi"})
	if err == nil {
		t.Error("Send should reject a call missing To/Body")
	}
}

func TestRouter_DiscoverySkipsAccountsWithNoBackend(t *testing.T) {
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	box, err := crypto.LoadOrCreateKey(filepath.Join(t.TempDir(), "key.hex"))
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	accounts := account.NewService(account.NewStore(db.DB()), db.DB(), box)
	vids := vid.NewManager(vid.NewStore(db.DB()), slog.Default(), 100)

	ctx := context.Background()
	if _, err := accounts.CreateAccount(ctx, "unregistered-plugin", "a@example.com", "", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	r := New(accounts, vids, slog.Default())
	r.RegisterDomain("email", "unregistered-plugin")
	// No RegisterBackend call: discovery should skip this plugin entirely.

	recs, meta, err := r.List(ctx, "email", provider.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("List() = %v, want empty when no backend is registered for the only account", recs)
	}
	if meta.AccountCount != 0 {
		t.Errorf("meta.AccountCount = %d, want 0 (discovery should skip the account with no backend)", meta.AccountCount)
	}
}

func TestRouter_ListReportsPartialFailureWhenOneAccountErrors(t *testing.T) {
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	box, err := crypto.LoadOrCreateKey(filepath.Join(t.TempDir(), "key.hex"))
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	accounts := account.NewService(account.NewStore(db.DB()), db.DB(), box)
	vids := vid.NewManager(vid.NewStore(db.DB()), slog.Default(), 100)
	ctx := context.Background()

	good, err := accounts.CreateAccount(ctx, testPluginID, "good@example.com", "", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := accounts.StoreCredentials(ctx, good.ID, testPluginID, account.CredentialOAuth2, account.CredentialData{AccessToken: "tok"}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}
	bad, err := accounts.CreateAccount(ctx, testPluginID, "bad@example.com", "", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := accounts.StoreCredentials(ctx, bad.ID, testPluginID, account.CredentialOAuth2, account.CredentialData{AccessToken: "tok"}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	backend := provider.NewDemoBackend()
	backend.Seed(good.ID, testPluginID, 2)
	backend.Seed(bad.ID, testPluginID, 2)
	backend.FailAccounts(bad.ID)

	r := New(accounts, vids, slog.Default())
	r.RegisterDomain("email", testPluginID)
	r.RegisterBackend(testPluginID, backend, 0, 0)

	recs, meta, err := r.List(ctx, "email", provider.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2 (only the healthy account's records)", len(recs))
	}
	if meta.AccountCount != 2 {
		t.Errorf("meta.AccountCount = %d, want 2", meta.AccountCount)
	}
	if !meta.PartialFailure {
		t.Error("meta.PartialFailure = false, want true when one of two accounts errored")
	}
}
