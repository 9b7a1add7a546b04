package vid

import (
	"context"
	"log/slog"
	"testing"

	"github.com/trustgate/trustgate/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewManager(NewStore(db.DB()), slog.Default(), 100)
}

func TestAllocEmail_IsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id1, err := m.AllocEmail(ctx, "real-account-1", "msg-123")
	if err != nil {
		t.Fatalf("AllocEmail: %v", err)
	}
	id2, err := m.AllocEmail(ctx, "real-account-1", "msg-123")
	if err != nil {
		t.Fatalf("AllocEmail (second call): %v", err)
	}
	if id1 != id2 {
		t.Errorf("AllocEmail should return the same virtual id for the same (account, entity) pair, got %q then %q", id1, id2)
	}
}

func TestAllocEmail_DistinctEntitiesGetDistinctIDs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id1, err := m.AllocEmail(ctx, "real-account-1", "msg-1")
	if err != nil {
		t.Fatalf("AllocEmail: %v", err)
	}
	id2, err := m.AllocEmail(ctx, "real-account-1", "msg-2")
	if err != nil {
		t.Fatalf("AllocEmail: %v", err)
	}
	if id1 == id2 {
		t.Error("two distinct provider entities should not share a virtual id")
	}
}

func TestAllocAccount_HasAccountPrefix(t *testing.T) {
	m := newTestManager(t)
	id, err := m.AllocAccount(context.Background(), "real-account-1")
	if err != nil {
		t.Fatalf("AllocAccount: %v", err)
	}
	if len(id) < len("account_") || id[:len("account_")] != "account_" {
		t.Errorf("virtual account id = %q, want an account_ prefix", id)
	}
}

func TestResolve_RoundTripsThroughStoreAfterCacheEviction(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	virtualID, err := m.AllocEmail(ctx, "real-account-1", "msg-1")
	if err != nil {
		t.Fatalf("AllocEmail: %v", err)
	}

	// Force a cache miss by dropping the forward cache entry directly,
	// so Resolve must fall through to the store.
	m.forward.Delete(virtualID)

	mapping, ok, err := m.Resolve(ctx, virtualID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ok {
		t.Fatal("Resolve should find the mapping in the store after an eviction")
	}
	if mapping.RealAccountID != "real-account-1" || mapping.ProviderEntityID != "msg-1" {
		t.Errorf("Resolve() = %+v, want real-account-1/msg-1", mapping)
	}
}

func TestResolve_UnknownIDIsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, ok, err := m.Resolve(context.Background(), "email_doesnotexist000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Error("Resolve should report not-found for a virtual id that was never allocated")
	}
}

func TestWarm_SkipsAndSucceedsOnEmptyStore(t *testing.T) {
	m := newTestManager(t)
	if err := m.Warm(context.Background()); err != nil {
		t.Fatalf("Warm on an empty store should not error, got: %v", err)
	}
}
