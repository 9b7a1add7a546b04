// Package vid implements the virtual-identifier translation layer: a
// bidirectional, hybrid LRU+durable mapping between real provider-local ids
// and opaque tokens the agent is allowed to see (spec §4.2).
package vid

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustgate/trustgate/internal/errs"
	"github.com/trustgate/trustgate/internal/telemetry"
)

const (
	defaultCapacity   = 10000
	allocRetries      = 3
	idAlphabet        = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idRandomLen       = 12
	startupRecentLoad = 2000
)

// Manager allocates and resolves virtual ids against a hybrid cache (two
// LRUs: forward virtualId→Mapping, reverse (kind,realAccountId,
// providerEntityId)→virtualId) backed by Store for durability.
type Manager struct {
	store   *Store
	logger  *slog.Logger
	forward *lru[string, Mapping]
	reverse *lru[reverseKey, string]
}

// NewManager constructs a Manager with the given per-cache capacity
// (spec default 10,000 each). Eviction from one cache evicts its
// counterpart, so forward and reverse stay consistent.
func NewManager(store *Store, logger *slog.Logger, capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	m := &Manager{store: store, logger: logger}

	m.forward = newLRU[string, Mapping](capacity, func(_ string, mapping Mapping) {
		m.reverse.Delete(toReverseKey(mapping))
	})
	m.reverse = newLRU[reverseKey, string](capacity, func(key reverseKey, virtualID string) {
		m.forward.Delete(virtualID)
	})

	return m
}

// Warm loads a bounded set of recent email mappings and all account
// mappings into the caches at startup (spec §4.2 Initialization). Corrupt
// rows (email mappings with an empty providerEntityId) are skipped with a
// warning.
func (m *Manager) Warm(ctx context.Context) error {
	emails, err := m.store.RecentEmailMappings(ctx, startupRecentLoad)
	if err != nil {
		return errs.New(errs.Store, "vid.Warm", err)
	}
	accounts, err := m.store.AllAccountMappings(ctx)
	if err != nil {
		return errs.New(errs.Store, "vid.Warm", err)
	}

	for _, mapping := range append(emails, accounts...) {
		if mapping.Kind == KindEmail && mapping.ProviderEntityID == "" {
			if m.logger != nil {
				m.logger.Warn("skipping corrupt virtual-id mapping at warm", "virtual_id", mapping.VirtualID)
			}
			continue
		}
		m.cache(mapping)
	}
	return nil
}

func toReverseKey(m Mapping) reverseKey {
	return reverseKey{kind: m.Kind, realAccountID: m.RealAccountID, providerEntityID: m.ProviderEntityID}
}

func (m *Manager) cache(mapping Mapping) {
	m.forward.Put(mapping.VirtualID, mapping)
	m.reverse.Put(toReverseKey(mapping), mapping.VirtualID)
}

// AllocEmail returns the virtual id for (realAccountID, providerEntityID),
// allocating a new one if none exists, following the insert-or-read-back
// sequence of spec §4.2.
func (m *Manager) AllocEmail(ctx context.Context, realAccountID, providerEntityID string) (string, error) {
	return m.alloc(ctx, KindEmail, realAccountID, providerEntityID)
}

// AllocAccount returns the virtual id for realAccountID (kind=account),
// allocating a new one if none exists.
func (m *Manager) AllocAccount(ctx context.Context, realAccountID string) (string, error) {
	return m.alloc(ctx, KindAccount, realAccountID, "")
}

func (m *Manager) alloc(ctx context.Context, kind Kind, realAccountID, providerEntityID string) (string, error) {
	key := reverseKey{kind: kind, realAccountID: realAccountID, providerEntityID: providerEntityID}

	// 1. Check the reverse cache.
	if virtualID, ok := m.reverse.Get(key); ok {
		telemetry.VirtualIDCacheHitsTotal.WithLabelValues("hit").Inc()
		return virtualID, nil
	}
	telemetry.VirtualIDCacheHitsTotal.WithLabelValues("miss").Inc()

	// Reverse cache miss does not imply store miss; check the store before
	// minting a new id, so two requests that land on different cache
	// states still converge via read-back rather than racing inserts.
	if existing, ok, err := m.store.FindByReverse(ctx, kind, realAccountID, providerEntityID); err != nil {
		return "", errs.New(errs.Store, "vid.alloc", err)
	} else if ok {
		m.cache(existing)
		return existing.VirtualID, nil
	}

	// 2. Generate a new opaque id; verify uniqueness with bounded retries.
	var virtualID string
	for attempt := 0; ; attempt++ {
		candidate := newVirtualID(kind)
		exists, err := m.store.Exists(ctx, candidate)
		if err != nil {
			return "", errs.New(errs.Store, "vid.alloc", err)
		}
		if !exists {
			virtualID = candidate
			break
		}
		if attempt >= allocRetries {
			return "", errs.New(errs.Internal, "vid.alloc", fmt.Errorf("could not generate a unique virtual id after %d attempts", allocRetries+1))
		}
	}

	mapping := Mapping{
		VirtualID:        virtualID,
		Kind:             kind,
		RealAccountID:    realAccountID,
		ProviderEntityID: providerEntityID,
		CreatedAt:        time.Now().UTC(),
	}

	// 3. Attempt insert; on unique-constraint violation, read back the
	// winner and return their id instead (the race-safety contract).
	err := m.store.Insert(ctx, mapping)
	if err == nil {
		m.cache(mapping)
		return virtualID, nil
	}
	if !errs.Retriable(err) {
		return "", errs.New(errs.Store, "vid.alloc", err)
	}

	winner, ok, findErr := m.store.FindByReverse(ctx, kind, realAccountID, providerEntityID)
	if findErr != nil {
		return "", errs.New(errs.Store, "vid.alloc", findErr)
	}
	if !ok {
		return "", errs.New(errs.Internal, "vid.alloc", fmt.Errorf("constraint violation but no winning row found"))
	}
	m.cache(winner)
	return winner.VirtualID, nil
}

// Resolve looks up the (realAccountId, providerEntityId) behind a virtual
// id: cache first, then store. A corrupt email mapping (empty
// providerEntityId) is treated as not found, with a warning logged.
func (m *Manager) Resolve(ctx context.Context, virtualID string) (Mapping, bool, error) {
	if mapping, ok := m.forward.Get(virtualID); ok {
		telemetry.VirtualIDCacheHitsTotal.WithLabelValues("hit").Inc()
		return mapping, true, nil
	}
	telemetry.VirtualIDCacheHitsTotal.WithLabelValues("miss").Inc()

	mapping, ok, err := m.store.FindByVirtualID(ctx, virtualID)
	if err != nil {
		return Mapping{}, false, errs.New(errs.Store, "vid.Resolve", err)
	}
	if !ok {
		return Mapping{}, false, nil
	}
	if mapping.Kind == KindEmail && mapping.ProviderEntityID == "" {
		if m.logger != nil {
			m.logger.Warn("resolved corrupt virtual-id mapping", "virtual_id", virtualID)
		}
		return Mapping{}, false, nil
	}

	m.cache(mapping)
	return mapping, true, nil
}

// newVirtualID mints a collision-resistant opaque id: a 12-char random
// alphanumeric suffix prefixed by the mapping kind (spec §3: "e.g. 12
// random alphanumeric chars with a email_ / account_ prefix").
func newVirtualID(kind Kind) string {
	suffix := make([]byte, idRandomLen)
	buf := make([]byte, idRandomLen)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		suffix[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return fmt.Sprintf("%s_%s", kind, string(suffix))
}
