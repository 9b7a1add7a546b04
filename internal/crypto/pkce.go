package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// PKCEParams is the verifier/challenge/state triple minted for one
// authorization attempt (spec §4.6).
type PKCEParams struct {
	Verifier  string
	Challenge string
	State     string
}

// NewPKCEParams generates a 96-byte verifier (base64url, unpadded), its
// S256 challenge, and a random 16-byte state, per spec §4.6. The challenge
// is derived with oauth2's own S256ChallengeFromVerifier so it matches
// exactly what the library checks during the later token exchange.
func NewPKCEParams() (PKCEParams, error) {
	verifierBytes := make([]byte, 96)
	if _, err := rand.Read(verifierBytes); err != nil {
		return PKCEParams{}, fmt.Errorf("generating verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return PKCEParams{}, fmt.Errorf("generating state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	return PKCEParams{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     state,
	}, nil
}

type pkceEntry struct {
	verifier  string
	pluginID  string
	expiresAt time.Time
}

// PKCEStore is the process-wide, TTL-bounded, one-time-read state→verifier
// map described in spec §4.6/§5. A background sweep is unnecessary at this
// scale: expired entries are simply rejected (and dropped) on lookup.
type PKCEStore struct {
	mu      sync.Mutex
	entries map[string]pkceEntry
	ttl     time.Duration
}

// NewPKCEStore creates a store with the given entry TTL (spec default 10m).
func NewPKCEStore(ttl time.Duration) *PKCEStore {
	return &PKCEStore{entries: make(map[string]pkceEntry), ttl: ttl}
}

// Put records the verifier for state, scoped to pluginID, expiring after
// the store's TTL.
func (s *PKCEStore) Put(state, verifier, pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = pkceEntry{
		verifier:  verifier,
		pluginID:  pluginID,
		expiresAt: time.Now().Add(s.ttl),
	}
}

// TakeResult is returned by Take.
type TakeResult struct {
	Verifier string
	PluginID string
}

// Take removes and returns the entry for state if present and unexpired.
// One-time use: a second Take for the same state always misses.
func (s *PKCEStore) Take(state string) (TakeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	delete(s.entries, state)
	if !ok {
		return TakeResult{}, false
	}
	if time.Now().After(e.expiresAt) {
		return TakeResult{}, false
	}
	return TakeResult{Verifier: e.verifier, PluginID: e.pluginID}, true
}
