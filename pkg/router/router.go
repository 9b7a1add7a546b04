// Package router implements the Universal Router (spec §4.4): account
// discovery, parallel fan-out with retry, merge & sort, and virtual-id
// translation in both directions.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trustgate/trustgate/internal/account"
	"github.com/trustgate/trustgate/internal/errs"
	"github.com/trustgate/trustgate/internal/vid"
	"github.com/trustgate/trustgate/pkg/provider"
)

const (
	listDefault   = 10
	listMax       = 500
	searchDefault = 20
)

// Router ties together account discovery, provider backends, the virtual-
// id manager, retry/rate-limit policy, and the record cache.
type Router struct {
	accounts  *account.Service
	vids      *vid.Manager
	registry  *Registry
	backends  map[string]provider.Backend // pluginID -> backend
	limiters  map[string]*RateLimiter     // pluginID -> limiter
	retry     RetryPolicy
	cache     *RecordCache
	logger    *slog.Logger

	mu sync.RWMutex
}

func New(accounts *account.Service, vids *vid.Manager, logger *slog.Logger) *Router {
	return &Router{
		accounts: accounts,
		vids:     vids,
		registry: NewRegistry(),
		backends: make(map[string]provider.Backend),
		limiters: make(map[string]*RateLimiter),
		retry:    DefaultRetryPolicy(),
		cache:    NewRecordCache(recordCacheCapacity, recordCacheTTL),
		logger:   logger,
	}
}

// RegisterDomain exposes the registry's association of pluginIDs with a
// category to callers outside this package (e.g. startup wiring).
func (r *Router) RegisterDomain(category string, pluginIDs ...string) {
	r.registry.RegisterDomain(category, pluginIDs...)
}

// RegisterBackend binds a plugin id to the backend implementation that
// serves it, with an optional rate-limit preset (spec §4.4.2).
func (r *Router) RegisterBackend(pluginID string, backend provider.Backend, maxRequests int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backends[pluginID] = backend
	if maxRequests > 0 && window > 0 {
		r.limiters[pluginID] = NewRateLimiter(maxRequests, window)
	}
}

// PluginCount reports how many backends are currently registered, for the
// gateway's health endpoint (spec §6).
func (r *Router) PluginCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

func (r *Router) backendFor(pluginID string) (provider.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[pluginID]
	return b, ok
}

func (r *Router) limiterFor(pluginID string) *RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[pluginID]
}

// liveAccount composes an Account with its decrypted credential data and
// resolved backend; discover builds one only for accounts with a usable
// credential and a registered backend, skipping the rest with a warning.
type liveAccount struct {
	account.LiveAccount
	Backend provider.Backend
}

// discover enumerates every account whose pluginId belongs to category,
// composing a live view for each. Accounts with missing credentials or no
// registered backend are skipped with a logged warning (spec §4.4:
// "partial-failure tolerance").
func (r *Router) discover(ctx context.Context, category string) []liveAccount {
	var out []liveAccount
	for _, pluginID := range r.registry.PluginsForCategory(category) {
		backend, ok := r.backendFor(pluginID)
		if !ok {
			r.warn("no backend registered for plugin", "plugin_id", pluginID)
			continue
		}
		accts, err := r.accounts.ListAccounts(ctx, pluginID)
		if err != nil {
			r.warn("listing accounts failed", "plugin_id", pluginID, "error", err)
			continue
		}
		for _, a := range accts {
			live, err := r.accounts.LiveAccount(ctx, a.ID)
			if err != nil {
				r.warn("skipping account with missing credentials", "account_id", a.ID, "plugin_id", pluginID, "error", err)
				continue
			}
			out = append(out, liveAccount{LiveAccount: live, Backend: backend})
		}
	}
	return out
}

func (r *Router) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

func toCredentials(data account.CredentialData) provider.Credentials {
	return provider.Credentials{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		Extra:        data.Extra,
	}
}

// FanOutMeta reports how many accounts a fan-out call attempted and
// whether any of them failed, so callers can audit a partial result
// instead of logging it as indistinguishable from a clean one (spec §5:
// "cancelled fan-out returns partial results with a failure flag in the
// metadata").
type FanOutMeta struct {
	AccountCount   int  `json:"accountCount"`
	PartialFailure bool `json:"partialFailure,omitempty"`
}

// List fans out list_emails across every account in category, merging and
// sorting the results (spec §4.4).
func (r *Router) List(ctx context.Context, category string, params provider.ListParams) ([]provider.NormalizedRecord, FanOutMeta, error) {
	if params.MaxResults <= 0 {
		params.MaxResults = listDefault
	}
	if params.MaxResults > listMax {
		params.MaxResults = listMax
	}

	merged, meta := r.fanOut(ctx, category, func(ctx context.Context, live liveAccount) ([]provider.NormalizedRecord, error) {
		return live.Backend.List(ctx, toCredentials(live.Credential), live.Account.ID, params)
	})
	records, err := r.translateAndMerge(ctx, merged, params.MaxResults)
	return records, meta, err
}

// Search fans out search_emails across every account in category.
func (r *Router) Search(ctx context.Context, category string, params provider.SearchParams) ([]provider.NormalizedRecord, FanOutMeta, error) {
	if params.MaxResults <= 0 {
		params.MaxResults = searchDefault
	}
	if params.MaxResults > listMax {
		params.MaxResults = listMax
	}

	merged, meta := r.fanOut(ctx, category, func(ctx context.Context, live liveAccount) ([]provider.NormalizedRecord, error) {
		return live.Backend.Search(ctx, toCredentials(live.Credential), live.Account.ID, params)
	})
	records, err := r.translateAndMerge(ctx, merged, params.MaxResults)
	return records, meta, err
}

// fanOut invokes fn against every discovered account in category, in
// parallel, with per-call retry; a failing account contributes the empty
// set (spec §4.4: "success on any account is sufficient for an overall
// success"), and is counted in the returned FanOutMeta so the caller can
// tell a clean result from a partial one.
func (r *Router) fanOut(ctx context.Context, category string, fn func(context.Context, liveAccount) ([]provider.NormalizedRecord, error)) ([]provider.NormalizedRecord, FanOutMeta) {
	accounts := r.discover(ctx, category)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		merged   []provider.NormalizedRecord
		failures int
	)
	for _, live := range accounts {
		wg.Add(1)
		go func(live liveAccount) {
			defer wg.Done()

			if limiter := r.limiterFor(live.Account.PluginID); limiter != nil {
				if err := limiter.Throttle(ctx, live.Account.ID); err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
					return
				}
			}

			var recs []provider.NormalizedRecord
			err := r.retry.Do(ctx, func(ctx context.Context) error {
				var callErr error
				recs, callErr = fn(ctx, live)
				return callErr
			})
			if err != nil {
				r.warn("account operation failed", "account_id", live.Account.ID, "plugin_id", live.Account.PluginID, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return
			}

			mu.Lock()
			merged = append(merged, recs...)
			mu.Unlock()
		}(live)
	}
	wg.Wait()
	return merged, FanOutMeta{AccountCount: len(accounts), PartialFailure: failures > 0}
}

// translateAndMerge sorts by timestampMs descending (stable tie-break on
// provider entity id, spec §5), truncates to max, and replaces every real
// id with its virtual form.
func (r *Router) translateAndMerge(ctx context.Context, records []provider.NormalizedRecord, max int) ([]provider.NormalizedRecord, error) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].TimestampMs != records[j].TimestampMs {
			return records[i].TimestampMs > records[j].TimestampMs
		}
		return records[i].ID < records[j].ID
	})
	if len(records) > max {
		records = records[:max]
	}

	out := make([]provider.NormalizedRecord, 0, len(records))
	for _, rec := range records {
		translated, err := r.toVirtual(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, translated)
	}
	return out, nil
}

// Read resolves a virtual email id, loads the owning account's
// credentials, delegates to its backend, and caches the normalized
// record (spec §4.4, TTL ≈ 1 hour).
func (r *Router) Read(ctx context.Context, virtualEmailID string) (provider.NormalizedRecord, error) {
	mapping, ok, err := r.vids.Resolve(ctx, virtualEmailID)
	if err != nil {
		return provider.NormalizedRecord{}, err
	}
	if !ok || mapping.Kind != vid.KindEmail {
		return provider.NormalizedRecord{}, errs.New(errs.Protocol, "router.Read", fmt.Errorf("unknown email id %q", virtualEmailID))
	}

	return r.cache.GetOrCompute(virtualEmailID, func() (provider.NormalizedRecord, error) {
		live, err := r.accounts.LiveAccount(ctx, mapping.RealAccountID)
		if err != nil {
			return provider.NormalizedRecord{}, err
		}
		backend, ok := r.backendFor(live.Account.PluginID)
		if !ok {
			return provider.NormalizedRecord{}, errs.New(errs.Provider, "router.Read", fmt.Errorf("no backend for plugin %q", live.Account.PluginID))
		}

		var rec provider.NormalizedRecord
		err = r.retry.Do(ctx, func(ctx context.Context) error {
			var callErr error
			rec, callErr = backend.Read(ctx, toCredentials(live.Credential), mapping.RealAccountID, mapping.ProviderEntityID)
			return callErr
		})
		if err != nil {
			return provider.NormalizedRecord{}, errs.New(errs.Provider, "router.Read", err)
		}
		return r.toVirtual(ctx, rec)
	})
}

// Send resolves the target account (explicit virtual account id, or the
// category's primary account), validates required fields, and delegates
// to the backend with retry (spec §4.4: "single-account execution with
// retry").
func (r *Router) Send(ctx context.Context, category, pluginID string, virtualAccountID string, params provider.SendParams) (provider.SendResult, error) {
	if len(params.To) == 0 || params.Subject == "" || params.Body == "" {
		return provider.SendResult{}, errs.New(errs.Protocol, "router.Send", fmt.Errorf("to, subject, and body are required"))
	}

	var realAccountID string
	if virtualAccountID != "" {
		mapping, ok, err := r.vids.Resolve(ctx, virtualAccountID)
		if err != nil {
			return provider.SendResult{}, err
		}
		if !ok || mapping.Kind != vid.KindAccount {
			return provider.SendResult{}, errs.New(errs.Protocol, "router.Send", fmt.Errorf("unknown account id %q", virtualAccountID))
		}
		realAccountID = mapping.RealAccountID
	} else {
		primary, ok, err := r.accounts.GetPrimary(ctx, pluginID)
		if err != nil {
			return provider.SendResult{}, err
		}
		if !ok {
			return provider.SendResult{}, errs.New(errs.Protocol, "router.Send", fmt.Errorf("no primary account for plugin %q", pluginID))
		}
		realAccountID = primary.ID
	}

	live, err := r.accounts.LiveAccount(ctx, realAccountID)
	if err != nil {
		return provider.SendResult{}, err
	}
	backend, ok := r.backendFor(live.Account.PluginID)
	if !ok {
		return provider.SendResult{}, errs.New(errs.Provider, "router.Send", fmt.Errorf("no backend for plugin %q", live.Account.PluginID))
	}

	if limiter := r.limiterFor(live.Account.PluginID); limiter != nil {
		if err := limiter.Throttle(ctx, realAccountID); err != nil {
			return provider.SendResult{}, err
		}
	}

	var result provider.SendResult
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = backend.Send(ctx, toCredentials(live.Credential), realAccountID, params)
		return callErr
	})
	if err != nil {
		return provider.SendResult{}, errs.New(errs.Provider, "router.Send", err)
	}
	return result, nil
}

// toVirtual replaces rec's real id and accountId with their virtual
// forms, allocating on the fly (spec §4.4 Translation).
func (r *Router) toVirtual(ctx context.Context, rec provider.NormalizedRecord) (provider.NormalizedRecord, error) {
	virtualID, err := r.vids.AllocEmail(ctx, rec.AccountID, rec.ID)
	if err != nil {
		return provider.NormalizedRecord{}, err
	}
	virtualAccountID, err := r.vids.AllocAccount(ctx, rec.AccountID)
	if err != nil {
		return provider.NormalizedRecord{}, err
	}

	out := rec
	out.ID = virtualID
	out.AccountID = virtualAccountID
	out.PluginID = ""
	return out, nil
}

