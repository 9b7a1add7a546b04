package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DemoBackend is an in-memory fake provider backend: the default "demo"
// plugin the trustgate binary ships with, and the backend tests drive, since the
// wire shape of any real provider is explicitly out of scope (spec §1).
type DemoBackend struct {
	mu      sync.Mutex
	records map[string][]NormalizedRecord // accountID -> records, newest first
	failing map[string]bool               // accountID -> simulate a provider error
}

func NewDemoBackend() *DemoBackend {
	return &DemoBackend{records: make(map[string][]NormalizedRecord), failing: make(map[string]bool)}
}

// FailAccounts marks account ids whose List and Search calls return an
// error instead of results (Read and Send are unaffected), for exercising partial-failure fan-out (spec §5,
// §8 scenario 4) without a real flaky provider.
func (b *DemoBackend) FailAccounts(accountIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range accountIDs {
		b.failing[id] = true
	}
}

// Seed installs a deterministic set of sample emails for accountID, useful
// for tests and for giving a freshly-created demo account something to list.
func (b *DemoBackend) Seed(accountID, pluginID string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	recs := make([]NormalizedRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, NormalizedRecord{
			ID:             uuid.NewString(),
			AccountID:      accountID,
			PluginID:       pluginID,
			Subject:        fmt.Sprintf("Demo message %d", i+1),
			From:           "sender@example.com",
			To:             []string{"you@example.com"},
			Body:           "This is a demo message body.",
			Snippet:        "This is a demo message...",
			TimestampMs:    now.Add(-time.Duration(i) * time.Hour).UnixMilli(),
			IsRead:         i%2 == 0,
			HasAttachments: false,
		})
	}
	b.records[accountID] = recs
}

func (b *DemoBackend) List(_ context.Context, _ Credentials, accountID string, params ListParams) ([]NormalizedRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failing[accountID] {
		return nil, fmt.Errorf("demo: simulated provider failure for account %s", accountID)
	}

	max := params.MaxResults
	if max <= 0 {
		max = 10
	}
	out := filterRecords(b.records[accountID], func(r NormalizedRecord) bool {
		if params.IsRead != nil && r.IsRead != *params.IsRead {
			return false
		}
		if params.Query != "" && !strings.Contains(strings.ToLower(r.Subject+" "+r.Body), strings.ToLower(params.Query)) {
			return false
		}
		return true
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (b *DemoBackend) Read(_ context.Context, _ Credentials, accountID, providerEntityID string) (NormalizedRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.records[accountID] {
		if r.ID == providerEntityID {
			return r, nil
		}
	}
	return NormalizedRecord{}, fmt.Errorf("demo: record %s not found in account %s", providerEntityID, accountID)
}

func (b *DemoBackend) Send(_ context.Context, _ Credentials, accountID string, params SendParams) (SendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := NormalizedRecord{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Subject:     params.Subject,
		From:        "me@example.com",
		To:          params.To,
		CC:          params.CC,
		BCC:         params.BCC,
		Body:        params.Body,
		HTMLBody:    params.HTMLBody,
		ReplyTo:     params.ReplyTo,
		TimestampMs: time.Now().UTC().UnixMilli(),
		IsRead:      true,
	}
	b.records[accountID] = append([]NormalizedRecord{rec}, b.records[accountID]...)
	return SendResult{MessageID: rec.ID}, nil
}

func (b *DemoBackend) Search(_ context.Context, _ Credentials, accountID string, params SearchParams) ([]NormalizedRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failing[accountID] {
		return nil, fmt.Errorf("demo: simulated provider failure for account %s", accountID)
	}

	max := params.MaxResults
	if max <= 0 {
		max = 20
	}
	q := strings.ToLower(params.Query)
	out := filterRecords(b.records[accountID], func(r NormalizedRecord) bool {
		if q != "" && !strings.Contains(strings.ToLower(r.Subject+" "+r.Body), q) {
			return false
		}
		if params.From != "" && !strings.Contains(strings.ToLower(r.From), strings.ToLower(params.From)) {
			return false
		}
		if params.Subject != "" && !strings.Contains(strings.ToLower(r.Subject), strings.ToLower(params.Subject)) {
			return false
		}
		if params.HasAttachment != nil && r.HasAttachments != *params.HasAttachment {
			return false
		}
		if params.DateFromMs > 0 && r.TimestampMs < params.DateFromMs {
			return false
		}
		if params.DateToMs > 0 && r.TimestampMs > params.DateToMs {
			return false
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs > out[j].TimestampMs })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func filterRecords(recs []NormalizedRecord, keep func(NormalizedRecord) bool) []NormalizedRecord {
	out := make([]NormalizedRecord, 0, len(recs))
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
