package router

import (
	"errors"
	"testing"
	"time"

	"github.com/trustgate/trustgate/pkg/provider"
)

func TestRecordCache_GetOrComputeCachesResult(t *testing.T) {
	c := NewRecordCache(10, time.Minute)
	calls := 0
	compute := func() (provider.NormalizedRecord, error) {
		calls++
		return provider.NormalizedRecord{ID: "rec-1"}, nil
	}

	first, err := c.GetOrCompute("key-1", compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	second, err := c.GetOrCompute("key-1", compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if calls != 1 {
		t.Errorf("compute calls = %d, want 1 (second call should hit the cache)", calls)
	}
	if first.ID != second.ID {
		t.Errorf("first = %+v, second = %+v, want equal", first, second)
	}
}

func TestRecordCache_ComputeErrorIsNotCached(t *testing.T) {
	c := NewRecordCache(10, time.Minute)
	calls := 0
	wantErr := errors.New("backend unavailable")
	compute := func() (provider.NormalizedRecord, error) {
		calls++
		return provider.NormalizedRecord{}, wantErr
	}

	if _, err := c.GetOrCompute("key-1", compute); !errors.Is(err, wantErr) {
		t.Fatalf("GetOrCompute err = %v, want %v", err, wantErr)
	}
	if _, err := c.GetOrCompute("key-1", compute); !errors.Is(err, wantErr) {
		t.Fatalf("GetOrCompute err = %v, want %v", err, wantErr)
	}
	if calls != 2 {
		t.Errorf("compute calls = %d, want 2 (a failed compute should not be cached)", calls)
	}
}

func TestRecordCache_ExpiredEntryRecomputes(t *testing.T) {
	c := NewRecordCache(10, time.Millisecond)
	calls := 0
	compute := func() (provider.NormalizedRecord, error) {
		calls++
		return provider.NormalizedRecord{ID: "rec-1"}, nil
	}

	if _, err := c.GetOrCompute("key-1", compute); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.GetOrCompute("key-1", compute); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if calls != 2 {
		t.Errorf("compute calls = %d, want 2 (the entry should have expired)", calls)
	}
}

func TestRecordCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewRecordCache(2, time.Minute)
	noop := func(id string) func() (provider.NormalizedRecord, error) {
		return func() (provider.NormalizedRecord, error) { return provider.NormalizedRecord{ID: id}, nil }
	}

	if _, err := c.GetOrCompute("a", noop("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompute("b", noop("b")); err != nil {
		t.Fatal(err)
	}
	// Touch "a" so "b" becomes the least recently used.
	if _, err := c.GetOrCompute("a", noop("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompute("c", noop("c")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	if _, err := c.GetOrCompute("b", func() (provider.NormalizedRecord, error) {
		calls++
		return provider.NormalizedRecord{ID: "b"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Error("\"b\" should have been evicted as the least recently used entry once capacity was exceeded")
	}
}

func TestRecordCache_SweepRemovesExpiredEntries(t *testing.T) {
	c := NewRecordCache(10, time.Millisecond)
	if _, err := c.GetOrCompute("key-1", func() (provider.NormalizedRecord, error) {
		return provider.NormalizedRecord{ID: "rec-1"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	c.Sweep()

	if len(c.entries) != 0 {
		t.Errorf("entries after Sweep = %d, want 0", len(c.entries))
	}
}
