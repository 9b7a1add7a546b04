package router

import (
	"sync"
	"time"

	"github.com/trustgate/trustgate/pkg/provider"
)

const (
	recordCacheTTL      = time.Hour
	recordCacheCapacity = 5000
	sweepInterval        = 5 * time.Minute
)

type cacheEntry struct {
	key       string
	value     provider.NormalizedRecord
	expiresAt time.Time
	prev, next *cacheEntry
}

// RecordCache is a TTL+LRU cache of point-read results (spec §4.4.3),
// exposing getOrCompute as its principal interface. Grounded on the same
// intrusive-doubly-linked-list shape as internal/vid's LRU, extended with
// a per-entry expiry and a periodic sweep of expired entries.
type RecordCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*cacheEntry
	head     *cacheEntry
	tail     *cacheEntry
}

func NewRecordCache(capacity int, ttl time.Duration) *RecordCache {
	if capacity <= 0 {
		capacity = recordCacheCapacity
	}
	if ttl <= 0 {
		ttl = recordCacheTTL
	}
	return &RecordCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*cacheEntry, capacity),
	}
}

// GetOrCompute returns the cached record for key if present and unexpired,
// otherwise calls compute, caches its result, and returns it.
func (c *RecordCache) GetOrCompute(key string, compute func() (provider.NormalizedRecord, error)) (provider.NormalizedRecord, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return provider.NormalizedRecord{}, err
	}
	c.put(key, v)
	return v, nil
}

func (c *RecordCache) get(key string) (provider.NormalizedRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return provider.NormalizedRecord{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.unlinkLocked(e)
		delete(c.entries, key)
		return provider.NormalizedRecord{}, false
	}
	c.moveToHeadLocked(e)
	return e.value, true
}

func (c *RecordCache) put(key string, value provider.NormalizedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(c.ttl)
		c.moveToHeadLocked(e)
		return
	}

	e := &cacheEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	c.entries[key] = e
	c.pushHeadLocked(e)
	if len(c.entries) > c.capacity {
		c.evictTailLocked()
	}
}

// Sweep removes every expired entry; intended to be called periodically
// (spec §4.4.3: "periodic sweep of expired entries").
func (c *RecordCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.unlinkLocked(e)
			delete(c.entries, key)
		}
	}
}

// StartSweeper runs Sweep every sweepInterval until stop is closed.
func (c *RecordCache) StartSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *RecordCache) moveToHeadLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *RecordCache) pushHeadLocked(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *RecordCache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *RecordCache) evictTailLocked() {
	e := c.tail
	if e == nil {
		return
	}
	c.unlinkLocked(e)
	delete(c.entries, e.key)
}
