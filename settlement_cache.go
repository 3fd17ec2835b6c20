package cedros

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementCache deduplicates payment submissions. It remembers successful
// results by payload and lets concurrent submissions of the same payload
// wait for the first one instead of reaching the backend twice.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]PaymentResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSettlementCache creates a cache keeping results for ttl.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]PaymentResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateSettlementKey hashes an encoded payment payload. The payload carries
// the transaction signature, so keys are unique per signed transaction.
func GenerateSettlementKey(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// SettlementStatus is the outcome of CheckAndMark.
type SettlementStatus int

const (
	// StatusNotFound means the caller now owns the submission.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a result is already known.
	StatusCached
	// StatusInFlight means another caller is submitting the same payload.
	StatusInFlight
)

// CheckAndMark looks key up and marks it in flight when it is unknown.
// With StatusNotFound the caller must later call Complete or Fail with the
// returned channel; with StatusInFlight the channel closes when the owner is done.
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *PaymentResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result, ok := c.getLocked(key); ok {
		return StatusCached, &result, nil
	}
	if done, ok := c.inFlight[key]; ok {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight submission. It returns nil when the
// submission failed and nothing was cached.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*PaymentResult, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached result for key, or nil.
func (c *SettlementCache) Get(key string) *PaymentResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if result, ok := c.getLocked(key); ok {
		return &result
	}
	return nil
}

func (c *SettlementCache) getLocked(key string) (PaymentResult, bool) {
	expiry, ok := c.expiry[key]
	if !ok {
		return PaymentResult{}, false
	}
	if !c.now().Before(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return PaymentResult{}, false
	}
	return c.results[key], true
}

// Complete caches result and releases waiters.
func (c *SettlementCache) Complete(key string, result PaymentResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases waiters without caching, so the payload may be submitted again.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len returns the number of cached results, expired ones included.
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if !now.Before(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
