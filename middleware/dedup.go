package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/netsys-lab/ilp-connector/ilp"
)

type dedupKey [32]byte

func keyFor(p *ilp.Prepare) dedupKey {
	h := sha256.New()
	h.Write([]byte(p.Destination))
	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], p.Amount)
	h.Write(amount[:])
	h.Write(p.ExecutionCondition[:])
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(p.ExpiresAt.UnixNano()))
	h.Write(expiry[:])
	var key dedupKey
	copy(key[:], h.Sum(nil))
	return key
}

type dedupEntry struct {
	done     chan struct{}
	response *ilp.Response
	err      error
	storedAt time.Time
}

// DedupCache remembers responses by (destination, amount, condition,
// expiry) for a window. A retry that arrives while the original is
// still in flight waits for and shares its outcome.
type DedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[dedupKey]*dedupEntry
	now     func() time.Time
}

func NewDedupCache(window time.Duration) *DedupCache {
	return &DedupCache{
		window:  window,
		entries: make(map[dedupKey]*dedupEntry),
		now:     time.Now,
	}
}

func (c *DedupCache) sweepLocked(now time.Time) {
	for key, e := range c.entries {
		select {
		case <-e.done:
			if now.Sub(e.storedAt) > c.window {
				delete(c.entries, key)
			}
		default:
		}
	}
}

// Deduplicate is an outgoing-data middleware.
func Deduplicate(cache *DedupCache) Data {
	return Data{
		Name: "deduplicate",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				key := keyFor(prepare)
				now := cache.now()

				cache.mu.Lock()
				cache.sweepLocked(now)
				if e, ok := cache.entries[key]; ok {
					cache.mu.Unlock()
					select {
					case <-e.done:
						return e.response, e.err
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				e := &dedupEntry{done: make(chan struct{}), storedAt: now}
				cache.entries[key] = e
				cache.mu.Unlock()

				resp, err := next(ctx, prepare)
				e.response = resp
				e.err = err
				close(e.done)
				return resp, err
			}
		},
	}
}
