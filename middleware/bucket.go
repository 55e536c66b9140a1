package middleware

import (
	"sync"
	"time"
)

// TokenBucket refills in whole periods: every refillPeriod it gains
// refillCount tokens up to capacity.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     uint64
	tokens       uint64
	refillPeriod time.Duration
	refillCount  uint64
	last         time.Time
	now          func() time.Time
}

func NewTokenBucket(refillPeriod time.Duration, refillCount, capacity uint64) *TokenBucket {
	if refillPeriod <= 0 {
		refillPeriod = time.Second
	}
	b := &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		refillCount:  refillCount,
		now:          time.Now,
	}
	b.last = b.now()
	return b
}

// Take removes n tokens, refilling first. Returns false on overflow.
func (b *TokenBucket) Take(n uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	periods := uint64(now.Sub(b.last) / b.refillPeriod)
	if periods > 0 {
		refill := periods * b.refillCount
		if b.tokens+refill < b.tokens || b.tokens+refill > b.capacity {
			b.tokens = b.capacity
		} else {
			b.tokens += refill
		}
		b.last = b.last.Add(time.Duration(periods) * b.refillPeriod)
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}
