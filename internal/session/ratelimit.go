package session

import (
	"sync"
	"time"
)

// tokenBucket is a classic token-bucket rate limiter: refill adds
// floor((now-lastRefill)*perSecond) tokens, capped at burst, and only
// advances lastRefill when it actually added tokens. tryConsume refills
// first, then consumes one token if available. Refill and consume are
// mutually exclusive under mu, matching spec §4.6.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int64
	lastRefill time.Time
	perSecond  int64
	burst      int64
	now        func() time.Time
}

func newTokenBucket(perSecond, burst int64) *tokenBucket {
	return &tokenBucket{
		tokens:     burst,
		lastRefill: time.Now(),
		perSecond:  perSecond,
		burst:      burst,
		now:        time.Now,
	}
}

// refill must be called with mu held.
func (b *tokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int64(elapsed.Seconds() * float64(b.perSecond))
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// tryConsume refills, then consumes one token if available. Returns
// whether a token was consumed.
func (b *tokenBucket) tryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count (for tests/metrics).
func (b *tokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}
