package channels

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of per-key limiters kept in memory. The
// least recently used key is dropped first; it restarts with a full bucket.
const maxTrackedKeys = 4096

// KeyedLimiter paces calls per key (e.g. per destination chat) with a token
// bucket each. Safe for concurrent use.
type KeyedLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewKeyedLimiter allows perSecond events per key with the given burst.
// perSecond <= 0 disables pacing.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	cache, _ := lru.New[string, *rate.Limiter](maxTrackedKeys) // only fails on size <= 0
	return &KeyedLimiter{limiters: cache, limit: limit, burst: burst}
}

// Wait blocks until key may proceed or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.get(key).Wait(ctx)
}

// Allow reports whether key may proceed now without waiting.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	return k.limiters.Len()
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	if l, ok := k.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(k.limit, k.burst)
	// A concurrent caller may have added one; keep whichever is cached.
	if prev, ok, _ := k.limiters.PeekOrAdd(key, l); ok {
		return prev
	}
	return l
}
