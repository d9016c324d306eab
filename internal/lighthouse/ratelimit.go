package lighthouse

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// limiter hands out one token bucket per client. Buckets of clients not
// seen recently are evicted.
type limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func newLimiter(limit rate.Limit, burst, clients int) *limiter {
	if clients <= 0 {
		clients = 4096
	}
	buckets, err := lru.New[string, *rate.Limiter](clients)
	if err != nil {
		panic(err) // clients > 0
	}
	return &limiter{limit: limit, burst: burst, buckets: buckets}
}

func (l *limiter) allow(client string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets.Get(client)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(client, b)
	}
	l.mu.Unlock()
	return b.Allow()
}
