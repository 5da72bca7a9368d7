package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterStore hands out one token bucket per tenant and forgets idle ones.
type limiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	if burst <= 0 {
		burst = 1
	}
	return &limiterStore{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
		idleTTL: 15 * time.Minute,
	}
}

func (s *limiterStore) allow(tenant string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[tenant]
	if !ok {
		ent = &limiterEntry{lim: rate.NewLimiter(s.limit, s.burst)}
		s.entries[tenant] = ent
	}
	ent.lastSeen = now
	s.cleanupLocked(now)
	return ent.lim.AllowN(now, 1)
}

func (s *limiterStore) cleanupLocked(now time.Time) {
	cutoff := now.Add(-s.idleTTL)
	for key, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}
