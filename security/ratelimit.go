package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiterEntry tracks a limiter and its last access for LRU eviction.
type hostLimiterEntry struct {
	host       string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// HostLimiter rate-limits outbound requests per target host using a
// token bucket per host, with LRU eviction to bound memory when the
// client talks to many distinct authorization servers.
//
// The OAuth client sits in front of third-party authorization servers it
// does not control; a retry loop or a burst of concurrent flows must not
// turn into a request flood against someone else's token endpoint.
type HostLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lruList    *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
}

// NewHostLimiter creates a per-host limiter allowing requestsPerSecond
// sustained with the given burst. requestsPerSecond <= 0 disables
// limiting entirely (Allow and Wait always succeed immediately).
func NewHostLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *HostLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostLimiter{
		limiters:   make(map[string]*list.Element),
		lruList:    list.New(),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: 1000,
		logger:     logger,
	}
}

// Allow reports whether a request to the given host may proceed now.
func (hl *HostLimiter) Allow(host string) bool {
	if hl == nil || hl.rate <= 0 {
		return true
	}
	return hl.limiterFor(host).Allow()
}

// Wait blocks until a request to the given host may proceed or the
// context is done.
func (hl *HostLimiter) Wait(ctx context.Context, host string) error {
	if hl == nil || hl.rate <= 0 {
		return ctx.Err()
	}
	return hl.limiterFor(host).Wait(ctx)
}

func (hl *HostLimiter) limiterFor(host string) *rate.Limiter {
	now := time.Now()

	hl.mu.Lock()
	defer hl.mu.Unlock()

	if elem, ok := hl.limiters[host]; ok {
		hl.lruList.MoveToFront(elem)
		entry := elem.Value.(*hostLimiterEntry)
		entry.lastAccess = now
		return entry.limiter
	}

	if hl.maxEntries > 0 && len(hl.limiters) >= hl.maxEntries {
		hl.evictLRU()
	}

	entry := &hostLimiterEntry{
		host:       host,
		limiter:    rate.NewLimiter(hl.rate, hl.burst),
		lastAccess: now,
	}
	hl.limiters[host] = hl.lruList.PushFront(entry)
	return entry.limiter
}

// evictLRU removes the least recently used entry. Caller holds hl.mu.
func (hl *HostLimiter) evictLRU() {
	elem := hl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*hostLimiterEntry)
	hl.lruList.Remove(elem)
	delete(hl.limiters, entry.host)
	hl.logger.Debug("Evicted LRU host limiter", "host", entry.host)
}

// Len returns the number of hosts currently tracked.
func (hl *HostLimiter) Len() int {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return len(hl.limiters)
}
