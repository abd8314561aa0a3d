package lim

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gistlock/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

// Limiter bounds credential attempts per gist id. Every Update or
// DeleteIfNeeded that presents a PIN or deletion proof consumes one
// token from that record's bucket, which caps online guessing without
// coordinating across records.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rpm      int
	burst    int
	quit     chan struct{}
	stopOnce sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func New(rpm, burst int) *Limiter {
	if rpm < 1 {
		rpm = 1
	}
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		limiters: make(map[string]*limiterEntry),
		rpm:      rpm,
		burst:    burst,
		quit:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether one more attempt against id may proceed.
// At capacity the map sheds its oldest entries first; if shedding does
// not make room the attempt is rejected rather than tracked unbounded.
func (l *Limiter) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.limiters) >= maxLimiters {
		l.evictOldestLocked(maxLimiters / 10)
	}
	if len(l.limiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.limiters)).
			Str("id", id).
			Msg("attempt limiter at capacity, rejecting")
		return false
	}
	entry, exists := l.limiters[id]
	if !exists {
		entry = &limiterEntry{
			limiter:    rate.NewLimiter(rate.Limit(l.rpm)/60.0, l.burst),
			lastAccess: time.Now(),
		}
		l.limiters[id] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	return entry.limiter.Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpired() {
	now := time.Now()
	l.mu.Lock()
	toDelete := make([]string, 0, 100)
	for key, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(l.limiters, key)
	}
	evicted := len(toDelete)
	remaining := len(l.limiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("attempt limiter cleanup")
	}
}

func (l *Limiter) evictOldestLocked(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.limiters))
	for k, v := range l.limiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.limiters, entries[i].key)
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
}
