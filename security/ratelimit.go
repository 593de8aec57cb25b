// Package security provides the cross-cutting request guards for the broker:
// per-endpoint-family rate limiting, CSRF tokens for browser-facing forms,
// client IP extraction, audit logging, and security response headers.
package security

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Endpoint families for rate limiting. Each family has its own quota so a
// flood against one endpoint cannot starve the others.
const (
	FamilyRegister  = "register"
	FamilyAuthorize = "authorize"
	FamilyToken     = "token"
	FamilyAPIKey    = "apikey"
)

const (
	defaultWindowMaxEntries   = 10000
	defaultWindowCleanupEvery = 5 * time.Minute
)

// windowEntry tracks request timestamps for one family:ip key.
type windowEntry struct {
	key        string
	timestamps []time.Time
	lastAccess time.Time
}

// WindowLimiter is a sliding-window request counter keyed by endpoint family
// and client IP, with LRU eviction to bound memory. State is process-local;
// multi-instance deployments accept the per-instance precision loss.
type WindowLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lruList    *list.List
	quota      int
	window     time.Duration
	maxEntries int
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewWindowLimiter creates a limiter allowing quota requests per window for
// each family:ip key. A background goroutine drops idle entries.
func NewWindowLimiter(quota int, window time.Duration, logger *slog.Logger) *WindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if quota <= 0 {
		quota = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	l := &WindowLimiter{
		entries:     make(map[string]*list.Element),
		lruList:     list.New(),
		quota:       quota,
		window:      window,
		maxEntries:  defaultWindowMaxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from ip against the given endpoint family
// fits the window quota, and if not, how long until the window frees a slot.
func (l *WindowLimiter) Allow(family, ip string) (bool, time.Duration) {
	now := time.Now()
	key := fmt.Sprintf("%s:%s", family, ip)
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[key]
	if !ok {
		if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
			l.evictLRU()
		}
		entry := &windowEntry{key: key, lastAccess: now}
		elem = l.lruList.PushFront(entry)
		l.entries[key] = elem
	} else {
		l.lruList.MoveToFront(elem)
	}

	entry := elem.Value.(*windowEntry)
	entry.lastAccess = now

	// slide the window
	kept := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	entry.timestamps = kept

	if len(entry.timestamps) >= l.quota {
		retryAfter := entry.timestamps[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	entry.timestamps = append(entry.timestamps, now)
	return true, 0
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (l *WindowLimiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*windowEntry)
	delete(l.entries, entry.key)
	l.lruList.Remove(elem)
	l.logger.Debug("rate limiter LRU eviction", "key", entry.key)
}

func (l *WindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultWindowCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(2 * l.window)
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops entries idle longer than maxIdle.
func (l *WindowLimiter) cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*windowEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(l.entries, entry.key)
			l.lruList.Remove(elem)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (l *WindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
