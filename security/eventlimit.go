package security

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultEventLimiterEntries = 1000

// eventLimiterEntry pairs a token-bucket limiter with its last access time.
type eventLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// EventLimiter throttles security event logging per identifier so a replay
// or brute-force attack cannot flood the logs. It uses a token bucket per
// identifier with LRU eviction.
type EventLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lruList    *list.List
	perSecond  rate.Limit
	burst      int
	maxEntries int
}

// NewEventLimiter creates an event limiter allowing perSecond events with the
// given burst per identifier.
func NewEventLimiter(perSecond float64, burst int) *EventLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &EventLimiter{
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
		perSecond:  rate.Limit(perSecond),
		burst:      burst,
		maxEntries: defaultEventLimiterEntries,
	}
}

// Allow reports whether an event for the identifier may be logged now.
func (l *EventLimiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[identifier]; ok {
		l.lruList.MoveToFront(elem)
		entry := elem.Value.(*eventLimiterEntry)
		entry.lastAccess = time.Now()
		return entry.limiter.Allow()
	}

	if len(l.entries) >= l.maxEntries {
		if back := l.lruList.Back(); back != nil {
			entry := back.Value.(*eventLimiterEntry)
			delete(l.entries, entry.identifier)
			l.lruList.Remove(back)
		}
	}

	entry := &eventLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(l.perSecond, l.burst),
		lastAccess: time.Now(),
	}
	l.entries[identifier] = l.lruList.PushFront(entry)
	return entry.limiter.Allow()
}
