// Package flood implements best-effort, TTL-bounded message flooding over the
// overlay. Every message is re-broadcast by each node at most once; delivery
// is not guaranteed and duplicate copies are expected and absorbed by dedup.
package flood

import (
	"sync"
	"time"
)

// BroadcastDest is the reserved destination addressing every node.
const BroadcastDest = "BROADCAST"

// RoutedMessage is the flood envelope. TTL is the only mutable field; two
// copies differing solely in TTL are the same message.
type RoutedMessage struct {
	MessageID string `json:"messageId"`
	SourceID  string `json:"sourceId"`
	DestID    string `json:"destId"`
	TTL       int    `json:"ttl"`
	Payload   []byte `json:"payload"`
}

// dedupKey identifies a message independent of its remaining TTL.
type dedupKey struct {
	messageID string
	sourceID  string
	destID    string
}

func keyOf(msg RoutedMessage) dedupKey {
	return dedupKey{messageID: msg.MessageID, sourceID: msg.SourceID, destID: msg.DestID}
}

// seenCache bounds the dedup state: entries expire by age, and when the cache
// still overflows its entry limit the oldest entries are evicted.
type seenCache struct {
	mu     sync.Mutex
	limit  int
	maxAge time.Duration
	seen   map[dedupKey]time.Time
	now    func() time.Time
}

func newSeenCache(limit int, maxAge time.Duration) *seenCache {
	return &seenCache{
		limit:  limit,
		maxAge: maxAge,
		seen:   make(map[dedupKey]time.Time),
		now:    time.Now,
	}
}

// Add records the key and reports whether it was new.
func (c *seenCache) Add(key dedupKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return false
	}
	if len(c.seen) >= c.limit {
		c.sweepLocked()
	}
	c.seen[key] = c.now()
	return true
}

func (c *seenCache) sweepLocked() {
	cutoff := c.now().Add(-c.maxAge)
	for k, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.limit {
		var oldestKey dedupKey
		var oldest time.Time
		first := true
		for k, at := range c.seen {
			if first || at.Before(oldest) {
				oldestKey, oldest = k, at
				first = false
			}
		}
		delete(c.seen, oldestKey)
	}
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
