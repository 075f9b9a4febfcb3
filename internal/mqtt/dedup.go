package mqtt

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Broker-side QoS 1 redelivery shows up as byte-identical messages arriving
// close together. Entries older than the TTL are swept lazily.
const (
	dedupTTL   = 2 * time.Second
	sweepEvery = 30 * time.Second
)

// messageCache suppresses duplicate deliveries keyed by (topic, payload
// hash). Safe for use from the paho callback goroutine.
type messageCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newMessageCache() *messageCache {
	return &messageCache{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Duplicate records the message identity and reports whether it was already
// seen within the TTL window.
func (c *messageCache) Duplicate(topic string, payload []byte) bool {
	h := fnv.New64a()
	h.Write(payload)
	id := fmt.Sprintf("%s:%x", topic, h.Sum64())

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) > sweepEvery {
		for key, stamp := range c.seen {
			if now.Sub(stamp) > dedupTTL {
				delete(c.seen, key)
			}
		}
		c.lastSweep = now
	}

	if stamp, ok := c.seen[id]; ok && now.Sub(stamp) <= dedupTTL {
		return true
	}
	c.seen[id] = now
	return false
}
