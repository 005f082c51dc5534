// Package nonce tracks nonces already observed from a peer so that
// discovery replies and handshakes cannot be replayed.
package nonce

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for a Cache.
const (
	DefaultSize = 1024
	DefaultTTL  = 10 * time.Minute
)

// Cache is a bounded, expiring set of (peer, nonce) pairs. Entries fall
// out after the TTL or when the size bound evicts the oldest.
type Cache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewCache creates a cache. Zero values select the defaults.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func key(peer string, nonce []byte) string {
	return peer + "/" + hex.EncodeToString(nonce)
}

// Seen reports whether nonce was already recorded for peer.
func (c *Cache) Seen(peer string, nonce []byte) bool {
	return c.seen.Contains(key(peer, nonce))
}

// Consume records nonce for peer. It returns false if the pair was
// already present, in which case the caller must treat it as a replay.
func (c *Cache) Consume(peer string, nonce []byte) bool {
	k := key(peer, nonce)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen.Contains(k) {
		return false
	}
	c.seen.Add(k, struct{}{})
	return true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.seen.Len()
}
