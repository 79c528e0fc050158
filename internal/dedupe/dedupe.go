// Package dedupe provides a process-local, time-windowed suppression set for
// outbound notifications.
package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/linnemanlabs/go-core/xerrors"
)

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 10000

// Cache remembers when each key was last admitted. A key admitted at T
// suppresses the same key until T+window.
//
// Capacity is a soft bound: when exceeded, expired entries are purged first
// and then the oldest admitted entries are evicted, even if still inside the
// window. Admission order is tracked by the underlying list, so re-admitting
// an expired key moves it to the newest position.
type Cache struct {
	window     time.Duration
	maxEntries int

	mu    sync.Mutex
	items *simplelru.LRU // string -> time.Time
}

// New creates a Cache. window must be positive; maxEntries <= 0 selects
// DefaultMaxEntries.
func New(window time.Duration, maxEntries int) *Cache {
	if window <= 0 {
		panic(xerrors.New("dedupe window must be positive"))
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	// one slot of headroom so the sweep below decides what goes, not the list
	items, err := simplelru.NewLRU(maxEntries+1, nil)
	if err != nil {
		panic(xerrors.New("dedupe: " + err.Error()))
	}
	return &Cache{
		window:     window,
		maxEntries: maxEntries,
		items:      items,
	}
}

// Window returns the suppression window.
func (c *Cache) Window() time.Duration { return c.window }

// ShouldDrop reports whether key was admitted less than one window before now.
// When it returns false the key is recorded as admitted at now. The check and
// the insert happen under one lock.
func (c *Cache) ShouldDrop(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.items.Peek(key); ok {
		if now.Sub(v.(time.Time)) < c.window {
			return true
		}
	}

	c.items.Add(key, now)

	if c.items.Len() > c.maxEntries {
		c.sweep(now)
	}
	return false
}

// sweep purges expired entries, then evicts oldest-admitted entries until the
// cache is back within bounds. Caller holds mu.
func (c *Cache) sweep(now time.Time) {
	for _, k := range c.items.Keys() {
		v, ok := c.items.Peek(k)
		if ok && now.Sub(v.(time.Time)) >= c.window {
			c.items.Remove(k)
		}
	}
	for c.items.Len() > c.maxEntries {
		if _, _, ok := c.items.RemoveOldest(); !ok {
			return
		}
	}
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Key builds the delivery dedupe key for one (alert, status, channel) triple.
func Key(fingerprint, status, channel string) string {
	return fingerprint + ":" + status + ":" + channel
}
