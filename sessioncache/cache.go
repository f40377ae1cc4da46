// Package sessioncache implements the thread-safe LRU TLS session store
// consulted by tlsconn on every handshake: installed as the uTLS
// ClientSessionCache, it is read through Get before the ClientHello and
// written through Put when the server issues a session ticket.
package sessioncache

import (
	"fmt"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/holytls/holytls/iobuf"
	"github.com/holytls/holytls/metrics"
)

// entry is what the LRU list actually stores. session is the live
// *utls.ClientSessionState handed back by uTLS's NewSessionTicket
// callback — it already wraps the raw ticket/master-secret bytes the
// server sent, so caching the struct itself is what "storing the
// serialized session" means in Go (crypto/tls's own
// NewLRUClientSessionCache does the same rather than round-tripping
// through an intermediate byte encoding).
type entry struct {
	key      string
	session  *utls.ClientSessionState
	storedAt time.Time
}

func cacheKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Cache is a thread-safe, size-bounded LRU of TLS session tickets. It
// implements utls.ClientSessionCache directly, so it can be wired straight
// into a utls.Config.ClientSessionCache field, and also exposes a
// host/port-keyed Store/Lookup pair for tlsconn's own use when the SNI and
// the cache key need to be computed explicitly (e.g. before a connection's
// utls.Config exists yet).
type Cache struct {
	mu       sync.Mutex
	list     *iobuf.List[entry]
	index    map[string]int
	maxEntries int

	hits   int64
	misses int64

	metrics *metrics.Metrics
}

// SetMetrics attaches a Metrics instance that Get will report
// SessionCacheHits/SessionCacheMisses into. nil disables reporting (the
// default); Stats() remains accurate either way.
func (c *Cache) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// NewCache creates a session cache that evicts the least-recently-used
// entry once it holds more than maxEntries sessions.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cache{
		list:       iobuf.NewList[entry](64),
		index:      make(map[string]int),
		maxEntries: maxEntries,
	}
}

// Store inserts (or replaces) the session for host:port, moving it to the
// LRU head, evicting the tail while the cache exceeds maxEntries.
func (c *Cache) Store(host string, port int, session *utls.ClientSessionState) {
	c.Put(cacheKey(host, port), session)
}

// Lookup returns the cached session for host:port, or (nil, false) on a
// miss. The returned *ClientSessionState is shared with the cache; uTLS
// treats it as read-only during a handshake so this is safe.
func (c *Cache) Lookup(host string, port int) (*utls.ClientSessionState, bool) {
	return c.Get(cacheKey(host, port))
}

// Get implements utls.ClientSessionCache, keyed by an opaque sessionKey
// (uTLS passes the dial target's host:port by convention).
func (c *Cache) Get(sessionKey string) (*utls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[sessionKey]
	if !ok {
		c.misses++
		if c.metrics != nil {
			c.metrics.IncrementSessionCacheMiss()
		}
		return nil, false
	}
	e := c.list.Value(idx)
	c.list.MoveToFront(idx)
	c.hits++
	if c.metrics != nil {
		c.metrics.IncrementSessionCacheHit()
	}
	return e.session, true
}

// Put implements utls.ClientSessionCache. A nil session removes the entry,
// matching crypto/tls's convention for invalidating a session after a
// failed resumption attempt.
func (c *Cache) Put(sessionKey string, session *utls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session == nil {
		if idx, ok := c.index[sessionKey]; ok {
			c.list.Remove(idx)
			delete(c.index, sessionKey)
		}
		return
	}

	e := entry{key: sessionKey, session: session, storedAt: time.Now()}
	if idx, ok := c.index[sessionKey]; ok {
		c.list.SetValue(idx, e)
		c.list.MoveToFront(idx)
		return
	}

	idx := c.list.PushFront(e)
	c.index[sessionKey] = idx

	for c.list.Len() > c.maxEntries {
		_, tailIdx, ok := c.list.Back()
		if !ok {
			break
		}
		tail := c.list.Value(tailIdx)
		c.list.Remove(tailIdx)
		delete(c.index, tail.key)
	}
}

// Stats returns cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
