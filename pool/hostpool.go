// Package pool implements the per-origin connection pools and the
// origin-keyed ConnectionPool that sits above them.
//
// Generalized from session.SessionManager's "map + sync.RWMutex, one entry
// per session id" shape (session/manager.go) to "one entry per pooled
// connection, fixed capacity per origin": HostPool plays the role the
// SessionManager's map played, but gains the fixed-capacity and
// HasCapacity-scan semantics a connection-reuse pool needs that a flat
// session registry never did.
package pool

import (
	"sync"
	"time"

	"github.com/holytls/holytls/connection"
)

// DefaultMaxConnectionsPerHost is Chrome's own per-origin connection cap.
const DefaultMaxConnectionsPerHost = 6

// PooledConn is the subset of *connection.Connection (or a future QUIC
// connection wrapper) a HostPool needs to manage capacity and teardown.
type PooledConn interface {
	HasCapacity() bool
	State() connection.State
	Close() error
}

type pooledEntry struct {
	conn       PooledConn
	createdAt  time.Time
	lastUsedAt time.Time
	errorCount int
	removed    bool
}

// HostPool is a fixed-capacity set of pooled connections for one (host,
// port). At most `capacity` entries are held at
// once; CanCreate on the pool itself asks whether a new entry could still
// be created, not whether an existing entry has room (that's Acquire's job).
type HostPool struct {
	mu       sync.Mutex
	entries  []*pooledEntry
	capacity int
}

// NewHostPool creates a HostPool capped at capacity entries (0 or negative
// means DefaultMaxConnectionsPerHost).
func NewHostPool(capacity int) *HostPool {
	if capacity <= 0 {
		capacity = DefaultMaxConnectionsPerHost
	}
	return &HostPool{capacity: capacity}
}

// Acquire returns the first non-removed entry reporting HasCapacity, and
// true. Returns nil, false if every entry is saturated or removed.
func (p *HostPool) Acquire() (PooledConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.removed {
			continue
		}
		if e.conn.HasCapacity() {
			e.lastUsedAt = time.Now()
			return e.conn, true
		}
	}
	return nil, false
}

// CanCreate reports whether the pool has room for one more entry.
func (p *HostPool) CanCreate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCount() < p.capacity
}

func (p *HostPool) liveCount() int {
	n := 0
	for _, e := range p.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// Add registers a newly created connection, returning false if the pool is
// already at capacity (the caller should Close the connection in that case).
func (p *HostPool) Add(c PooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.liveCount() >= p.capacity {
		return false
	}
	now := time.Now()
	p.entries = append(p.entries, &pooledEntry{conn: c, createdAt: now, lastUsedAt: now})
	return true
}

// MarkUsed refreshes the entry's last-used timestamp, resetting its idle
// clock. Called by the owner whenever the connection leaves idle.
func (p *HostPool) MarkUsed(c PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.find(c); e != nil {
		e.lastUsedAt = time.Now()
	}
}

// MarkError increments the entry's error count, used by callers that want to
// track flaky connections ahead of an eventual Remove.
func (p *HostPool) MarkError(c PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.find(c); e != nil {
		e.errorCount++
	}
}

func (p *HostPool) find(c PooledConn) *pooledEntry {
	for _, e := range p.entries {
		if e.conn == c {
			return e
		}
	}
	return nil
}

// Remove closes c and drops its entry, used for failed or GOAWAY'd
// connections.
func (p *HostPool) Remove(c PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.conn == c {
			e.removed = true
			_ = e.conn.Close()
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// ReapIdle removes and closes every entry that both reports HasCapacity
// (i.e. is not mid-request) and has sat unused longer than idleTimeout,
// returning the connections that were reaped.
func (p *HostPool) ReapIdle(idleTimeout time.Duration) []PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var reaped []PooledConn
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !e.removed && e.conn.HasCapacity() && now.Sub(e.lastUsedAt) > idleTimeout {
			_ = e.conn.Close()
			reaped = append(reaped, e.conn)
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	return reaped
}

// Len returns the current (non-removed) entry count.
func (p *HostPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCount()
}

// QuicHostPool is structurally identical to HostPool but keyed to QUIC-backed
// connections, kept as a distinct type so a QUIC connection wrapper need
// only satisfy PooledConn to slot in here unchanged.
type QuicHostPool struct {
	HostPool
}

// NewQuicHostPool creates a QuicHostPool capped at capacity entries.
func NewQuicHostPool(capacity int) *QuicHostPool {
	return &QuicHostPool{HostPool: *NewHostPool(capacity)}
}
