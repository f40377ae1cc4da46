// Package metrics provides lightweight, lock-free request counters using
// atomic operations so they impose minimal overhead on hot paths.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks aggregate statistics across connections, pools, DNS, and
// session-cache lookups.
//
// All counters are accessed exclusively through atomic operations, which means:
//   - There is no mutex contention even at 2 000 concurrent sessions.
//   - The struct may be embedded or passed as a pointer without additional
//     synchronisation.
//   - Reads and writes are linearisable: a value read after a write always
//     reflects at least that write.
//
// Fields are uint64 and aligned to 64-bit boundaries to satisfy the
// requirements of sync/atomic on 32-bit platforms.
type Metrics struct {
	// TotalRequests is the number of HTTP requests dispatched since startup.
	TotalRequests uint64

	// Success is the number of requests that received a non-error response.
	Success uint64

	// Failed is the number of requests that resulted in a transport error or
	// a non-2xx/3xx response (application-level definition of failure).
	Failed uint64

	// PoolHits counts ConnectionPool.Acquire calls satisfied by an existing
	// pooled connection.
	PoolHits uint64

	// PoolMisses counts Acquire calls that found no connection with spare
	// capacity and had to create one.
	PoolMisses uint64

	// PoolExhausted counts Acquire calls that failed because the host pool
	// was already at max_connections.
	PoolExhausted uint64

	// PoolCreated counts connections successfully dialed and added to a
	// host pool.
	PoolCreated uint64

	// PoolReaped counts connections closed by the idle-timeout reaper.
	PoolReaped uint64

	// DNSCacheHits and DNSCacheMisses count dnsresolver.Resolver cache
	// lookups.
	DNSCacheHits   uint64
	DNSCacheMisses uint64

	// SessionCacheHits and SessionCacheMisses count sessioncache.Cache
	// lookups used to resume a TLS session.
	SessionCacheHits   uint64
	SessionCacheMisses uint64

	// startTime records when the metrics instance was created so that
	// RequestsPerSecond can compute a meaningful rate.
	startTime time.Time
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// IncrementTotal atomically increments the total-requests counter.
func (m *Metrics) IncrementTotal() {
	atomic.AddUint64(&m.TotalRequests, 1)
}

// IncrementSuccess atomically increments the successful-requests counter.
func (m *Metrics) IncrementSuccess() {
	atomic.AddUint64(&m.Success, 1)
}

// IncrementFailed atomically increments the failed-requests counter.
func (m *Metrics) IncrementFailed() {
	atomic.AddUint64(&m.Failed, 1)
}

// RequestsPerSecond returns the average request rate since the Metrics
// instance was created.  Returns 0 if no time at all has elapsed since
// creation, to avoid division by zero.
func (m *Metrics) RequestsPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.TotalRequests)) / elapsed
}

// Snapshot returns a point-in-time copy of the counters.  Because three
// separate atomic loads are not performed under a single lock, the snapshot
// may be very slightly inconsistent at nanosecond granularity, which is
// acceptable for monitoring purposes.
func (m *Metrics) Snapshot() (total, success, failed uint64) {
	return atomic.LoadUint64(&m.TotalRequests),
		atomic.LoadUint64(&m.Success),
		atomic.LoadUint64(&m.Failed)
}

// IncrementPoolHit atomically increments PoolHits.
func (m *Metrics) IncrementPoolHit() { atomic.AddUint64(&m.PoolHits, 1) }

// IncrementPoolMiss atomically increments PoolMisses.
func (m *Metrics) IncrementPoolMiss() { atomic.AddUint64(&m.PoolMisses, 1) }

// IncrementPoolExhausted atomically increments PoolExhausted.
func (m *Metrics) IncrementPoolExhausted() { atomic.AddUint64(&m.PoolExhausted, 1) }

// IncrementPoolCreated atomically increments PoolCreated.
func (m *Metrics) IncrementPoolCreated() { atomic.AddUint64(&m.PoolCreated, 1) }

// AddPoolReaped atomically adds n to PoolReaped.
func (m *Metrics) AddPoolReaped(n uint64) { atomic.AddUint64(&m.PoolReaped, n) }

// IncrementDNSCacheHit atomically increments DNSCacheHits.
func (m *Metrics) IncrementDNSCacheHit() { atomic.AddUint64(&m.DNSCacheHits, 1) }

// IncrementDNSCacheMiss atomically increments DNSCacheMisses.
func (m *Metrics) IncrementDNSCacheMiss() { atomic.AddUint64(&m.DNSCacheMisses, 1) }

// IncrementSessionCacheHit atomically increments SessionCacheHits.
func (m *Metrics) IncrementSessionCacheHit() { atomic.AddUint64(&m.SessionCacheHits, 1) }

// IncrementSessionCacheMiss atomically increments SessionCacheMisses.
func (m *Metrics) IncrementSessionCacheMiss() { atomic.AddUint64(&m.SessionCacheMisses, 1) }

// PoolSnapshot returns a point-in-time copy of the connection-pool counters.
func (m *Metrics) PoolSnapshot() (hits, misses, exhausted, created, reaped uint64) {
	return atomic.LoadUint64(&m.PoolHits),
		atomic.LoadUint64(&m.PoolMisses),
		atomic.LoadUint64(&m.PoolExhausted),
		atomic.LoadUint64(&m.PoolCreated),
		atomic.LoadUint64(&m.PoolReaped)
}
