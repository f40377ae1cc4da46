package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holytls/holytls/cluster"
	"github.com/holytls/holytls/errs"
	"github.com/holytls/holytls/logger"
	"github.com/holytls/holytls/metrics"
)

// ProtocolPreference selects how ConnectionPool.Acquire resolves which
// transport to use for an origin.
type ProtocolPreference int

const (
	// ProtocolHttp3Only attempts QUIC only; failure surfaces as an error.
	ProtocolHttp3Only ProtocolPreference = iota
	// ProtocolAuto checks the Alt-Svc cache for H3 support and attempts
	// QUIC first, falling back to TCP on failure.
	ProtocolAuto
	// ProtocolHttp2Preferred uses the TCP pool only; ALPN decides H/2 vs H/1.
	ProtocolHttp2Preferred
	// ProtocolHttp1Only uses the TCP pool with ALPN forced to http/1.1.
	ProtocolHttp1Only
)

func (p ProtocolPreference) String() string {
	switch p {
	case ProtocolHttp3Only:
		return "Http3Only"
	case ProtocolAuto:
		return "Auto"
	case ProtocolHttp2Preferred:
		return "Http2Preferred"
	case ProtocolHttp1Only:
		return "Http1Only"
	default:
		return "Unknown"
	}
}

var (
	// ErrExhausted is returned when a host pool is at max_connections and no
	// entry currently has spare capacity.
	ErrExhausted = errors.New("pool: host pool exhausted")
	// ErrTimeout is returned once the 50-retry / 5s hard acquisition timeout
	// elapses.
	ErrTimeout = errors.New("pool: acquisition timed out")
	// ErrProtocolUnavailable is returned when the requested transport has no
	// dialer configured, or QUIC could not be established for ProtocolHttp3Only.
	ErrProtocolUnavailable = errors.New("pool: requested protocol unavailable")
)

const (
	retryInterval      = 100 * time.Millisecond
	h3FailAfterRetries = 10
	hardTimeoutRetries = 50
)

// TCPDialer dials and fully establishes (proxy tunnel + TLS handshake +
// protocol negotiation) a new TCP-backed connection for host:port. forceHTTP1
// means the caller's profile/TLS config must restrict ALPN to http/1.1.
type TCPDialer func(ctx context.Context, host string, port int, forceHTTP1 bool) (PooledConn, error)

// QuicDialer dials and establishes a new QUIC-backed HTTP/3 connection.
type QuicDialer func(ctx context.Context, host string, port int) (PooledConn, error)

// AltSvcSource is the subset of altsvc.Cache's API ConnectionPool consults
// when resolving ProtocolAuto, kept as a narrow interface so this package
// never needs to import altsvc directly.
type AltSvcSource interface {
	HasHTTP3(origin string) bool
	MarkHTTP3Failed(origin string)
}

// ConnectionPool maps origin ("host:port") to its TCP and QUIC host pools.
// Generalized from session.SessionManager (session/manager.go): that type
// held one flat map
// of id -> Session behind a single sync.RWMutex; ConnectionPool instead
// fans the map out to one HostPool per origin so that contention on one
// origin's pool never blocks acquisition for another, and serializes the
// "is a new connection needed" race per origin with cluster.InMemoryLock
// rather than holding the top-level map lock across a dial.
type ConnectionPool struct {
	mu        sync.RWMutex
	tcpPools  map[string]*HostPool
	quicPools map[string]*QuicHostPool

	tcpCapacity  int
	quicCapacity int

	locks *cluster.InMemoryLock

	tcpDialer  TCPDialer
	quicDialer QuicDialer
	altSvc     AltSvcSource
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// SetLogger attaches a logger for acquire/create/reap/exhausted events. nil
// disables logging (the default).
func (cp *ConnectionPool) SetLogger(l *logger.Logger) { cp.log = l }

// New creates a ConnectionPool. altSvc and m may be nil. tcpDialer is
// required for ProtocolAuto/Http2Preferred/Http1Only; quicDialer is required
// for ProtocolHttp3Only/Auto's QUIC attempt. perHostCapacity of 0 uses
// DefaultMaxConnectionsPerHost for both TCP and QUIC pools.
func New(tcpDialer TCPDialer, quicDialer QuicDialer, altSvc AltSvcSource, m *metrics.Metrics, perHostCapacity int) *ConnectionPool {
	return &ConnectionPool{
		tcpPools:     make(map[string]*HostPool),
		quicPools:    make(map[string]*QuicHostPool),
		tcpCapacity:  perHostCapacity,
		quicCapacity: perHostCapacity,
		locks:        cluster.NewInMemoryLock(),
		tcpDialer:    tcpDialer,
		quicDialer:   quicDialer,
		altSvc:       altSvc,
		metrics:      m,
	}
}

func originKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (cp *ConnectionPool) tcpHostPool(origin string) *HostPool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	hp, ok := cp.tcpPools[origin]
	if !ok {
		hp = NewHostPool(cp.tcpCapacity)
		cp.tcpPools[origin] = hp
	}
	return hp
}

func (cp *ConnectionPool) quicHostPool(origin string) *QuicHostPool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	qp, ok := cp.quicPools[origin]
	if !ok {
		qp = NewQuicHostPool(cp.quicCapacity)
		cp.quicPools[origin] = qp
	}
	return qp
}

func (cp *ConnectionPool) existingTCPPool(origin string) *HostPool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.tcpPools[origin]
}

func (cp *ConnectionPool) existingQuicPool(origin string) *QuicHostPool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.quicPools[origin]
}

// Acquire resolves a connection for host:port per the protocol-preference
// ladder.
func (cp *ConnectionPool) Acquire(ctx context.Context, host string, port int, pref ProtocolPreference) (PooledConn, error) {
	origin := originKey(host, port)
	switch pref {
	case ProtocolHttp3Only:
		return cp.acquireQuic(ctx, origin, host, port, false)
	case ProtocolAuto:
		if cp.altSvc != nil && cp.altSvc.HasHTTP3(origin) {
			conn, err := cp.acquireQuic(ctx, origin, host, port, true)
			if err == nil {
				return conn, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			if cp.quicDialer != nil {
				cp.altSvc.MarkHTTP3Failed(origin)
			}
		}
		return cp.acquireTCP(ctx, origin, host, port, false)
	case ProtocolHttp2Preferred:
		return cp.acquireTCP(ctx, origin, host, port, false)
	case ProtocolHttp1Only:
		return cp.acquireTCP(ctx, origin, host, port, true)
	default:
		return nil, fmt.Errorf("pool: unknown protocol preference %v", pref)
	}
}

func (cp *ConnectionPool) acquireTCP(ctx context.Context, origin, host string, port int, forceHTTP1 bool) (PooledConn, error) {
	if cp.tcpDialer == nil {
		return nil, ErrProtocolUnavailable
	}
	hp := cp.tcpHostPool(origin)
	lockKey := origin + "#tcp"
	for attempt := 0; ; attempt++ {
		if c, ok := hp.Acquire(); ok {
			cp.incHit()
			return c, nil
		}
		cp.incMiss()
		if hp.CanCreate() {
			if err := cp.locks.Lock(ctx, lockKey); err != nil {
				return nil, err
			}
			created, err := cp.createTCP(ctx, hp, host, port, forceHTTP1)
			cp.locks.Unlock(lockKey)
			if err == nil {
				if cp.log != nil {
					cp.log.Debugf("pool: created tcp connection for %s", origin)
				}
				return created, nil
			}
			if cp.log != nil {
				cp.log.Errorf("pool: create tcp connection for %s: %v", origin, err)
			}
		} else {
			cp.incExhausted()
			if cp.log != nil {
				cp.log.Debugf("pool: tcp host pool exhausted for %s", origin)
			}
		}
		if attempt >= hardTimeoutRetries {
			if cp.log != nil {
				cp.log.Errorf("pool: acquire tcp connection for %s timed out after %d attempts", origin, attempt)
			}
			return nil, errs.New(errs.KindPool, errs.ReasonTimeout, fmt.Sprintf("pool.acquireTCP(%s)", origin), ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (cp *ConnectionPool) createTCP(ctx context.Context, hp *HostPool, host string, port int, forceHTTP1 bool) (PooledConn, error) {
	if !hp.CanCreate() {
		return nil, ErrExhausted
	}
	c, err := cp.tcpDialer(ctx, host, port, forceHTTP1)
	if err != nil {
		return nil, err
	}
	if !hp.Add(c) {
		_ = c.Close()
		return nil, ErrExhausted
	}
	cp.incCreated()
	return c, nil
}

func (cp *ConnectionPool) acquireQuic(ctx context.Context, origin, host string, port int, markFailedEarly bool) (PooledConn, error) {
	if cp.quicDialer == nil {
		return nil, ErrProtocolUnavailable
	}
	qp := cp.quicHostPool(origin)
	lockKey := origin + "#quic"
	for attempt := 0; ; attempt++ {
		if c, ok := qp.Acquire(); ok {
			cp.incHit()
			return c, nil
		}
		cp.incMiss()
		if qp.CanCreate() {
			if err := cp.locks.Lock(ctx, lockKey); err != nil {
				return nil, err
			}
			created, err := cp.createQuic(ctx, qp, host, port)
			cp.locks.Unlock(lockKey)
			if err == nil {
				if cp.log != nil {
					cp.log.Debugf("pool: created quic connection for %s", origin)
				}
				return created, nil
			}
			if cp.log != nil {
				cp.log.Errorf("pool: create quic connection for %s: %v", origin, err)
			}
		} else {
			cp.incExhausted()
			if cp.log != nil {
				cp.log.Debugf("pool: quic host pool exhausted for %s", origin)
			}
		}
		if markFailedEarly && attempt+1 >= h3FailAfterRetries {
			return nil, ErrProtocolUnavailable
		}
		if attempt >= hardTimeoutRetries {
			if cp.log != nil {
				cp.log.Errorf("pool: acquire quic connection for %s timed out after %d attempts", origin, attempt)
			}
			return nil, errs.New(errs.KindPool, errs.ReasonTimeout, fmt.Sprintf("pool.acquireQuic(%s)", origin), ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (cp *ConnectionPool) createQuic(ctx context.Context, qp *QuicHostPool, host string, port int) (PooledConn, error) {
	if !qp.CanCreate() {
		return nil, ErrExhausted
	}
	c, err := cp.quicDialer(ctx, host, port)
	if err != nil {
		return nil, err
	}
	if !qp.Add(c) {
		_ = c.Close()
		return nil, ErrExhausted
	}
	cp.incCreated()
	return c, nil
}

// Release marks c as used-just-now, resetting its idle-reap clock. It does
// not close the connection: HTTP/2 multiplexing means one connection serves
// many concurrent requests, so "release" is bookkeeping, not teardown.
func (cp *ConnectionPool) Release(host string, port int, c PooledConn) {
	origin := originKey(host, port)
	if hp := cp.existingTCPPool(origin); hp != nil {
		hp.MarkUsed(c)
	}
	if qp := cp.existingQuicPool(origin); qp != nil {
		qp.MarkUsed(c)
	}
}

// Remove closes and drops c from whichever pool holds it, used for failed or
// GOAWAY'd connections.
func (cp *ConnectionPool) Remove(host string, port int, c PooledConn) {
	origin := originKey(host, port)
	if hp := cp.existingTCPPool(origin); hp != nil {
		hp.Remove(c)
	}
	if qp := cp.existingQuicPool(origin); qp != nil {
		qp.Remove(c)
	}
}

// ReapIdle sweeps every host pool for connections idle longer than
// idleTimeout, closing and dropping them. Returns the number reaped.
func (cp *ConnectionPool) ReapIdle(idleTimeout time.Duration) int {
	cp.mu.RLock()
	tcpPools := make([]*HostPool, 0, len(cp.tcpPools))
	for _, hp := range cp.tcpPools {
		tcpPools = append(tcpPools, hp)
	}
	quicPools := make([]*QuicHostPool, 0, len(cp.quicPools))
	for _, qp := range cp.quicPools {
		quicPools = append(quicPools, qp)
	}
	cp.mu.RUnlock()

	total := 0
	for _, hp := range tcpPools {
		total += len(hp.ReapIdle(idleTimeout))
	}
	for _, qp := range quicPools {
		total += len(qp.ReapIdle(idleTimeout))
	}
	if total > 0 {
		cp.incReaped(uint64(total))
		if cp.log != nil {
			cp.log.Debugf("pool: reaped %d idle connections", total)
		}
	}
	return total
}

// RunReaper starts a goroutine that calls ReapIdle every interval until ctx
// is done, mirroring scheduler.Scheduler's stop-channel-free, ctx-driven
// control loop.
func (cp *ConnectionPool) RunReaper(ctx context.Context, interval, idleTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cp.ReapIdle(idleTimeout)
			}
		}
	}()
}

func (cp *ConnectionPool) incHit() {
	if cp.metrics != nil {
		cp.metrics.IncrementPoolHit()
	}
}

func (cp *ConnectionPool) incMiss() {
	if cp.metrics != nil {
		cp.metrics.IncrementPoolMiss()
	}
}

func (cp *ConnectionPool) incExhausted() {
	if cp.metrics != nil {
		cp.metrics.IncrementPoolExhausted()
	}
}

func (cp *ConnectionPool) incCreated() {
	if cp.metrics != nil {
		cp.metrics.IncrementPoolCreated()
	}
}

func (cp *ConnectionPool) incReaped(n uint64) {
	if cp.metrics != nil {
		cp.metrics.AddPoolReaped(n)
	}
}
