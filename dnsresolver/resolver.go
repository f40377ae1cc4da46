// Package dnsresolver implements async, TTL-cached name resolution:
// ResolveAsync offloads the blocking net.Resolver.LookupIPAddr call onto a
// worker.WorkerPool goroutine and
// posts the result back onto the calling reactor (decompress.AsyncDecompressor
// offloads CPU-bound work the same way but calls back from the pool
// goroutine, without a Post). No full third-party DNS client appears anywhere in the pack (the
// one manifest that lists one never imports it from actual source), so
// wrapping the standard library's resolver here is a deliberate stdlib
// boundary rather than an oversight.
package dnsresolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/holytls/holytls/errs"
	"github.com/holytls/holytls/iobuf"
	"github.com/holytls/holytls/metrics"
	"github.com/holytls/holytls/reactor"
	"github.com/holytls/holytls/worker"
)

// DefaultTTL is used when NewResolver is given ttl <= 0.
const DefaultTTL = 60 * time.Second

// defaultMaxEntries bounds the LRU the same way sessioncache.Cache bounds
// its TLS session entries.
const defaultMaxEntries = 4096

// Result is one resolved address: an (ip, is_ipv6) tuple.
type Result struct {
	IP     net.IP
	IsIPv6 bool
}

type entry struct {
	host      string
	results   []Result
	expiresAt time.Time
}

// cache is a TTL-bounded LRU of hostname -> resolved addresses, built on the
// same iobuf.List intrusive arena sessioncache.Cache uses. Unlike the
// session cache, Alt-Svc cache, and cookie jar — which are the
// mutex-protected exceptions to the reactor-local rule — a DNS resolver is
// itself reactor-local: each reactor shard owns its own resolver, so this
// cache carries no lock of its own: callers must only ever touch it from the
// owning reactor's dispatcher goroutine.
type cache struct {
	list       *iobuf.List[entry]
	index      map[string]int
	maxEntries int
}

func newCache(maxEntries int) *cache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &cache{
		list:       iobuf.NewList[entry](64),
		index:      make(map[string]int),
		maxEntries: maxEntries,
	}
}

func (c *cache) get(host string, now time.Time) ([]Result, bool) {
	idx, ok := c.index[host]
	if !ok {
		return nil, false
	}
	e := c.list.Value(idx)
	if now.After(e.expiresAt) {
		c.list.Remove(idx)
		delete(c.index, host)
		return nil, false
	}
	c.list.MoveToFront(idx)
	return e.results, true
}

func (c *cache) put(host string, results []Result, expiresAt time.Time) {
	e := entry{host: host, results: results, expiresAt: expiresAt}
	if idx, ok := c.index[host]; ok {
		c.list.SetValue(idx, e)
		c.list.MoveToFront(idx)
		return
	}
	idx := c.list.PushFront(e)
	c.index[host] = idx
	for c.list.Len() > c.maxEntries {
		_, tailIdx, ok := c.list.Back()
		if !ok {
			break
		}
		tail := c.list.Value(tailIdx)
		c.list.Remove(tailIdx)
		delete(c.index, tail.host)
	}
}

func (c *cache) len() int { return c.list.Len() }

// LookupFunc matches net.Resolver.LookupIPAddr's signature. Exported so
// callers (and tests) can substitute their own resolution source without
// reaching into Resolver's internals — the same dependency-injection shape
// pool.TCPDialer/pool.QuicDialer use.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver performs async, cached hostname resolution for one reactor
// shard.
type Resolver struct {
	lookup  LookupFunc
	pool    *worker.WorkerPool
	reactor *reactor.Reactor
	cache   *cache
	ttl     time.Duration
	metrics *metrics.Metrics

	hits   int64
	misses int64
}

// NewResolver creates a Resolver that offloads lookups onto wp and delivers
// results on r. lookup nil uses net.Resolver.LookupIPAddr. ttl <= 0 uses
// DefaultTTL. m may be nil.
func NewResolver(lookup LookupFunc, wp *worker.WorkerPool, r *reactor.Reactor, m *metrics.Metrics, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if lookup == nil {
		nr := &net.Resolver{}
		lookup = nr.LookupIPAddr
	}
	return &Resolver{
		lookup:  lookup,
		pool:    wp,
		reactor: r,
		cache:   newCache(0),
		ttl:     ttl,
		metrics: m,
	}
}

// ResolveAsync resolves host, invoking cb on the resolver's own reactor
// either synchronously (on a cache hit, so callers may assume cb always
// eventually runs on the reactor goroutine) or after a round trip through
// the worker pool (on a miss). A non-nil error means resolution failed;
// results is nil in that case.
func (r *Resolver) ResolveAsync(ctx context.Context, host string, cb func(results []Result, err error)) {
	if results, ok := r.cache.get(host, time.Now()); ok {
		r.incHit()
		cb(results, nil)
		return
	}
	r.incMiss()
	r.pool.Submit(func() {
		addrs, err := r.lookup(ctx, host)
		var results []Result
		if err == nil {
			results = make([]Result, 0, len(addrs))
			for _, a := range addrs {
				results = append(results, Result{IP: a.IP, IsIPv6: a.IP.To4() == nil})
			}
		} else {
			reason := errs.ReasonResolutionFailed
			if ctx.Err() != nil {
				reason = errs.ReasonTimeout
			}
			err = errs.New(errs.KindDNS, reason, fmt.Sprintf("dnsresolver.ResolveAsync(%s)", host), err)
		}
		r.reactor.Post(func() {
			if err == nil {
				r.cache.put(host, results, time.Now().Add(r.ttl))
			}
			cb(results, err)
		})
	})
}

// Stats returns cumulative cache hit/miss counts.
func (r *Resolver) Stats() (hits, misses int64) { return r.hits, r.misses }

// CacheLen returns the number of cached hostnames.
func (r *Resolver) CacheLen() int { return r.cache.len() }

func (r *Resolver) incHit() {
	r.hits++
	if r.metrics != nil {
		r.metrics.IncrementDNSCacheHit()
	}
}

func (r *Resolver) incMiss() {
	r.misses++
	if r.metrics != nil {
		r.metrics.IncrementDNSCacheMiss()
	}
}
