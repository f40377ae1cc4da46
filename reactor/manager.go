package reactor

import (
	"context"
	"hash/fnv"
	"runtime"
	"strconv"
	"sync"
)

// ReactorManager owns a fixed set of Reactor shards and routes work to them
// by a consistent hash of host:port, so every connection to a given origin
// is always dispatched on the same shard's goroutine — generalizing the
// fan-out-by-request-id loop a dispatcher would use, to fan out by shard
// instead.
type ReactorManager struct {
	reactors []*Reactor
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReactorManager constructs numWorkers reactors (0 or negative means
// runtime.NumCPU()) and starts each one's dispatcher goroutine.
func NewReactorManager(numWorkers int, queueDepth int) *ReactorManager {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ReactorManager{
		reactors: make([]*Reactor, numWorkers),
		cancel:   cancel,
	}
	for i := 0; i < numWorkers; i++ {
		r := New(i, queueDepth)
		m.reactors[i] = r
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			r.Run(ctx)
		}()
	}
	return m
}

// NumShards returns the number of reactor shards.
func (m *ReactorManager) NumShards() int { return len(m.reactors) }

// Shard returns the reactor at index i. Callers obtain i from RouteFor or
// ShardIndexFor.
func (m *ReactorManager) Shard(i int) *Reactor { return m.reactors[i%len(m.reactors)] }

// RouteFor returns the reactor responsible for host:port, selected by
// FNV-1a of "host:port" mod the shard count. The same origin always maps to
// the same shard for the lifetime of the manager.
func (m *ReactorManager) RouteFor(host string, port int) *Reactor {
	return m.Shard(ShardIndexFor(host, port, len(m.reactors)))
}

// ShardIndexFor computes the shard index for host:port given numShards,
// without requiring a ReactorManager instance (useful for pre-sizing
// per-shard resource slices that a higher-level composition root — the
// package that owns the connection pool, DNS resolver and chunk pool per
// shard — allocates alongside a ReactorManager).
func ShardIndexFor(host string, port int, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.Itoa(port)))
	return int(h.Sum32()) % numShards
}

// Stop signals every shard's dispatcher goroutine to exit and waits for all
// of them to finish.
func (m *ReactorManager) Stop() {
	m.cancel()
	for _, r := range m.reactors {
		r.Stop()
	}
	m.wg.Wait()
}
