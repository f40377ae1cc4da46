package dnsresolver_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holytls/holytls/dnsresolver"
	"github.com/holytls/holytls/reactor"
	"github.com/holytls/holytls/worker"
)

func newTestResolver(t *testing.T, lookups *int32, ttl time.Duration) (*dnsresolver.Resolver, *reactor.Reactor, func()) {
	t.Helper()
	wp := worker.NewWorkerPool(2)
	wp.Start()
	r := reactor.New(0, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	lookup := func(ctx context.Context, host string) ([]net.IPAddr, error) {
		atomic.AddInt32(lookups, 1)
		return []net.IPAddr{{IP: net.ParseIP("203.0.113.10")}, {IP: net.ParseIP("2001:db8::1")}}, nil
	}
	res := dnsresolver.NewResolver(lookup, wp, r, nil, ttl)
	return res, r, func() {
		cancel()
		wp.Stop()
	}
}

func TestResolveAsync_CacheMissThenHit(t *testing.T) {
	var lookups int32
	res, r, cleanup := newTestResolver(t, &lookups, time.Minute)
	defer cleanup()

	done := make(chan struct{})
	r.Post(func() {
		res.ResolveAsync(context.Background(), "example.com", func(results []dnsresolver.Result, err error) {
			if err != nil {
				t.Errorf("ResolveAsync() error = %v", err)
			}
			if len(results) != 2 {
				t.Errorf("ResolveAsync() results = %v, want 2 entries", results)
			}
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first ResolveAsync")
	}

	done2 := make(chan struct{})
	r.Post(func() {
		res.ResolveAsync(context.Background(), "example.com", func(results []dnsresolver.Result, err error) {
			close(done2)
		})
	})
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second ResolveAsync")
	}

	if got := atomic.LoadInt32(&lookups); got != 1 {
		t.Fatalf("lookup called %d times, want 1 (second call should hit the cache)", got)
	}
	hits, misses := res.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("Stats() = (%d, %d), want (1, 1)", hits, misses)
	}
	if res.CacheLen() != 1 {
		t.Fatalf("CacheLen() = %d, want 1", res.CacheLen())
	}
}

func TestResolveAsync_IPv4AndIPv6Flagged(t *testing.T) {
	var lookups int32
	res, r, cleanup := newTestResolver(t, &lookups, time.Minute)
	defer cleanup()

	done := make(chan struct{})
	r.Post(func() {
		res.ResolveAsync(context.Background(), "example.com", func(results []dnsresolver.Result, err error) {
			defer close(done)
			if err != nil {
				t.Fatalf("ResolveAsync() error = %v", err)
			}
			if len(results) != 2 {
				t.Fatalf("results = %v, want 2", results)
			}
			if results[0].IsIPv6 {
				t.Errorf("results[0] = %v, want IsIPv6 = false", results[0])
			}
			if !results[1].IsIPv6 {
				t.Errorf("results[1] = %v, want IsIPv6 = true", results[1])
			}
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ResolveAsync")
	}
}

func TestResolveAsync_PropagatesLookupError(t *testing.T) {
	wp := worker.NewWorkerPool(1)
	wp.Start()
	defer wp.Stop()
	r := reactor.New(0, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	wantErr := &net.DNSError{Err: "no such host", Name: "nonexistent.invalid"}
	lookup := func(ctx context.Context, host string) ([]net.IPAddr, error) { return nil, wantErr }
	res := dnsresolver.NewResolver(lookup, wp, r, nil, time.Minute)

	done := make(chan struct{})
	r.Post(func() {
		res.ResolveAsync(context.Background(), "nonexistent.invalid", func(results []dnsresolver.Result, err error) {
			defer close(done)
			if err == nil {
				t.Fatal("ResolveAsync() error = nil, want lookup failure")
			}
			if results != nil {
				t.Fatalf("results = %v, want nil on error", results)
			}
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ResolveAsync")
	}
}
