package reactor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holytls/holytls/reactor"
)

type recordingHandler struct {
	mu        sync.Mutex
	readable  int
	writable  int
	lastErr   error
	closed    bool
	goroutine chan struct{}
}

func (h *recordingHandler) OnReadable() {
	h.mu.Lock()
	h.readable++
	h.mu.Unlock()
}

func (h *recordingHandler) OnWritable() {
	h.mu.Lock()
	h.writable++
	h.mu.Unlock()
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func (h *recordingHandler) OnClose() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *recordingHandler) counts() (readable, writable int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readable, h.writable
}

func newRunningReactor(t *testing.T) (*reactor.Reactor, func()) {
	t.Helper()
	r := reactor.New(0, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, func() {
		cancel()
		r.Stop()
	}
}

func TestReactor_AddAndDispatchReadable(t *testing.T) {
	r, stop := newRunningReactor(t)
	defer stop()

	h := &recordingHandler{}
	if err := r.Add(1, reactor.EventReadable|reactor.EventWritable, h); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	if !r.PostReadable(1) {
		t.Fatal("PostReadable returned false on a running reactor")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if readable, _ := h.counts(); readable == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handler never observed OnReadable dispatch")
}

func TestReactor_EventMaskFiltersDispatch(t *testing.T) {
	r, stop := newRunningReactor(t)
	defer stop()

	h := &recordingHandler{}
	// Only interested in writable events.
	if err := r.Add(2, reactor.EventWritable, h); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	r.PostReadable(2)
	r.PostWritable(2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		readable, writable := h.counts()
		if writable == 1 {
			if readable != 0 {
				t.Fatalf("expected readable dispatch to be filtered out, got %d", readable)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("writable dispatch never observed")
}

func TestReactor_PostErrorAndClose(t *testing.T) {
	r, stop := newRunningReactor(t)
	defer stop()

	h := &recordingHandler{}
	if err := r.Add(3, reactor.EventReadable, h); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	wantErr := errors.New("boom")
	r.PostError(3, wantErr)
	r.PostClose(3)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		closed := h.closed
		lastErr := h.lastErr
		h.mu.Unlock()
		if closed && lastErr == wantErr {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handler never observed OnError+OnClose")
}

func TestReactor_PostAfterStopReturnsFalse(t *testing.T) {
	r := reactor.New(0, 4)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	cancel()
	r.Stop()

	if r.Post(func() {}) {
		t.Fatal("Post returned true after reactor stopped")
	}
}

func TestReactorManager_RouteForIsStableAndConsistent(t *testing.T) {
	mgr := reactor.NewReactorManager(4, 16)
	defer mgr.Stop()

	first := mgr.RouteFor("example.com", 443)
	second := mgr.RouteFor("example.com", 443)
	if first.ID() != second.ID() {
		t.Fatalf("RouteFor is not stable: got shards %d and %d", first.ID(), second.ID())
	}
}

func TestReactorManager_ShardIndexWithinRange(t *testing.T) {
	const numShards = 8
	for _, host := range []string{"a.example", "b.example", "long-hostname.example.org", "x"} {
		idx := reactor.ShardIndexFor(host, 443, numShards)
		if idx < 0 || idx >= numShards {
			t.Fatalf("ShardIndexFor(%q) = %d, out of range [0,%d)", host, idx, numShards)
		}
	}
}

func TestReactorManager_DefaultsToNumCPUWhenZero(t *testing.T) {
	mgr := reactor.NewReactorManager(0, 16)
	defer mgr.Stop()
	if mgr.NumShards() < 1 {
		t.Fatalf("NumShards() = %d, want >= 1", mgr.NumShards())
	}
}
