// Package reactor provides the single-dispatcher-goroutine-per-shard
// ordering contract HolyTLS's connection core relies on.
//
// Go's runtime netpoller already does the non-blocking readiness polling a
// hand-rolled epoll loop would; what the core actually needs from "a
// reactor" is the guarantee that exactly one goroutine ever touches a given
// shard's connection/pool/cache state at a time, and that any other
// goroutine (a connection's reader, a timer, a cross-shard caller) can hand
// work to that goroutine without taking a lock. Reactor provides exactly
// that: one dispatcher goroutine draining a buffered channel of posted
// closures. Everything reachable only from a posted closure needs no mutex.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holytls/holytls/logger"
)

// kMaxHandlers bounds the registration table, matching the fd-table limit
// (kMaxFds = 65536) a single-threaded epoll reactor imposes on open sockets.
const kMaxHandlers = 65536

// HandlerID identifies a registered handler within one Reactor. Callers
// mint these themselves (e.g. from a monotonic per-shard counter); the
// Reactor only uses it as a map key.
type HandlerID uint64

// EventMask selects which readiness callbacks a handler wants dispatched.
type EventMask uint8

const (
	EventReadable EventMask = 1 << iota
	EventWritable
)

// Handler receives readiness callbacks. All methods are invoked exclusively
// on the owning Reactor's dispatcher goroutine.
type Handler interface {
	OnReadable()
	OnWritable()
	OnError(err error)
	OnClose()
}

// ErrReactorFull is returned by Add when the registration table is at
// capacity.
var ErrReactorFull = fmt.Errorf("reactor: handler table full (kMaxHandlers=%d)", kMaxHandlers)

// ErrReactorStopped is returned when an operation targets a Reactor whose
// dispatcher goroutine has already exited.
var ErrReactorStopped = fmt.Errorf("reactor: stopped")

type registration struct {
	handler Handler
	events  EventMask
}

// Reactor runs one dispatcher goroutine that serializes all handler
// callbacks and posted closures for a single shard. It is not safe to call
// Handler methods directly from outside the dispatcher goroutine; use Post.
type Reactor struct {
	id int

	postCh  chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool

	mu    sync.Mutex // guards handlers; Add/Modify/Remove, dispatch,
	// PostError and PostClose take it, and all of them run on the dispatcher
	// goroutine (Add/Modify/Remove via Post), so in steady state this lock
	// is uncontended.
	handlers map[HandlerID]*registration

	nowMs atomic.Int64

	log *logger.Logger
}

// SetLogger attaches a logger for stop and handler-error events. nil
// disables logging (the default).
func (r *Reactor) SetLogger(l *logger.Logger) { r.log = l }

// New creates a Reactor identified by id (typically its shard index), with
// a posted-closure queue buffered to depth queueDepth.
func New(id int, queueDepth int) *Reactor {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	r := &Reactor{
		id:       id,
		postCh:   make(chan func(), queueDepth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		handlers: make(map[HandlerID]*registration),
	}
	r.nowMs.Store(time.Now().UnixMilli())
	return r
}

// ID returns this reactor's shard index.
func (r *Reactor) ID() int { return r.id }

// NowMs returns the wall-clock time (epoch milliseconds) cached at the
// start of the current dispatch iteration. Handlers should use this instead
// of time.Now() so that all work dispatched within one iteration observes
// the same timestamp instead of drifting across a dispatch iteration.
func (r *Reactor) NowMs() int64 { return r.nowMs.Load() }

// Add registers handler under id with the given interest mask. Safe to call
// from any goroutine; the registration itself is applied on the dispatcher
// goroutine to preserve single-writer semantics, but Add blocks until that
// has happened (or the reactor has stopped) so the caller can rely on the
// registration being visible to the next dispatch.
func (r *Reactor) Add(id HandlerID, events EventMask, h Handler) error {
	errCh := make(chan error, 1)
	posted := r.Post(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.handlers) >= kMaxHandlers {
			if r.log != nil {
				r.log.Errorf("reactor[%d]: handler table full, rejecting handler %d", r.id, id)
			}
			errCh <- ErrReactorFull
			return
		}
		r.handlers[id] = &registration{handler: h, events: events}
		errCh <- nil
	})
	if !posted {
		return ErrReactorStopped
	}
	return <-errCh
}

// Modify updates the interest mask for an already-registered handler.
func (r *Reactor) Modify(id HandlerID, events EventMask) error {
	errCh := make(chan error, 1)
	posted := r.Post(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		reg, ok := r.handlers[id]
		if !ok {
			errCh <- fmt.Errorf("reactor: modify unknown handler %d", id)
			return
		}
		reg.events = events
		errCh <- nil
	})
	if !posted {
		return ErrReactorStopped
	}
	return <-errCh
}

// Remove deregisters a handler. It does not call OnClose; callers that want
// a close notification should invoke it themselves before or after Remove.
func (r *Reactor) Remove(id HandlerID) {
	r.Post(func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	})
}

// dispatch looks up id's registration and, if events intersects its
// interest mask, invokes the matching callback. Called only from the
// dispatcher goroutine (directly, or via a posted closure emitted by a
// connection's I/O goroutine once it has observed real readiness).
func (r *Reactor) dispatch(id HandlerID, fired EventMask) {
	r.mu.Lock()
	reg, ok := r.handlers[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if fired&EventReadable != 0 && reg.events&EventReadable != 0 {
		reg.handler.OnReadable()
	}
	if fired&EventWritable != 0 && reg.events&EventWritable != 0 {
		reg.handler.OnWritable()
	}
}

// PostReadable schedules an OnReadable dispatch for id on this reactor's
// dispatcher goroutine. Connection I/O goroutines call this after a
// blocking read returns data, rather than invoking the handler directly.
func (r *Reactor) PostReadable(id HandlerID) bool {
	return r.Post(func() { r.dispatch(id, EventReadable) })
}

// PostWritable is PostReadable's write-side counterpart.
func (r *Reactor) PostWritable(id HandlerID) bool {
	return r.Post(func() { r.dispatch(id, EventWritable) })
}

// PostError schedules an OnError dispatch for id.
func (r *Reactor) PostError(id HandlerID, err error) bool {
	return r.Post(func() {
		if r.log != nil {
			r.log.Errorf("reactor[%d]: handler %d error: %v", r.id, id, err)
		}
		r.mu.Lock()
		reg, ok := r.handlers[id]
		r.mu.Unlock()
		if ok {
			reg.handler.OnError(err)
		}
	})
}

// PostClose schedules an OnClose dispatch for id.
func (r *Reactor) PostClose(id HandlerID) bool {
	return r.Post(func() {
		r.mu.Lock()
		reg, ok := r.handlers[id]
		r.mu.Unlock()
		if ok {
			reg.handler.OnClose()
		}
	})
}

// Post enqueues fn to run on the dispatcher goroutine, preserving the
// "exactly one goroutine touches this state" invariant for whatever fn
// closes over. Safe to call from any goroutine, including the dispatcher
// goroutine itself (fn then runs on the next iteration). Reports false
// without running fn if the reactor has already stopped.
func (r *Reactor) Post(fn func()) bool {
	if r.stopped.Load() {
		return false
	}
	select {
	case r.postCh <- fn:
		return true
	case <-r.stopCh:
		return false
	}
}

// Run drains posted closures until ctx is cancelled or Stop is called,
// refreshing NowMs once per iteration. It returns when the dispatcher
// goroutine exits; callers typically run it in its own goroutine.
func (r *Reactor) Run(ctx context.Context) {
	defer close(r.doneCh)
	for {
		select {
		case <-ctx.Done():
			r.stopped.Store(true)
			r.drain()
			return
		case <-r.stopCh:
			r.stopped.Store(true)
			r.drain()
			return
		case fn := <-r.postCh:
			r.nowMs.Store(time.Now().UnixMilli())
			fn()
		}
	}
}

// drain runs any closures already queued at shutdown time so posters
// blocked on a synchronous round-trip (Add/Modify) don't hang forever.
func (r *Reactor) drain() {
	for {
		select {
		case fn := <-r.postCh:
			fn()
		default:
			return
		}
	}
}

// Stop signals the dispatcher goroutine to exit after draining any
// already-queued closures, and blocks until it has. Safe to call once.
func (r *Reactor) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
	<-r.doneCh
	if r.log != nil {
		r.log.Debugf("reactor[%d]: stopped", r.id)
	}
}
