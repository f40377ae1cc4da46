// Package connection composes one TCP flow's proxy tunnel, TLS handshake,
// and HTTP/1.1 or HTTP/2 session into a single state machine with the
// Connecting/ProxyTunnel/TlsHandshake/Connected/Closing/Closed/Error
// lifecycle a fingerprinted client needs, richer than wrapping one
// *http.Client per logical session the way a generic HTTP client would.
package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/holytls/holytls/errs"
	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/http1"
	"github.com/holytls/holytls/http2session"
	"github.com/holytls/holytls/logger"
	"github.com/holytls/holytls/proxytunnel"
	"github.com/holytls/holytls/reactor"
	"github.com/holytls/holytls/sessioncache"
	"github.com/holytls/holytls/tlsconn"
)

// State is one of the Connection lifecycle states.
type State int

const (
	StateConnecting State = iota
	StateProxyTunnel
	StateTlsHandshake
	StateConnected
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateProxyTunnel:
		return "ProxyTunnel"
	case StateTlsHandshake:
		return "TlsHandshake"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Tunneler is the subset of proxytunnel's submachine API Connection drives;
// satisfied by *proxytunnel.HTTPConnect, *proxytunnel.Socks5, and
// *proxytunnel.Socks4.
type Tunneler interface {
	Step(rw io.ReadWriter) proxytunnel.Result
}

// ResponseCallbacks mirrors http1.Callbacks/http2session.StreamCallbacks at
// the connection layer, the boundary the owning pool/dispatcher consumes.
type ResponseCallbacks struct {
	OnHeaders func(statusCode int, headers http.Header)
	OnData    func(data []byte)
	OnComplete func(err error)
}

type queuedRequest struct {
	id      uint64
	method  string
	path    string
	headers *fingerprint.OrderedHeader
	body    []byte
	cb      ResponseCallbacks
}

// Connection drives one TCP flow through the ProxyTunnel/TlsHandshake
// phases into a live HTTP/1.1 or HTTP/2 session. A Connection
// lives on exactly one reactor shard and must only be touched by code
// running on that shard's dispatcher goroutine — SubmitRequest and the
// lifecycle accessors below all assume that discipline rather than locking
// internally. The one exception is the connection's own I/O goroutine
// (started by Start), which performs the real blocking reads/writes and
// hands every observed event back across via reactor.Post, matching the
// pattern already established by tlsconn.Connection and
// http2session.Session.ReadLoop.
type Connection struct {
	raw     net.Conn
	host    string
	port    int
	profile *fingerprint.Profile

	reactor *reactor.Reactor
	tunnel  Tunneler
	cache   *sessioncache.Cache

	state   State
	lastErr error

	tls *tlsconn.Connection
	h1  *http1.Parser
	h2  *http2session.Session

	currentH1 *queuedRequest
	h1Active  bool

	h2Active map[uint32]*queuedRequest

	pending  []*queuedRequest
	nextID   atomic.Uint64
	idle     bool
	onIdle   func(*Connection)

	log *logger.Logger
}

// SetLogger attaches a logger for lifecycle state transitions. nil disables
// logging (the default). Also forwards to the underlying tlsconn.Connection
// once the handshake phase has started.
func (c *Connection) SetLogger(l *logger.Logger) {
	c.log = l
	if c.tls != nil {
		c.tls.SetLogger(l)
	}
}

// setState transitions the connection's lifecycle state, logging the
// transition when a logger is attached.
func (c *Connection) setState(s State) {
	if c.log != nil && c.state != s {
		c.log.Debugf("connection(%s:%d): %s -> %s", c.host, c.port, c.state, s)
	}
	c.state = s
}

// New creates a Connection over an already-dialed raw socket. tunnel may be
// nil for a direct connection. cache may be nil to disable TLS session
// resumption. onIdle is invoked (on the reactor's dispatcher goroutine)
// every time the connection transitions from active to idle, matching the
// "idle notification to its owning pool" requirement.
func New(raw net.Conn, host string, port int, profile *fingerprint.Profile, cache *sessioncache.Cache, tunnel Tunneler, r *reactor.Reactor, onIdle func(*Connection)) *Connection {
	return &Connection{
		raw:      raw,
		host:     host,
		port:     port,
		profile:  profile,
		reactor:  r,
		tunnel:   tunnel,
		cache:    cache,
		state:    StateConnecting,
		h2Active: make(map[uint32]*queuedRequest),
		idle:     true,
		onIdle:   onIdle,
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// LastError returns the error that moved the connection into StateError.
func (c *Connection) LastError() error { return c.lastErr }

// NegotiatedProtocol returns "h2" or "http/1.1" once Connected, or "".
func (c *Connection) NegotiatedProtocol() string {
	if c.tls == nil {
		return ""
	}
	return c.tls.NegotiatedALPN()
}

// MaxStreams reports this connection's concurrency: 1 for HTTP/1.1, the
// server-reported MAX_CONCURRENT_STREAMS for HTTP/2. Queried live rather
// than cached at pool-entry creation time, since it is only known
// post-handshake.
func (c *Connection) MaxStreams() int {
	if c.h2 != nil {
		return c.h2.MaxConcurrentStreams()
	}
	return 1
}

// HasCapacity reports whether this connection can accept one more request
// right now, for a pool's acquisition scan.
func (c *Connection) HasCapacity() bool {
	if c.state != StateConnected {
		return false
	}
	if c.h2 != nil {
		return c.h2.CanSubmitRequest()
	}
	return c.h1 != nil && c.h1.CanSubmitRequest() && !c.h1Active
}

// Start spawns the connection's I/O goroutine: it drives the proxy tunnel
// (if any), then the TLS handshake, then the negotiated protocol's read
// loop, until the connection closes or fails.
func (c *Connection) Start() {
	go c.driveIO()
}

func (c *Connection) driveIO() {
	if c.tunnel != nil {
		c.setState(StateProxyTunnel)
		for {
			res := c.tunnel.Step(c.raw)
			if res == proxytunnel.ResultOk {
				break
			}
			if res == proxytunnel.ResultError {
				c.postFail(errs.New(errs.KindTransport, errs.ReasonRefused, fmt.Sprintf("connection.proxyTunnel(%s:%d)", c.host, c.port), nil))
				return
			}
		}
	}

	c.setState(StateTlsHandshake)
	c.tls = tlsconn.New(c.raw, c.host, c.port, c.profile, c.cache)
	if c.log != nil {
		c.tls.SetLogger(c.log)
	}
	ctx := context.Background()
	for {
		res := c.tls.Handshake(ctx)
		if res == tlsconn.ResultOk {
			break
		}
		if res == tlsconn.ResultError {
			c.postFail(fmt.Errorf("connection: tls handshake with %s:%d: %w", c.host, c.port, c.tls.LastError()))
			return
		}
	}

	alpn := c.tls.NegotiatedALPN()
	connected := make(chan struct{})
	c.reactor.Post(func() {
		c.setState(StateConnected)
		c.onConnected(alpn)
		close(connected)
	})
	<-connected

	if alpn == "h2" {
		c.runHTTP2()
	} else {
		c.runHTTP1()
	}
}

// onConnected runs on the dispatcher goroutine: it materializes the
// negotiated protocol's session object and flushes any requests queued
// while the handshake was in flight.
func (c *Connection) onConnected(alpn string) {
	if alpn == "h2" {
		sess, err := http2session.NewSession(&tlsReadWriter{c.tls}, c.profile)
		if err != nil {
			c.fail(fmt.Errorf("connection: start http2 session: %w", err))
			return
		}
		c.h2 = sess
	} else {
		c.h1 = http1.NewParser(http1.Callbacks{
			OnHeaders: func(status int, headers http.Header) { c.onH1Headers(status, headers) },
			OnData:    func(data []byte) { c.onH1Data(data) },
			OnClose:   func(err error) { c.onH1Close(err) },
		})
	}
	c.drainQueue()
}

func (c *Connection) runHTTP2() {
	err := c.h2.ReadLoop()
	c.reactor.Post(func() { c.onTransportClosed(err) })
}

func (c *Connection) runHTTP1() {
	buf := make([]byte, 16*1024)
	for {
		n, res := c.tls.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			done := make(chan struct{})
			c.reactor.Post(func() { c.h1.Feed(data); close(done) })
			<-done
		}
		switch res {
		case tlsconn.ResultEOF:
			done := make(chan struct{})
			c.reactor.Post(func() { c.h1.FeedEOF(); close(done) })
			<-done
			c.reactor.Post(func() { c.onTransportClosed(nil) })
			return
		case tlsconn.ResultError:
			c.reactor.Post(func() { c.onTransportClosed(c.tls.LastError()) })
			return
		}
	}
}

// SubmitRequest submits a request on this connection, queuing it if the
// handshake hasn't completed yet or (for HTTP/1.1) another request is
// already in flight. Must be called from the reactor's dispatcher
// goroutine.
func (c *Connection) SubmitRequest(method, path string, headers *fingerprint.OrderedHeader, body []byte, cb ResponseCallbacks) uint64 {
	qr := &queuedRequest{
		id:      c.nextID.Add(1),
		method:  method,
		path:    path,
		headers: headers,
		body:    body,
		cb:      cb,
	}
	c.idle = false
	if c.state != StateConnected || !c.HasCapacity() {
		c.pending = append(c.pending, qr)
		return qr.id
	}
	c.submitNow(qr)
	return qr.id
}

func (c *Connection) submitNow(qr *queuedRequest) {
	if c.h2 != nil {
		var streamID uint32
		var err error
		streamID, err = c.h2.SubmitRequest(qr.headers, qr.body, http2session.StreamCallbacks{
			OnHeaders: func(status int, headers http.Header) { qr.cb.OnHeaders(status, headers) },
			OnData:    func(data []byte) { qr.cb.OnData(data) },
			OnClose: func(err error) {
				delete(c.h2Active, streamID)
				qr.cb.OnComplete(err)
				c.drainQueue()
				c.checkIdle()
			},
		})
		if err != nil {
			qr.cb.OnComplete(err)
			return
		}
		c.h2Active[streamID] = qr
		return
	}

	c.currentH1 = qr
	c.h1Active = true
	wire := http1.SerializeRequest(qr.method, qr.path, qr.headers, qr.body)
	if _, res := c.writeAll(wire); res != tlsconn.ResultOk {
		c.h1Active = false
		qr.cb.OnComplete(fmt.Errorf("connection: write request: %w", c.tls.LastError()))
		c.drainQueue()
	}
}

func (c *Connection) writeAll(data []byte) (int, tlsconn.Result) {
	total := 0
	for total < len(data) {
		n, res := c.tls.Write(data[total:])
		total += n
		if res == tlsconn.ResultError {
			return total, res
		}
	}
	return total, tlsconn.ResultOk
}

func (c *Connection) onH1Headers(status int, headers http.Header) {
	if c.currentH1 != nil {
		c.currentH1.cb.OnHeaders(status, headers)
	}
}

func (c *Connection) onH1Data(data []byte) {
	if c.currentH1 != nil {
		c.currentH1.cb.OnData(data)
	}
}

func (c *Connection) onH1Close(err error) {
	req := c.currentH1
	c.currentH1 = nil
	c.h1Active = false
	c.h1.Reset()
	if req != nil {
		req.cb.OnComplete(err)
	}
	c.drainQueue()
	c.checkIdle()
}

// drainQueue submits as many queued requests as current capacity allows.
func (c *Connection) drainQueue() {
	for len(c.pending) > 0 && c.HasCapacity() {
		qr := c.pending[0]
		c.pending = c.pending[1:]
		c.submitNow(qr)
	}
}

func (c *Connection) checkIdle() {
	empty := len(c.pending) == 0 && !c.h1Active && len(c.h2Active) == 0
	if empty && !c.idle {
		c.idle = true
		if c.onIdle != nil {
			c.onIdle(c)
		}
	}
}

// onTransportClosed runs on the dispatcher goroutine once the negotiated
// protocol's read loop exits, failing any requests still in flight.
func (c *Connection) onTransportClosed(err error) {
	if c.state == StateClosed || c.state == StateError {
		return
	}
	if err != nil {
		c.fail(err)
	} else {
		c.setState(StateClosed)
	}
	if c.currentH1 != nil {
		c.currentH1.cb.OnComplete(fmt.Errorf("connection: closed with request in flight"))
		c.currentH1 = nil
	}
	for _, qr := range c.h2Active {
		qr.cb.OnComplete(fmt.Errorf("connection: closed with stream in flight"))
	}
	c.h2Active = make(map[uint32]*queuedRequest)
	for _, qr := range c.pending {
		qr.cb.OnComplete(fmt.Errorf("connection: closed before request could be sent"))
	}
	c.pending = nil
}

func (c *Connection) postFail(err error) {
	c.reactor.Post(func() { c.fail(err) })
}

func (c *Connection) fail(err error) {
	c.lastErr = err
	c.setState(StateError)
	if c.log != nil {
		c.log.Errorf("connection(%s:%d): %v", c.host, c.port, err)
	}
}

// tlsReadWriter adapts tlsconn.Connection's Result-based, non-blocking-style
// Read/Write to the plain io.Reader/io.Writer http2.Framer needs.
// http2session.Session.ReadLoop's own goroutine is this connection's
// dedicated I/O goroutine, so looping on WantRead/WantWrite here simply
// rides out the same underlying blocking uconn.Read/Write tlsconn wraps —
// no busy-spin, since tlsconn.Connection sets no read/write deadlines of
// its own.
type tlsReadWriter struct{ tls *tlsconn.Connection }

func (a *tlsReadWriter) Read(p []byte) (int, error) {
	for {
		n, res := a.tls.Read(p)
		switch res {
		case tlsconn.ResultOk:
			return n, nil
		case tlsconn.ResultEOF:
			return n, io.EOF
		case tlsconn.ResultError:
			return n, a.tls.LastError()
		}
	}
}

func (a *tlsReadWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, res := a.tls.Write(p[total:])
		total += n
		if res == tlsconn.ResultError {
			return total, a.tls.LastError()
		}
	}
	return total, nil
}

// Close tears the connection down from the dispatcher goroutine.
func (c *Connection) Close() error {
	c.setState(StateClosing)
	var err error
	if c.tls != nil {
		err = c.tls.Close()
	} else {
		err = c.raw.Close()
	}
	c.setState(StateClosed)
	return err
}
