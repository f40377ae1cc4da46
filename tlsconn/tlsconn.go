// Package tlsconn drives a single TLS connection through uTLS, presenting
// it to the reactor as a non-blocking-style state machine rather than the
// net.Conn blocking interface uTLS itself exposes.
package tlsconn

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"

	"github.com/holytls/holytls/errs"
	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/logger"
	"github.com/holytls/holytls/sessioncache"
)

// State is one of the TlsConnection submachine states.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateConnected
	StateShuttingDown
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateClosed:
		return "Closed"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a single non-blocking-style I/O attempt.
type Result int

const (
	ResultOk Result = iota
	ResultWantRead
	ResultWantWrite
	ResultEOF
	ResultError
)

// maxReadPerCall caps Read at roughly one TLS record, so a single busy
// connection can't starve its reactor shard's other handlers.
const maxReadPerCall = 16 * 1024

// Connection drives a uTLS handshake and subsequent record I/O as a
// resumable state machine. It is not safe for concurrent use; callers
// serialize access to it the same way the reactor already requires for
// anything reachable from a single shard's dispatcher goroutine.
type Connection struct {
	raw     net.Conn
	uconn   *utls.UConn
	state   State
	lastErr error

	host    string
	port    int
	profile *fingerprint.Profile
	cache   *sessioncache.Cache

	negotiatedALPN string

	log *logger.Logger
}

// SetLogger attaches a logger for handshake outcome/error events. nil
// disables logging (the default).
func (c *Connection) SetLogger(l *logger.Logger) { c.log = l }

// New creates a TlsConnection in state Init over an already-dialed raw TCP
// connection. profile selects the ClientHello shape; cache (may be nil) is
// installed as the uTLS ClientSessionCache, which consults it on Handshake
// and stores the session tickets the server issues.
func New(raw net.Conn, host string, port int, profile *fingerprint.Profile, cache *sessioncache.Cache) *Connection {
	return &Connection{
		raw:     raw,
		state:   StateInit,
		host:    host,
		port:    port,
		profile: profile,
		cache:   cache,
	}
}

// State returns the connection's current submachine state.
func (c *Connection) State() State { return c.state }

// NegotiatedALPN returns the ALPN protocol selected during the handshake,
// valid once State() is Connected.
func (c *Connection) NegotiatedALPN() string { return c.negotiatedALPN }

// LastError returns the error that moved the connection into StateError, if
// any.
func (c *Connection) LastError() error { return c.lastErr }

// Handshake drives (or continues) the TLS handshake. It is safe to call
// repeatedly; uTLS's HandshakeContext itself is idempotent once complete.
// On success the connection moves to StateConnected and ALPN is cached.
func (c *Connection) Handshake(ctx context.Context) Result {
	switch c.state {
	case StateConnected:
		return ResultOk
	case StateClosed, StateError:
		return ResultError
	}

	if c.uconn == nil {
		c.uconn = c.buildUConn()
		c.state = StateHandshaking
		if c.lastErr != nil {
			c.fail(c.lastErr)
			return ResultError
		}
	}

	if err := c.uconn.HandshakeContext(ctx); err != nil {
		if isTransient(err) {
			return ResultWantRead
		}
		reason := errs.ReasonHandshakeFailed
		var certErr x509.UnknownAuthorityError
		var hostErr x509.HostnameError
		if errors.As(err, &certErr) || errors.As(err, &hostErr) {
			reason = errs.ReasonCertificateError
		}
		c.fail(errs.New(errs.KindTLS, reason, fmt.Sprintf("tlsconn.Handshake(%s:%d)", c.host, c.port), err))
		if c.log != nil {
			c.log.Errorf("tlsconn: handshake with %s:%d failed: %v", c.host, c.port, err)
		}
		return ResultError
	}

	c.state = StateConnected
	c.negotiatedALPN = c.uconn.ConnectionState().NegotiatedProtocol
	if c.log != nil {
		c.log.Debugf("tlsconn: handshake with %s:%d complete, alpn=%s", c.host, c.port, c.negotiatedALPN)
	}
	return ResultOk
}

// buildUConn constructs the utls.UConn for this connection's profile, field
// by field via utls.HelloCustom rather than a canned utls.UTLSIdToSpec
// lookup, so the wire shape tracks fingerprint.Profile exactly (including
// versions the utls parrot table doesn't ship). The session cache is wired
// in directly as the uTLS ClientSessionCache; uTLS calls its Put for every
// ticket the server issues post-handshake.
func (c *Connection) buildUConn() *utls.UConn {
	cfg := &utls.Config{
		ServerName: c.host,
	}
	if c.cache != nil {
		cfg.ClientSessionCache = c.cache
		cfg.SessionTicketsDisabled = false
	}

	uconn := utls.UClient(c.raw, cfg, utls.HelloCustom)
	spec := BuildClientHelloSpec(c.profile)
	if err := uconn.ApplyPreset(spec); err != nil {
		// ApplyPreset only fails on a malformed spec, which is a
		// programmer error in the profile table, not a runtime
		// condition callers can recover from; Handshake reports it
		// through its normal error path right after building the UConn
		// instead of panicking mid-dial.
		c.lastErr = fmt.Errorf("tlsconn: apply ClientHello preset: %w", err)
	}
	return uconn
}

// Read returns at most one TLS record's worth of data (capped at 16 KiB)
// per call, so a single connection's decrypt work can't monopolize its
// reactor shard.
func (c *Connection) Read(dst []byte) (n int, res Result) {
	if c.state != StateConnected {
		return 0, ResultError
	}
	if len(dst) > maxReadPerCall {
		dst = dst[:maxReadPerCall]
	}
	n, err := c.uconn.Read(dst)
	if n > 0 {
		return n, ResultOk
	}
	if err == nil {
		return 0, ResultOk
	}
	if errors.Is(err, net.ErrClosed) {
		c.state = StateClosed
		return 0, ResultEOF
	}
	if isTransient(err) {
		return 0, ResultWantRead
	}
	c.fail(fmt.Errorf("tlsconn: read: %w", err))
	return 0, ResultError
}

// Write writes at most one TLS record's worth of data per call, returning
// ResultWantWrite (with the number of bytes actually written) when residual
// data remains so the reactor can re-arm for writability.
func (c *Connection) Write(data []byte) (n int, res Result) {
	if c.state != StateConnected {
		return 0, ResultError
	}
	chunk := data
	if len(chunk) > maxReadPerCall {
		chunk = chunk[:maxReadPerCall]
	}
	n, err := c.uconn.Write(chunk)
	if err != nil {
		if isTransient(err) {
			return n, ResultWantWrite
		}
		c.fail(fmt.Errorf("tlsconn: write: %w", err))
		return n, ResultError
	}
	if n < len(data) {
		return n, ResultWantWrite
	}
	return n, ResultOk
}

// Close shuts the connection down, moving it to StateClosed.
func (c *Connection) Close() error {
	c.state = StateShuttingDown
	var err error
	if c.uconn != nil {
		err = c.uconn.Close()
	} else {
		err = c.raw.Close()
	}
	c.state = StateClosed
	return err
}

func (c *Connection) fail(err error) {
	c.lastErr = err
	c.state = StateError
}

// isTransient reports whether err represents a condition the reactor should
// simply re-arm for, rather than a fatal connection error.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

