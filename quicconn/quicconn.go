// Package quicconn opens and owns a single QUIC transport connection for
// HTTP/3. Unlike tlsconn (which hand-rolls a non-blocking-style state
// machine because uTLS hands back a blocking net.Conn that the reactor must
// drive record-by-record), quicconn leans on quic-go's own internal
// goroutines for retransmission, congestion control, and ACK timers — the
// same "a language with destructors + pinned state solves this naturally"
// tradeoff that applies to QUIC timer cleanup in a manual reactor applies in
// reverse here: Go's goroutine-per-connection model already gives quic-go
// everything a hand-rolled handle_expiry timer loop would have to
// reimplement, so quicconn only needs to own the *quic.Conn for its
// lifetime and tear it down on Close.
package quicconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/holytls/holytls/fingerprint"
)

// Connection wraps one quic-go connection dialed with the Chrome-QUIC
// transport parameter profile.
type Connection struct {
	conn    *quic.Conn
	host    string
	port    int
	negALPN string
}

// Dial opens a UDP socket (bound ephemeral, connected to host:port) and
// drives quic-go's handshake with TransportParameters derived
// from profile.QUIC. tlsConfig's NextProtos is forced to ["h3"] if unset;
// forceHTTP1 has no meaning for QUIC and is rejected by the caller before
// this is reached (HTTP/3 is never ALPN-downgraded to http/1.1).
func Dial(ctx context.Context, host string, port int, profile *fingerprint.Profile, tlsConfig *tls.Config) (*Connection, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h3"}
	}

	qconn, err := quic.DialAddr(ctx, addr, cfg, buildQUICConfig(profile))
	if err != nil {
		return nil, fmt.Errorf("quicconn: dial %s: %w", addr, err)
	}

	alpn := ""
	if state := qconn.ConnectionState(); state.TLS.NegotiatedProtocol != "" {
		alpn = state.TLS.NegotiatedProtocol
	}
	return &Connection{conn: qconn, host: host, port: port, negALPN: alpn}, nil
}

// buildQUICConfig maps fingerprint.QUICParams onto quic-go's Config. quic-go
// does not expose
// ack-delay-exponent, max-ack-delay, or a pluggable congestion-control
// algorithm through its public Config (its internal ACK/loss-recovery and
// cubic-like congestion controller are not parameterized by the library
// the way BoringSSL-class TLS knobs are) — those three profile fields are
// therefore carried as documentation of the target fingerprint, not as
// live configuration; see DESIGN.md.
func buildQUICConfig(profile *fingerprint.Profile) *quic.Config {
	qp := profile.QUIC
	idleTimeout := time.Duration(qp.IdleTimeoutSeconds) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &quic.Config{
		MaxIdleTimeout:                 idleTimeout,
		InitialStreamReceiveWindow:     uint64(qp.StreamDataPerStream),
		MaxStreamReceiveWindow:         uint64(qp.StreamDataPerStream),
		InitialConnectionReceiveWindow: uint64(qp.InitialMaxData),
		MaxConnectionReceiveWindow:     uint64(qp.InitialMaxData),
		MaxIncomingStreams:             qp.MaxBidiStreams,
		MaxIncomingUniStreams:          qp.MaxUniStreams,
	}
}

// NegotiatedALPN returns the ALPN protocol selected during the handshake
// ("h3" for every connection this package dials).
func (c *Connection) NegotiatedALPN() string { return c.negALPN }

// Stream adapts *quic.Stream's quic.StreamID-returning StreamID() to a
// plain int64, so callers outside this package (http3session in
// particular) can define stream-identifying interfaces without importing
// quic-go's named StreamID type themselves.
type Stream struct {
	*quic.Stream
}

// StreamID returns the QUIC stream id as a plain int64.
func (s *Stream) StreamID() int64 { return int64(s.Stream.StreamID()) }

// OpenStream opens a new outgoing bidirectional (request) stream, blocking
// until the peer's MAX_STREAMS permits it or ctx is done.
func (c *Connection) OpenStream(ctx context.Context) (*Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicconn: open stream: %w", err)
	}
	return &Stream{Stream: s}, nil
}

// OpenUniStream opens a new outgoing unidirectional stream (control, QPACK
// encoder, or QPACK decoder).
func (c *Connection) OpenUniStream(ctx context.Context) (*quic.SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicconn: open uni stream: %w", err)
	}
	return s, nil
}

// AcceptUniStream blocks until the peer opens a new unidirectional stream
// (its control, QPACK-encoder, or QPACK-decoder stream) or ctx is done.
func (c *Connection) AcceptUniStream(ctx context.Context) (*quic.ReceiveStream, error) {
	return c.conn.AcceptUniStream(ctx)
}

// RemoteAddr returns the resolved peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close tears down the QUIC connection with a no-error application code, the
// well-behaved-client equivalent of an HTTP/3 GOAWAY-then-close.
func (c *Connection) Close() error {
	return c.conn.CloseWithError(0, "")
}
