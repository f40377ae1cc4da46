// Package http3session drives HTTP/3 (RFC 9114) framing and QPACK (RFC
// 9204) header compression directly over a quicconn.Connection, mirroring
// http2session's "drive the codec by hand, not through a high-level
// transport" approach: http2session exists because http2.Transport can't be
// made to emit Chrome's pseudo-header order, and the same constraint
// applies here, so http3session opens its own control/QPACK streams and
// writes HEADERS/DATA frames itself instead of reaching for a
// net/http.RoundTripper-shaped HTTP/3 client.
package http3session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/quic-go/qpack"

	"github.com/holytls/holytls/connection"
	"github.com/holytls/holytls/errs"
	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/quicconn"
)

// HTTP/3 unidirectional stream types (RFC 9114 §6.2, RFC 9204 §4.2).
const (
	streamTypeControl      = 0x00
	streamTypeQPACKEncoder = 0x02
	streamTypeQPACKDecoder = 0x03
)

// HTTP/3 frame types (RFC 9114 §7.2) this session emits or understands.
const (
	frameTypeData     = 0x0
	frameTypeHeaders  = 0x1
	frameTypeSettings = 0x4
	frameTypeGoaway   = 0x7
)

// HTTP/3 SETTINGS identifiers (RFC 9114 §7.2.4.1, RFC 9204 §5).
const (
	settingQPACKMaxTableCapacity = 0x1
	settingQPACKBlockedStreams   = 0x7
)

// StreamCallbacks mirrors http2session.StreamCallbacks at the HTTP/3 layer,
// the same boundary connection.Connection consumes for HTTP/2.
type StreamCallbacks struct {
	OnHeaders func(statusCode int, headers http.Header)
	OnData    func(data []byte)
	OnClose   func(err error)
}

type stream struct {
	id          int64
	qs          quicSharedStream
	cb          StreamCallbacks
	headersDone bool
	closed      bool
}

// quicSharedStream is the minimal bidi-stream surface Session needs;
// *quicconn.Stream satisfies it, and tests substitute an in-memory pipe.
type quicSharedStream interface {
	io.Reader
	io.Writer
	Close() error
	StreamID() int64
}

// Session is one HTTP/3 connection's request multiplexer: three
// unidirectional control/QPACK streams opened at construction, then
// SubmitRequest per outgoing request, each response read on its
// own goroutine since quic-go streams (unlike the single shared socket
// http2session.ReadLoop reads from) are independent blocking handles with
// no single interleaved byte stream to drive from one loop.
type Session struct {
	mu sync.Mutex

	conn    *quicconn.Connection
	profile *fingerprint.Profile

	// control/qpackEncoder/qpackDecoder are kept only to hold a strong
	// reference for the session's lifetime — quic-go streams stay open
	// until explicitly closed or the connection closes, and nothing past
	// NewSession needs to write to them again since no dynamic table is
	// ever populated.
	control      io.WriteCloser
	qpackEncoder io.WriteCloser
	qpackDecoder io.WriteCloser
	decoder      *qpack.Decoder

	streams        map[int64]*stream
	decodingStream *stream
	decodedFields  []qpack.HeaderField

	maxStreams     int64
	goAwayReceived bool
	closed         bool
	lastErr        error
}

// NewSession opens the three control/QPACK-encoder/QPACK-decoder streams,
// writes the stream-type byte on each followed by an initial
// SETTINGS frame on the control stream, and returns a Session ready to
// submit requests. Since no dynamic table is used (QPACK_MAX_TABLE_CAPACITY
// advertised as 0), the encoder and decoder streams carry only their
// leading type byte — there is nothing to say until a header block
// references a dynamic-table entry, which this implementation never does.
func NewSession(ctx context.Context, conn *quicconn.Connection, profile *fingerprint.Profile) (*Session, error) {
	s := &Session{
		conn:       conn,
		profile:    profile,
		streams:    make(map[int64]*stream),
		maxStreams: profile.QUIC.MaxBidiStreams,
	}

	control, err := conn.OpenUniStream(ctx)
	if err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(control)", err)
	}
	if _, err := control.Write(appendVarint(nil, streamTypeControl)); err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(control-type)", err)
	}
	if err := writeSettings(control); err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(settings)", err)
	}
	s.control = control

	encStream, err := conn.OpenUniStream(ctx)
	if err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(qpack-encoder)", err)
	}
	if _, err := encStream.Write(appendVarint(nil, streamTypeQPACKEncoder)); err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(qpack-encoder-type)", err)
	}
	s.qpackEncoder = encStream

	decStream, err := conn.OpenUniStream(ctx)
	if err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(qpack-decoder)", err)
	}
	if _, err := decStream.Write(appendVarint(nil, streamTypeQPACKDecoder)); err != nil {
		return nil, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.NewSession(qpack-decoder-type)", err)
	}
	s.qpackDecoder = decStream

	s.decoder = qpack.NewDecoder(s.onQPACKField)
	go s.acceptLoop(context.Background())
	return s, nil
}

// writeSettings emits a minimal HTTP/3 SETTINGS frame advertising no QPACK
// dynamic table and no stream-blocking tolerance, matching this session's
// static-table-only encoder.
func writeSettings(w io.Writer) error {
	var payload []byte
	payload = appendVarint(payload, settingQPACKMaxTableCapacity)
	payload = appendVarint(payload, 0)
	payload = appendVarint(payload, settingQPACKBlockedStreams)
	payload = appendVarint(payload, 0)
	return writeFrame(w, frameTypeSettings, payload)
}

// CanSubmitRequest is true iff no GOAWAY has been received, the session
// isn't closed, and the stream count is under the profile's bidi-stream
// limit (QUIC.MaxBidiStreams), mirroring http2session.Session.CanSubmitRequest.
func (s *Session) CanSubmitRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.goAwayReceived && !s.closed && int64(len(s.streams)) < s.maxStreams
}

// HasCapacity satisfies pool.PooledConn the same way HostPool's gate for a
// TCP-backed connection does: "Connected, non-removed, active_streams <
// max_streams".
func (s *Session) HasCapacity() bool { return s.CanSubmitRequest() }

// State satisfies pool.PooledConn; QUIC-backed entries reuse connection.State
// purely as a shared vocabulary (Connecting/ProxyTunnel/TlsHandshake never
// apply to an already-established HTTP/3 session), per the same "one fixed
// enum describes a pooled connection's lifecycle regardless of transport"
// choice DESIGN.md documents for pool.PooledConn.
func (s *Session) State() connection.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.lastErr != nil {
			return connection.StateError
		}
		return connection.StateClosed
	}
	return connection.StateConnected
}

// MaxConcurrentStreams returns the bidi-stream concurrency limit, taken from
// the profile's QUIC.MaxBidiStreams.
func (s *Session) MaxConcurrentStreams() int { return int(s.maxStreams) }

// ActiveStreamCount returns the number of requests still in flight.
func (s *Session) ActiveStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// GoAwayReceived reports whether the peer has sent a GOAWAY frame on the
// control stream.
func (s *Session) GoAwayReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goAwayReceived
}

// LastError returns the error that closed the session, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SubmitRequest opens a new bidirectional request stream, encodes headers
// (already in exact profile pseudo-header + Chrome order — QPACK's static
// table covers :method/:scheme/common header names but this call never
// reorders what it's given) via the static table only, and writes the
// resulting HEADERS frame followed by an optional DATA frame for body.
func (s *Session) SubmitRequest(ctx context.Context, headers *fingerprint.OrderedHeader, body []byte, cb StreamCallbacks) (int64, error) {
	if !s.CanSubmitRequest() {
		return 0, fmt.Errorf("http3session: cannot submit: goAway=%v closed=%v", s.GoAwayReceived(), s.closed)
	}

	qs, err := s.conn.OpenStream(ctx)
	if err != nil {
		return 0, errs.New(errs.KindHTTP2, errs.ReasonProtocolError, "http3session.SubmitRequest(open-stream)", err)
	}

	var hdrBuf bytes.Buffer
	enc := qpack.NewEncoder(&hdrBuf)
	for _, h := range headers.Entries() {
		if err := enc.WriteField(qpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return 0, fmt.Errorf("http3session: qpack encode %q: %w", h.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("http3session: qpack encoder close: %w", err)
	}

	if err := writeFrame(qs, frameTypeHeaders, hdrBuf.Bytes()); err != nil {
		return 0, fmt.Errorf("http3session: write HEADERS frame: %w", err)
	}
	if len(body) > 0 {
		if err := writeFrame(qs, frameTypeData, body); err != nil {
			return 0, fmt.Errorf("http3session: write DATA frame: %w", err)
		}
	}
	// quic-go's Stream.Write already blocks on QUIC flow control internally,
	// so — unlike http2session's hand-rolled flushStreamData window
	// bookkeeping over a raw Framer — no manual send-window accounting is
	// needed here.
	if err := qs.Close(); err != nil {
		return 0, fmt.Errorf("http3session: close request stream write side: %w", err)
	}

	id := qs.StreamID()
	st := &stream{id: id, qs: qs, cb: cb}
	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()

	go s.readStream(st)
	return id, nil
}

// readStream reads HEADERS/DATA frames off one response stream until it
// closes, translating them into StreamCallbacks the same way
// http2session.handleHeaders/handleData do for HTTP/2.
func (s *Session) readStream(st *stream) {
	for {
		frameType, payload, err := readFrame(st.qs)
		if err != nil {
			if err == io.EOF {
				s.finishStream(st, nil)
			} else {
				s.finishStream(st, errs.New(errs.KindHTTP2, errs.ReasonStreamError, fmt.Sprintf("http3session.readStream(%d)", st.id), err))
			}
			return
		}
		switch frameType {
		case frameTypeHeaders:
			s.mu.Lock()
			s.decodingStream = st
			s.decodedFields = s.decodedFields[:0]
			s.mu.Unlock()
			if _, err := s.decoder.Write(payload); err != nil {
				s.finishStream(st, fmt.Errorf("http3session: qpack decode stream %d: %w", st.id, err))
				return
			}
			s.finishHeaders(st)
		case frameTypeData:
			if st.cb.OnData != nil {
				st.cb.OnData(payload)
			}
		default:
			// Unknown/reserved frame types on a request stream are ignored
			// per RFC 9114 §9 ("MUST NOT terminate the connection"), matching
			// http2session's default no-op for unhandled frame kinds.
		}
	}
}

func (s *Session) onQPACKField(f qpack.HeaderField) {
	s.decodedFields = append(s.decodedFields, f)
}

func (s *Session) finishHeaders(st *stream) {
	status := 0
	headers := make(http.Header)
	s.mu.Lock()
	fields := append([]qpack.HeaderField(nil), s.decodedFields...)
	s.decodingStream = nil
	s.mu.Unlock()
	for _, f := range fields {
		if f.Name == ":status" {
			status, _ = strconv.Atoi(f.Value)
			continue
		}
		if len(f.Name) > 0 && f.Name[0] == ':' {
			continue
		}
		headers.Add(f.Name, f.Value)
	}
	st.headersDone = true
	if st.cb.OnHeaders != nil {
		st.cb.OnHeaders(status, headers)
	}
}

func (s *Session) finishStream(st *stream, err error) {
	s.mu.Lock()
	if st.closed {
		s.mu.Unlock()
		return
	}
	st.closed = true
	delete(s.streams, st.id)
	s.mu.Unlock()
	if st.cb.OnClose != nil {
		st.cb.OnClose(err)
	}
}

// acceptLoop drains the peer's unidirectional streams (its own control and
// QPACK encoder/decoder streams). The control stream is watched for a
// GOAWAY frame and its other frames, SETTINGS included, are skipped; the QPACK streams are
// read and discarded since this session never populates a dynamic table for
// the peer to reference.
func (s *Session) acceptLoop(ctx context.Context) {
	for {
		rs, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go s.drainPeerUniStream(rs)
	}
}

func (s *Session) drainPeerUniStream(rs io.Reader) {
	streamType, err := readVarint(rs)
	if err != nil {
		return
	}
	switch streamType {
	case streamTypeControl:
		s.drainControlStream(rs)
	default:
		// QPACK encoder/decoder instruction streams: with no dynamic table
		// in use there is nothing actionable in either direction, but the
		// bytes are still drained so the peer's flow-control window isn't
		// starved by an unread stream.
		_, _ = io.Copy(io.Discard, rs)
	}
}

func (s *Session) drainControlStream(rs io.Reader) {
	for {
		frameType, payload, err := readFrame(rs)
		if err != nil {
			return
		}
		if frameType == frameTypeGoaway {
			s.mu.Lock()
			s.goAwayReceived = true
			s.mu.Unlock()
			_ = payload
		}
	}
}

// Close tears down the QUIC connection beneath this session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// writeFrame writes one RFC 9114 §7.1 generic frame: a varint type, a
// varint length, then the payload verbatim.
func writeFrame(w io.Writer, frameType uint64, payload []byte) error {
	head := appendVarint(nil, frameType)
	head = appendVarint(head, uint64(len(payload)))
	if _, err := w.Write(head); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one RFC 9114 §7.1 generic frame.
func readFrame(r io.Reader) (frameType uint64, payload []byte, err error) {
	frameType, err = readVarint(r)
	if err != nil {
		return 0, nil, err
	}
	length, err := readVarint(r)
	if err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return frameType, nil, nil
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return frameType, payload, nil
}

// appendVarint appends v encoded as a QUIC variable-length integer (RFC
// 9000 §16) to b. No third-party varint codec is wired in for this: it's a
// ten-line two's-power-of-length encoding, not a concern any library in the
// pack exists to serve on its own (quic-go keeps its own copy internal),
// so hand-rolling it here is the same kind of stdlib-adjacent boundary
// DESIGN.md already documents for altsvc's header grammar.
func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(b, byte(v))
	case v <= 16383:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v <= 1073741823:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b, byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// readVarint reads one QUIC variable-length integer (RFC 9000 §16) from r.
func readVarint(r io.Reader) (uint64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}
	length := 1 << (first[0] >> 6)
	rest := make([]byte, length-1)
	if length > 1 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, err
		}
	}
	v := uint64(first[0] & 0x3f)
	for _, b := range rest {
		v = (v << 8) | uint64(b)
	}
	return v, nil
}
