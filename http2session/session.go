// Package http2session drives golang.org/x/net/http2's Framer and HPACK
// codec directly, rather than through http2.Transport, because
// http2.Transport writes pseudo-headers in its own fixed internal order
// (:method, :path, :scheme, :authority) and offers no hook to change it.
// Submitting the header block by hand through an hpack.Encoder sidesteps
// that: fields are written to the wire in exactly the order WriteField is
// called, so pseudo-header order becomes a caller concern instead of a
// library one.
package http2session

import (
	"bytes"
	"fmt"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/holytls/holytls/fingerprint"
)

// defaultMaxFrameSize is the HTTP/2 default (RFC 7540 §6.5.2); Chrome 143
// never sends SETTINGS_MAX_FRAME_SIZE so the default stays in force for
// both directions.
const defaultMaxFrameSize = 16384

// defaultInitialWindow is the RFC 7540 default stream-level flow-control
// window. Every stream's send window starts at this value; a
// SETTINGS_INITIAL_WINDOW_SIZE from the server is not applied.
const defaultInitialWindow = 65535

// StreamCallbacks mirrors the transport-level events a connection session
// translates into response building.
type StreamCallbacks struct {
	OnHeaders func(statusCode int, headers http.Header)
	OnData    func(data []byte)
	OnClose   func(err error)
}

type stream struct {
	id          uint32
	cb          StreamCallbacks
	sendWindow  int32
	pendingBody []byte
	headersDone bool
	closed      bool
}

// Session is one HTTP/2 connection's multiplexer: a client preface and
// initial SETTINGS/WINDOW_UPDATE sent at construction, then SubmitRequest
// per outgoing request and ReadLoop driving incoming frames. Not safe for
// concurrent use — callers (the connection/reactor layer) serialize access
// the same way every other non-blocking-style component in this module
// does.
type Session struct {
	framer  *http2.Framer
	encoder *hpack.Encoder
	encBuf  *bytes.Buffer
	decoder *hpack.Decoder

	profile *fingerprint.Profile

	streams           map[uint32]*stream
	nextStreamID      uint32
	serverMaxStreams  uint32
	connSendWindow    int32
	goAwayReceived    bool
	lastErr           error

	decodingStream *stream
	decodedHeaders []hpack.HeaderField
}

// ReadWriter is the minimal interface Session needs from the underlying
// transport; tlsconn.Connection (or any io.ReadWriter) satisfies it.
type ReadWriter interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// NewSession writes the HTTP/2 client preface and the profile's SETTINGS
// frame (only the entries flagged "send") plus the connection-level
// WINDOW_UPDATE, then returns a Session ready to submit requests.
func NewSession(rw ReadWriter, profile *fingerprint.Profile) (*Session, error) {
	if _, err := rw.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, fmt.Errorf("http2session: write client preface: %w", err)
	}

	framer := http2.NewFramer(rw, rw)
	framer.AllowIllegalWrites = true // profile headers intentionally bypass http2's own header-order checks

	s := &Session{
		framer:           framer,
		encBuf:           &bytes.Buffer{},
		profile:          profile,
		streams:          make(map[uint32]*stream),
		nextStreamID:     1,
		serverMaxStreams: 100,
		connSendWindow:   defaultInitialWindow,
	}
	s.encoder = hpack.NewEncoder(s.encBuf)
	s.decoder = hpack.NewDecoder(profile.H2Settings.HeaderTableSize, s.onHPACKField)

	settings := make([]http2.Setting, 0, 4)
	for _, e := range profile.H2Settings.SettingIDs() {
		settings = append(settings, http2.Setting{ID: http2.SettingID(e.ID), Val: e.Value})
	}
	if err := framer.WriteSettings(settings...); err != nil {
		return nil, fmt.Errorf("http2session: write SETTINGS: %w", err)
	}
	if err := framer.WriteWindowUpdate(0, profile.H2ConnWindowIncrement); err != nil {
		return nil, fmt.Errorf("http2session: write connection WINDOW_UPDATE: %w", err)
	}
	return s, nil
}

// CanSubmitRequest is true iff no GOAWAY has been received and the stream
// count is under the server's advertised concurrency limit.
func (s *Session) CanSubmitRequest() bool {
	return !s.goAwayReceived && uint32(len(s.streams)) < s.serverMaxStreams
}

// SubmitRequest materializes headers (already in exact profile
// pseudo-header + Chrome order — this method does not reorder them) into an
// HPACK block and opens a new client stream, optionally followed by a DATA
// frame for body. Returns the allocated stream id.
func (s *Session) SubmitRequest(headers *fingerprint.OrderedHeader, body []byte, cb StreamCallbacks) (uint32, error) {
	if !s.CanSubmitRequest() {
		return 0, fmt.Errorf("http2session: cannot submit: goAway=%v streams=%d/%d", s.goAwayReceived, len(s.streams), s.serverMaxStreams)
	}

	id := s.nextStreamID
	s.nextStreamID += 2

	s.encBuf.Reset()
	for _, h := range headers.Entries() {
		if err := s.encoder.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return 0, fmt.Errorf("http2session: hpack encode %q: %w", h.Name, err)
		}
	}
	block := append([]byte(nil), s.encBuf.Bytes()...)

	st := &stream{id: id, cb: cb, sendWindow: defaultInitialWindow}
	s.streams[id] = st

	endStream := len(body) == 0
	if err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		delete(s.streams, id)
		return 0, fmt.Errorf("http2session: write HEADERS: %w", err)
	}

	if !endStream {
		st.pendingBody = body
		s.flushStreamData(st)
	}
	return id, nil
}

// flushStreamData writes as much of a stream's pending body as the current
// stream and connection send windows allow, in defaultMaxFrameSize chunks.
// Anything that doesn't fit stays queued until a WINDOW_UPDATE arrives.
func (s *Session) flushStreamData(st *stream) {
	for len(st.pendingBody) > 0 {
		avail := st.sendWindow
		if s.connSendWindow < avail {
			avail = s.connSendWindow
		}
		if avail <= 0 {
			return
		}
		n := len(st.pendingBody)
		if int32(n) > avail {
			n = int(avail)
		}
		if n > defaultMaxFrameSize {
			n = defaultMaxFrameSize
		}
		chunk := st.pendingBody[:n]
		endStream := n == len(st.pendingBody)
		if err := s.framer.WriteData(st.id, endStream, chunk); err != nil {
			s.lastErr = fmt.Errorf("http2session: write DATA on stream %d: %w", st.id, err)
			return
		}
		st.sendWindow -= int32(n)
		s.connSendWindow -= int32(n)
		st.pendingBody = st.pendingBody[n:]
	}
}

// onHPACKField is the hpack.Decoder callback; fields accumulate into
// decodedHeaders until the owning HEADERS/CONTINUATION sequence ends.
func (s *Session) onHPACKField(f hpack.HeaderField) {
	s.decodedHeaders = append(s.decodedHeaders, f)
}

// ReadLoop reads and dispatches frames until the connection closes or a
// fatal protocol error occurs. Callers typically run this on the
// connection's dedicated reader goroutine, which only ever posts results
// back to the owning reactor shard rather than touching Session state
// directly from another goroutine.
func (s *Session) ReadLoop() error {
	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			s.lastErr = err
			return err
		}
		if err := s.handleFrame(frame); err != nil {
			s.lastErr = err
			return err
		}
	}
}

func (s *Session) handleFrame(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return s.handleSettings(f)
	case *http2.HeadersFrame:
		return s.handleHeaders(f)
	case *http2.ContinuationFrame:
		return s.handleContinuation(f)
	case *http2.DataFrame:
		return s.handleData(f)
	case *http2.WindowUpdateFrame:
		s.handleWindowUpdate(f)
		return nil
	case *http2.RSTStreamFrame:
		s.handleRSTStream(f)
		return nil
	case *http2.GoAwayFrame:
		s.goAwayReceived = true
		return nil
	case *http2.PingFrame:
		if !f.IsAck() {
			return s.framer.WritePing(true, f.Data)
		}
		return nil
	default:
		return nil
	}
}

func (s *Session) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	f.ForeachSetting(func(setting http2.Setting) error {
		if setting.ID == http2.SettingMaxConcurrentStreams {
			s.serverMaxStreams = setting.Val
		}
		return nil
	})
	return s.framer.WriteSettingsAck()
}

func (s *Session) streamFor(id uint32) (*stream, bool) {
	st, ok := s.streams[id]
	return st, ok
}

func (s *Session) handleHeaders(f *http2.HeadersFrame) error {
	st, ok := s.streamFor(f.StreamID)
	if !ok {
		return nil // stream already closed/reset; ignore stray frames
	}
	s.decodingStream = st
	s.decodedHeaders = s.decodedHeaders[:0]
	if _, err := s.decoder.Write(f.HeaderBlockFragment()); err != nil {
		return fmt.Errorf("http2session: hpack decode stream %d: %w", f.StreamID, err)
	}
	if f.HeadersEnded() {
		s.finishHeaders(st)
	}
	if f.StreamEnded() {
		s.finishStream(st, nil)
	}
	return nil
}

func (s *Session) handleContinuation(f *http2.ContinuationFrame) error {
	if s.decodingStream == nil {
		return fmt.Errorf("http2session: CONTINUATION without preceding HEADERS")
	}
	if _, err := s.decoder.Write(f.HeaderBlockFragment()); err != nil {
		return fmt.Errorf("http2session: hpack decode continuation: %w", err)
	}
	if f.HeadersEnded() {
		s.finishHeaders(s.decodingStream)
	}
	return nil
}

func (s *Session) finishHeaders(st *stream) {
	status := 0
	headers := make(http.Header)
	for _, f := range s.decodedHeaders {
		if f.Name == ":status" {
			fmt.Sscanf(f.Value, "%d", &status)
			continue
		}
		if len(f.Name) > 0 && f.Name[0] == ':' {
			continue
		}
		headers.Add(f.Name, f.Value)
	}
	st.headersDone = true
	s.decodingStream = nil
	if st.cb.OnHeaders != nil {
		st.cb.OnHeaders(status, headers)
	}
}

func (s *Session) handleData(f *http2.DataFrame) error {
	st, ok := s.streamFor(f.StreamID)
	if !ok {
		return nil
	}
	if data := f.Data(); len(data) > 0 && st.cb.OnData != nil {
		st.cb.OnData(data)
	}
	if f.StreamEnded() {
		s.finishStream(st, nil)
	}
	return nil
}

func (s *Session) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		s.connSendWindow += int32(f.Increment)
		for _, st := range s.streams {
			s.flushStreamData(st)
		}
		return
	}
	if st, ok := s.streamFor(f.StreamID); ok {
		st.sendWindow += int32(f.Increment)
		s.flushStreamData(st)
	}
}

func (s *Session) handleRSTStream(f *http2.RSTStreamFrame) {
	if st, ok := s.streamFor(f.StreamID); ok {
		s.finishStream(st, fmt.Errorf("http2session: stream %d reset: %s", f.StreamID, f.ErrCode))
	}
}

func (s *Session) finishStream(st *stream, err error) {
	if st.closed {
		return
	}
	st.closed = true
	delete(s.streams, st.id)
	if st.cb.OnClose != nil {
		st.cb.OnClose(err)
	}
}

// ActiveStreamCount returns the number of streams with a response still
// in flight.
func (s *Session) ActiveStreamCount() int { return len(s.streams) }

// MaxConcurrentStreams returns the server-advertised SETTINGS_MAX_CONCURRENT_STREAMS
// (100 until the server's SETTINGS frame says otherwise). Queried live, not
// cached at pool-entry creation time.
func (s *Session) MaxConcurrentStreams() int { return int(s.serverMaxStreams) }

// GoAwayReceived reports whether the peer has sent GOAWAY; existing streams
// are still driven to completion, but no new ones may be submitted.
func (s *Session) GoAwayReceived() bool { return s.goAwayReceived }

// LastError returns the error that ended ReadLoop, if any.
func (s *Session) LastError() error { return s.lastErr }
