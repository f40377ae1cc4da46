// Package proxytunnel implements the HTTP-CONNECT and SOCKS4/4a/5/5h
// handshake byte layouts as resumable stepper state machines. Each
// submachine drives a single non-blocking-style I/O attempt per
// Step call and reports {Ok, WantRead, WantWrite, Error} the same way
// tlsconn.Connection reports outcomes for TLS record I/O — the Connection
// state machine owns one instance for its ProxyTunnel state and calls Step
// again whenever the reactor reports the socket ready.
//
// Grounded on other_examples/.../tlsfingerprint/dialer.go's
// HTTPProxyDialer/SOCKS5ProxyDialer for the wire shapes (CONNECT request
// line, SOCKS5 greeting/auth/request layout) and on
// golang.org/x/net/proxy's Auth type for proxy credentials — that package's
// SOCKS5 dialer itself is a single blocking Dial call with no resumable
// entry point, so it can't back this package's stepper contract directly;
// only its lightweight Auth struct is reused here.
package proxytunnel

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/net/proxy"
)

// Result is the outcome of one Step call.
type Result int

const (
	ResultOk Result = iota
	ResultWantRead
	ResultWantWrite
	ResultError
)

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// stepIO is the shared half-duplex write-then-read buffering every
// submachine below uses: queue bytes to write, drain them across possibly
// many partial writes, then accumulate inbound bytes until enough have
// arrived to parse the next fixed- or variable-length reply.
type stepIO struct {
	out    []byte
	outOff int
	in     []byte
}

func (s *stepIO) queueWrite(b []byte) {
	s.out = b
	s.outOff = 0
}

// drainWrite attempts one write of the remaining queued bytes. ok is true
// once everything has been written.
func (s *stepIO) drainWrite(w io.Writer) (res Result, ok bool) {
	if s.outOff >= len(s.out) {
		return ResultOk, true
	}
	n, err := w.Write(s.out[s.outOff:])
	s.outOff += n
	if err != nil {
		if isTransient(err) {
			return ResultWantWrite, false
		}
		return ResultError, false
	}
	if s.outOff < len(s.out) {
		return ResultWantWrite, false
	}
	return ResultOk, true
}

// fillRead attempts one read into the accumulator buffer.
func (s *stepIO) fillRead(r io.Reader) (res Result, gotData bool) {
	buf := make([]byte, 512)
	n, err := r.Read(buf)
	if n > 0 {
		s.in = append(s.in, buf[:n]...)
	}
	if err != nil {
		if isTransient(err) {
			return ResultWantRead, n > 0
		}
		return ResultError, n > 0
	}
	if n == 0 {
		return ResultWantRead, false
	}
	return ResultOk, true
}

// Credentials carries optional proxy username/password authentication,
// reusing golang.org/x/net/proxy's Auth shape so callers building a SOCKS5
// tunnel from a parsed proxy URL have a drop-in type to populate.
type Credentials = proxy.Auth

// HTTPConnect drives the HTTP CONNECT tunnel handshake: a single request
// line plus headers, then a status line that must read 200 to succeed.
type HTTPConnect struct {
	stepIO
	wroteRequest bool
	done         bool
}

// NewHTTPConnect builds the CONNECT request for target (host:port) through
// a proxy, optionally with Proxy-Authorization.
func NewHTTPConnect(target string, creds *Credentials) *HTTPConnect {
	var b bytes.Buffer
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	if creds != nil && creds.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(creds.User + ":" + creds.Password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", token)
	}
	b.WriteString("User-Agent: Chrome/143.0.0.0\r\n")
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	b.WriteString("\r\n")

	h := &HTTPConnect{}
	h.queueWrite(b.Bytes())
	return h
}

// Step drives one I/O attempt; call again on WantRead/WantWrite once the
// reactor reports the socket ready.
func (h *HTTPConnect) Step(rw io.ReadWriter) Result {
	if h.done {
		return ResultOk
	}
	if !h.wroteRequest {
		res, ok := h.drainWrite(rw)
		if !ok {
			return res
		}
		h.wroteRequest = true
	}

	res, _ := h.fillRead(rw)
	if res == ResultError {
		return ResultError
	}
	idx := bytes.Index(h.in, []byte("\r\n\r\n"))
	if idx < 0 {
		return ResultWantRead
	}
	statusLine := h.in[:bytes.IndexByte(h.in, '\n')]
	parts := bytes.SplitN(bytes.TrimRight(statusLine, "\r\n"), []byte(" "), 3)
	if len(parts) < 2 {
		return ResultError
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return ResultError
	}
	if code != 200 {
		return ResultError
	}
	h.done = true
	return ResultOk
}

// socks5Phase tracks progress through SOCKS5's three-step negotiation:
// method greeting, optional username/password auth, then the CONNECT
// request itself.
type socks5Phase int

const (
	socks5Greeting socks5Phase = iota
	socks5Auth
	socks5Connect
	socks5Done
)

// Socks5 drives the SOCKS5 handshake where HolyTLS itself resolves the
// target host and sends its IP address (ATYP IPv4/IPv6). Use Socks5h when
// the proxy should resolve instead.
type Socks5 struct {
	stepIO
	phase       socks5Phase
	creds       *Credentials
	targetHost  string
	targetPort  int
	resolveHere bool
}

// NewSocks5 builds a SOCKS5 submachine. targetIP must be non-nil when
// resolveHere is true (the caller already resolved the host); NewSocks5h
// is the resolveHere=false (domain ATYP) constructor.
func NewSocks5(targetHost string, targetPort int, targetIP net.IP, creds *Credentials) *Socks5 {
	s := &Socks5{creds: creds, targetHost: targetHost, targetPort: targetPort, resolveHere: targetIP != nil}
	s.queueGreeting()
	if targetIP != nil {
		s.targetHost = targetIP.String()
	}
	return s
}

// NewSocks5h builds a SOCKS5h submachine: the proxy resolves targetHost
// itself, so the CONNECT request carries a domain-name ATYP.
func NewSocks5h(targetHost string, targetPort int, creds *Credentials) *Socks5 {
	s := &Socks5{creds: creds, targetHost: targetHost, targetPort: targetPort, resolveHere: false}
	s.queueGreeting()
	return s
}

func (s *Socks5) queueGreeting() {
	if s.creds != nil && s.creds.User != "" {
		s.queueWrite([]byte{0x05, 0x02, 0x00, 0x02})
	} else {
		s.queueWrite([]byte{0x05, 0x01, 0x00})
	}
}

// Step drives one I/O attempt per call across all three phases.
func (s *Socks5) Step(rw io.ReadWriter) Result {
	for {
		switch s.phase {
		case socks5Done:
			return ResultOk
		case socks5Greeting:
			if res := s.stepGreeting(rw); res != ResultOk {
				return res
			}
		case socks5Auth:
			if res := s.stepAuth(rw); res != ResultOk {
				return res
			}
		case socks5Connect:
			return s.stepConnect(rw)
		}
	}
}

func (s *Socks5) stepGreeting(rw io.ReadWriter) Result {
	if res, ok := s.drainWrite(rw); !ok {
		return res
	}
	if len(s.in) < 2 {
		res, _ := s.fillRead(rw)
		if res != ResultOk && len(s.in) < 2 {
			return res
		}
	}
	method := s.in[1]
	s.in = s.in[2:]
	switch method {
	case 0x00:
		s.phase = socks5Connect
		s.queueConnect()
	case 0x02:
		s.phase = socks5Auth
		s.queueAuth()
	default:
		return ResultError
	}
	return ResultOk
}

func (s *Socks5) queueAuth() {
	var b bytes.Buffer
	b.WriteByte(0x01)
	b.WriteByte(byte(len(s.creds.User)))
	b.WriteString(s.creds.User)
	b.WriteByte(byte(len(s.creds.Password)))
	b.WriteString(s.creds.Password)
	s.queueWrite(b.Bytes())
}

func (s *Socks5) stepAuth(rw io.ReadWriter) Result {
	if res, ok := s.drainWrite(rw); !ok {
		return res
	}
	if len(s.in) < 2 {
		res, _ := s.fillRead(rw)
		if res != ResultOk && len(s.in) < 2 {
			return res
		}
	}
	status := s.in[1]
	s.in = s.in[2:]
	if status != 0x00 {
		return ResultError
	}
	s.phase = socks5Connect
	s.queueConnect()
	return ResultOk
}

func (s *Socks5) queueConnect() {
	var b bytes.Buffer
	b.Write([]byte{0x05, 0x01, 0x00})

	if ip := net.ParseIP(s.targetHost); s.resolveHere && ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b.WriteByte(0x01)
			b.Write(ip4)
		} else {
			b.WriteByte(0x04)
			b.Write(ip.To16())
		}
	} else {
		b.WriteByte(0x03)
		b.WriteByte(byte(len(s.targetHost)))
		b.WriteString(s.targetHost)
	}
	b.WriteByte(byte(s.targetPort >> 8))
	b.WriteByte(byte(s.targetPort))
	s.queueWrite(b.Bytes())
}

func (s *Socks5) stepConnect(rw io.ReadWriter) Result {
	if res, ok := s.drainWrite(rw); !ok {
		return res
	}
	if len(s.in) < 5 {
		res, _ := s.fillRead(rw)
		if res == ResultError {
			return ResultError
		}
		if len(s.in) < 5 {
			return ResultWantRead
		}
	}
	atyp := s.in[3]
	var addrLen int
	switch atyp {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	case 0x03:
		addrLen = int(s.in[4]) + 1 // length byte + domain
	default:
		return ResultError
	}
	total := 4 + addrLen + 2
	if len(s.in) < total {
		res, _ := s.fillRead(rw)
		if res == ResultError {
			return ResultError
		}
		if len(s.in) < total {
			return ResultWantRead
		}
	}
	rep := s.in[1]
	if rep != 0x00 {
		return ResultError
	}
	s.phase = socks5Done
	return ResultOk
}

// socks4Phase tracks the single-packet SOCKS4/4a handshake.
type socks4Phase int

const (
	socks4Request socks4Phase = iota
	socks4Reply
	socks4Done
)

// Socks4 drives SOCKS4 (real IPv4 target) or SOCKS4a (domain appended after
// a 0.0.0.x marker address, x != 0) depending on the constructor: NewSocks4
// takes a target IP, NewSocks4a a host name.
type Socks4 struct {
	stepIO
	phase socks4Phase
}

// NewSocks4 builds a SOCKS4 submachine for a pre-resolved IPv4 target.
func NewSocks4(targetIP net.IP, targetPort int, userID string) *Socks4 {
	s := &Socks4{}
	s.queueWrite(buildSocks4Request(targetIP.To4(), targetPort, userID, ""))
	return s
}

// NewSocks4a builds a SOCKS4a submachine where the proxy resolves
// targetHost; the request uses the reserved 0.0.0.x marker address
// followed by the hostname.
func NewSocks4a(targetHost string, targetPort int, userID string) *Socks4 {
	s := &Socks4{}
	s.queueWrite(buildSocks4Request(net.IPv4(0, 0, 0, 1), targetPort, userID, targetHost))
	return s
}

func buildSocks4Request(ip net.IP, port int, userID, hostname string) []byte {
	var b bytes.Buffer
	b.WriteByte(0x04)
	b.WriteByte(0x01)
	b.WriteByte(byte(port >> 8))
	b.WriteByte(byte(port))
	b.Write(ip.To4())
	b.WriteString(userID)
	b.WriteByte(0x00)
	if hostname != "" {
		b.WriteString(hostname)
		b.WriteByte(0x00)
	}
	return b.Bytes()
}

// Step drives one I/O attempt; the reply is a fixed 8-byte packet.
func (s *Socks4) Step(rw io.ReadWriter) Result {
	if s.phase == socks4Done {
		return ResultOk
	}
	if s.phase == socks4Request {
		if res, ok := s.drainWrite(rw); !ok {
			return res
		}
		s.phase = socks4Reply
	}
	if len(s.in) < 8 {
		res, _ := s.fillRead(rw)
		if res == ResultError {
			return ResultError
		}
		if len(s.in) < 8 {
			return ResultWantRead
		}
	}
	if s.in[1] != 0x5A {
		return ResultError
	}
	s.phase = socks4Done
	return ResultOk
}
