package http1

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// ParserState is one of the HTTP/1.1 response parser's states. There is no
// pipelining: CanSubmitRequest is only true while the parser is Idle.
type ParserState int

const (
	StateIdle ParserState = iota
	StateParsingHeaders
	StateParsingBody
	StateParsingChunked
	// stateDone marks a response whose OnClose has already fired; Feed
	// treats any further bytes in the same call as a protocol violation
	// since this connection never pipelines. Reset returns to StateIdle.
	stateDone
)

// maxHeaderBlock bounds how many bytes of unparsed header data the parser
// will buffer before giving up, guarding against a server that never sends
// the terminating blank line.
const maxHeaderBlock = 64 * 1024

// Callbacks mirrors the transport-level event names a connection session
// translates into response building.
type Callbacks struct {
	OnHeaders func(statusCode int, headers http.Header)
	OnData    func(data []byte)
	OnClose   func(err error)
}

// Parser is a single HTTP/1.1 response parser state machine. Feed is called
// with successive chunks of socket data as they arrive; it is never handed
// more than one response's worth of trailing bytes before the caller resets
// it for the next request via Reset.
type Parser struct {
	cb    Callbacks
	state ParserState

	headerBuf []byte

	contentLength int64 // -1 means "read until connection close"
	bytesRead     int64

	chunkRemaining int64
	chunkAwaitingCRLF bool
	inTrailers     bool
}

// NewParser creates an Idle parser that invokes cb as response events are
// recognized.
func NewParser(cb Callbacks) *Parser {
	return &Parser{cb: cb, state: StateIdle}
}

// State returns the parser's current state.
func (p *Parser) State() ParserState { return p.state }

// CanSubmitRequest reports whether a new request may be sent on this
// connection — true only while the parser is Idle, since HTTP/1.1 here
// never pipelines.
func (p *Parser) CanSubmitRequest() bool { return p.state == StateIdle }

// Reset returns the parser to Idle, ready for the next response. Callers
// invoke this after OnClose fires for the previous response.
func (p *Parser) Reset() {
	p.state = StateIdle
	p.headerBuf = nil
	p.contentLength = 0
	p.bytesRead = 0
	p.chunkRemaining = 0
	p.chunkAwaitingCRLF = false
	p.inTrailers = false
}

// Feed processes newly arrived bytes, transitioning through ParsingHeaders
// -> ParsingBody/ParsingChunked and invoking callbacks as milestones are
// reached. It consumes data entirely before returning; error return values
// indicate a protocol violation the connection should treat as fatal.
func (p *Parser) Feed(data []byte) error {
	if p.state == StateIdle {
		p.state = StateParsingHeaders
	}

	for len(data) > 0 {
		switch p.state {
		case StateParsingHeaders:
			consumed, done, err := p.feedHeaders(data)
			data = data[consumed:]
			if err != nil {
				return err
			}
			if !done {
				return nil
			}
		case StateParsingBody:
			consumed := p.feedLengthDelimitedBody(data)
			data = data[consumed:]
		case StateParsingChunked:
			consumed, err := p.feedChunked(data)
			data = data[consumed:]
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("http1: Feed called in state %d", p.state)
		}
	}
	return nil
}

// FeedEOF notifies the parser that the connection has closed. A response
// with no Content-Length and no chunked Transfer-Encoding is terminated by
// connection close per RFC 7230 §3.3.3 case 7, so this completes it
// normally; any other in-progress state is reported as a truncated body.
func (p *Parser) FeedEOF() {
	switch {
	case p.state == StateParsingBody && p.contentLength < 0:
		p.finishBody(nil)
	case p.state == StateIdle:
		// Nothing in flight.
	default:
		p.finishBody(fmt.Errorf("http1: connection closed with response body incomplete"))
	}
}

func (p *Parser) feedHeaders(data []byte) (consumed int, done bool, err error) {
	p.headerBuf = append(p.headerBuf, data...)
	if len(p.headerBuf) > maxHeaderBlock {
		return len(data), false, fmt.Errorf("http1: header block exceeds %d bytes", maxHeaderBlock)
	}

	idx := bytes.Index(p.headerBuf, []byte("\r\n\r\n"))
	if idx < 0 {
		return len(data), false, nil
	}

	headerBlock := p.headerBuf[:idx+4]
	remainder := p.headerBuf[idx+4:]

	statusCode, headers, err := parseStatusAndHeaders(headerBlock)
	if err != nil {
		return len(data), false, err
	}

	p.contentLength = contentLengthOf(headers)
	chunked := isChunked(headers)

	if p.cb.OnHeaders != nil {
		p.cb.OnHeaders(statusCode, headers)
	}

	p.headerBuf = nil
	switch {
	case chunked:
		p.state = StateParsingChunked
	case p.contentLength == 0:
		p.finishBody(nil)
		return len(data) - len(remainder), true, nil
	default:
		p.state = StateParsingBody
	}

	if len(remainder) > 0 {
		var n int
		if p.state == StateParsingChunked {
			if n, err = p.feedChunked(remainder); err != nil {
				return len(data), true, err
			}
		} else {
			n = p.feedLengthDelimitedBody(remainder)
		}
		return len(data) - (len(remainder) - n), true, nil
	}
	return len(data), true, nil
}

func (p *Parser) feedLengthDelimitedBody(data []byte) (consumed int) {
	want := len(data)
	if p.contentLength >= 0 {
		remaining := p.contentLength - p.bytesRead
		if int64(want) > remaining {
			want = int(remaining)
		}
	}
	if want > 0 {
		if p.cb.OnData != nil {
			p.cb.OnData(data[:want])
		}
		p.bytesRead += int64(want)
	}
	if p.contentLength >= 0 && p.bytesRead >= p.contentLength {
		p.finishBody(nil)
	}
	return want
}

// finishBody fires OnClose and marks the response complete; the parser
// stays in stateDone until Reset is called for the next request.
func (p *Parser) finishBody(err error) {
	p.state = stateDone
	if p.cb.OnClose != nil {
		p.cb.OnClose(err)
	}
}

// feedChunked decodes one or more chunk-size/chunk-data segments from data,
// in place, per RFC 7230 §4.1: a hex chunk-size line, that many bytes of
// data, a trailing CRLF, repeated until a zero-size chunk terminates the
// body (ignoring any trailer headers up to the final blank line).
func (p *Parser) feedChunked(data []byte) (consumed int, err error) {
	original := len(data)
	// headerBuf is unused once the header block is parsed; here it carries a
	// chunk-size line, chunk CRLF or trailer section split across Feed calls.
	if len(p.headerBuf) > 0 {
		data = append(p.headerBuf, data...)
		p.headerBuf = nil
	}
	for len(data) > 0 {
		if p.inTrailers {
			end := -1
			if bytes.HasPrefix(data, []byte("\r\n")) {
				end = 2
			} else if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
				end = idx + 4
			}
			if end < 0 {
				p.headerBuf = append([]byte(nil), data...)
				return original, nil
			}
			data = data[end:]
			p.inTrailers = false
			p.finishBody(nil)
			return original - len(data), nil
		}

		if p.chunkRemaining == 0 && !p.chunkAwaitingCRLF {
			idx := bytes.Index(data, []byte("\r\n"))
			if idx < 0 {
				p.headerBuf = append([]byte(nil), data...)
				return original, nil
			}
			sizeLine := data[:idx]
			if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
				sizeLine = sizeLine[:semi]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(string(sizeLine)), 16, 64)
			if err != nil {
				return original, fmt.Errorf("http1: malformed chunk size %q: %w", sizeLine, err)
			}
			data = data[idx+2:]
			if size == 0 {
				p.inTrailers = true
				continue
			}
			p.chunkRemaining = size
			continue
		}

		if p.chunkRemaining > 0 {
			take := int64(len(data))
			if take > p.chunkRemaining {
				take = p.chunkRemaining
			}
			if take > 0 && p.cb.OnData != nil {
				p.cb.OnData(data[:take])
			}
			p.chunkRemaining -= take
			data = data[take:]
			if p.chunkRemaining == 0 {
				p.chunkAwaitingCRLF = true
			}
			continue
		}

		if p.chunkAwaitingCRLF {
			if len(data) < 2 {
				p.headerBuf = append([]byte(nil), data...)
				return original, nil
			}
			data = data[2:]
			p.chunkAwaitingCRLF = false
			continue
		}
	}
	return original, nil
}

func parseStatusAndHeaders(block []byte) (int, http.Header, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return 0, nil, fmt.Errorf("http1: read status line: %w", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, nil, fmt.Errorf("http1: malformed status line %q", statusLine)
	}
	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("http1: malformed status code %q: %w", parts[1], err)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		return 0, nil, fmt.Errorf("http1: read headers: %w", err)
	}
	return statusCode, http.Header(mimeHeader), nil
}

func contentLengthOf(headers http.Header) int64 {
	v := headers.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func isChunked(headers http.Header) bool {
	return strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked")
}
