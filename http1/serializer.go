// Package http1 implements the HTTP/1.1 wire serializer and streaming
// parser HolyTLS drives directly over a tlsconn.Connection — no pipelining,
// one in-flight request per connection.
package http1

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holytls/holytls/fingerprint"
)

// SerializeRequest renders method/path/headers/body into the exact HTTP/1.1
// wire form Chrome would send: request line, headers in the caller-supplied
// order, Content-Length when a body is present, a blank line, then the
// body. Headers are expected to already be Chrome-ordered (built by
// fingerprint.HeaderSequencer.BuildHTTP1) — this function does not reorder
// them.
func SerializeRequest(method, path string, headers *fingerprint.OrderedHeader, body []byte) []byte {
	var b strings.Builder
	b.Grow(256 + len(body))

	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)

	wroteContentLength := false
	for _, h := range headers.Entries() {
		if strings.EqualFold(h.Name, "Content-Length") {
			wroteContentLength = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if len(body) > 0 && !wroteContentLength {
		fmt.Fprintf(&b, "Content-Length: %s\r\n", strconv.Itoa(len(body)))
	}
	b.WriteString("\r\n")

	out := make([]byte, 0, b.Len()+len(body))
	out = append(out, b.String()...)
	out = append(out, body...)
	return out
}
