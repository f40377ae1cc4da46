package http1_test

import (
	"net/http"
	"testing"

	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/http1"
)

func TestParser_LengthDelimitedBody(t *testing.T) {
	var gotStatus int
	var gotHeaders http.Header
	var gotBody []byte
	closed := false

	p := http1.NewParser(http1.Callbacks{
		OnHeaders: func(status int, headers http.Header) { gotStatus = status; gotHeaders = headers },
		OnData:    func(data []byte) { gotBody = append(gotBody, data...) },
		OnClose:   func(err error) { closed = true; if err != nil { t.Fatalf("unexpected error: %v", err) } },
	})

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhello"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}

	if gotStatus != 200 {
		t.Fatalf("status = %d, want 200", gotStatus)
	}
	if gotHeaders.Get("Content-Type") != "text/plain" {
		t.Fatalf("Content-Type = %q, want %q", gotHeaders.Get("Content-Type"), "text/plain")
	}
	if string(gotBody) != "hello" {
		t.Fatalf("body = %q, want %q", gotBody, "hello")
	}
	if !closed {
		t.Fatal("OnClose was never called")
	}
	if p.CanSubmitRequest() {
		t.Fatal("CanSubmitRequest should be false before Reset")
	}
	p.Reset()
	if !p.CanSubmitRequest() {
		t.Fatal("CanSubmitRequest should be true after Reset")
	}
}

func TestParser_SplitAcrossMultipleFeeds(t *testing.T) {
	var gotBody []byte
	closed := false
	p := http1.NewParser(http1.Callbacks{
		OnData:  func(data []byte) { gotBody = append(gotBody, data...) },
		OnClose: func(err error) { closed = true },
	})

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world"
	for i := 0; i < len(raw); i++ {
		if err := p.Feed([]byte{raw[i]}); err != nil {
			t.Fatalf("Feed byte %d returned error: %v", i, err)
		}
	}
	if string(gotBody) != "hello world" {
		t.Fatalf("body = %q, want %q", gotBody, "hello world")
	}
	if !closed {
		t.Fatal("OnClose was never called")
	}
}

func TestParser_ChunkedBody(t *testing.T) {
	var gotBody []byte
	closed := false
	p := http1.NewParser(http1.Callbacks{
		OnData:  func(data []byte) { gotBody = append(gotBody, data...) },
		OnClose: func(err error) { closed = true; if err != nil { t.Fatalf("unexpected error: %v", err) } },
	})

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if string(gotBody) != "hello world" {
		t.Fatalf("body = %q, want %q", gotBody, "hello world")
	}
	if !closed {
		t.Fatal("OnClose was never called for chunked body")
	}
}

func TestParser_ChunkedBodySplitAcrossFeeds(t *testing.T) {
	var gotBody []byte
	p := http1.NewParser(http1.Callbacks{
		OnData: func(data []byte) { gotBody = append(gotBody, data...) },
	})

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		if err := p.Feed([]byte{raw[i]}); err != nil {
			t.Fatalf("Feed byte %d returned error: %v", i, err)
		}
	}
	if string(gotBody) != "hello" {
		t.Fatalf("body = %q, want %q", gotBody, "hello")
	}
}

func TestParser_ZeroLengthBodyClosesImmediately(t *testing.T) {
	closed := false
	p := http1.NewParser(http1.Callbacks{
		OnClose: func(err error) { closed = true },
	})
	raw := "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if !closed {
		t.Fatal("expected immediate OnClose for zero-length body")
	}
}

func TestParser_RejectsBytesAfterNonPipelinedResponse(t *testing.T) {
	p := http1.NewParser(http1.Callbacks{})
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\nUNEXPECTED"
	if err := p.Feed([]byte(raw)); err == nil {
		t.Fatal("expected an error for bytes following a completed non-pipelined response")
	}
}

func TestSerializeRequest_ContentLengthAndOrder(t *testing.T) {
	h := &fingerprint.OrderedHeader{}
	h.Add("Host", "example.com")
	h.Add("Accept", "*/*")

	out := string(http1.SerializeRequest("POST", "/submit", h, []byte("payload")))

	wantPrefix := "POST /submit HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\nContent-Length: 7\r\n\r\npayload"
	if out != wantPrefix {
		t.Fatalf("SerializeRequest() = %q, want %q", out, wantPrefix)
	}
}

func TestSerializeRequest_NoBodyNoContentLength(t *testing.T) {
	h := &fingerprint.OrderedHeader{}
	h.Add("Host", "example.com")

	out := string(http1.SerializeRequest("GET", "/", h, nil))
	if want := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"; out != want {
		t.Fatalf("SerializeRequest() = %q, want %q", out, want)
	}
}
