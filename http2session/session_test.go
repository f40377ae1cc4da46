package http2session_test

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/http2session"
)

// handshakeServer drains the client preface and the initial SETTINGS +
// WINDOW_UPDATE frames NewSession writes, then acks the SETTINGS frame as a
// real HTTP/2 peer would. Returns the raw settings seen, for assertions.
func handshakeServer(t *testing.T, conn net.Conn) (*http2.Framer, []http2.Setting) {
	t.Helper()
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read preface: %v", err)
	}
	if string(buf) != http2.ClientPreface {
		t.Fatalf("preface = %q, want %q", buf, http2.ClientPreface)
	}

	serverFramer := http2.NewFramer(conn, conn)

	frame, err := serverFramer.ReadFrame()
	if err != nil {
		t.Fatalf("read SETTINGS: %v", err)
	}
	sf, ok := frame.(*http2.SettingsFrame)
	if !ok {
		t.Fatalf("first frame = %T, want *http2.SettingsFrame", frame)
	}
	var settings []http2.Setting
	sf.ForeachSetting(func(s http2.Setting) error {
		settings = append(settings, s)
		return nil
	})

	frame, err = serverFramer.ReadFrame()
	if err != nil {
		t.Fatalf("read WINDOW_UPDATE: %v", err)
	}
	if _, ok := frame.(*http2.WindowUpdateFrame); !ok {
		t.Fatalf("second frame = %T, want *http2.WindowUpdateFrame", frame)
	}

	// net.Pipe is unbuffered, so the ack is written from its own goroutine;
	// the client reads it once its ReadLoop runs.
	go http2.NewFramer(conn, nil).WriteSettingsAck()

	return serverFramer, settings
}

func TestNewSession_SendsPrefaceSettingsAndWindowUpdate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	profile := fingerprint.Chrome143()
	done := make(chan struct{})
	var settings []http2.Setting
	go func() {
		_, settings = handshakeServer(t, server)
		close(done)
	}()

	sess, err := http2session.NewSession(client, profile)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	<-done

	want := profile.H2Settings.SettingIDs()
	if len(settings) != len(want) {
		t.Fatalf("got %d settings, want %d", len(settings), len(want))
	}
	for i, w := range want {
		if uint16(settings[i].ID) != w.ID || settings[i].Val != w.Value {
			t.Errorf("setting[%d] = (%d,%d), want (%d,%d)", i, settings[i].ID, settings[i].Val, w.ID, w.Value)
		}
	}
	if !sess.CanSubmitRequest() {
		t.Fatal("CanSubmitRequest() = false immediately after handshake")
	}
}

func TestSubmitRequest_EncodesHeadersInGivenOrder(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	profile := fingerprint.Chrome143()
	go handshakeServer(t, server)

	sess, err := http2session.NewSession(client, profile)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	headers := &fingerprint.OrderedHeader{}
	headers.Add(":method", "GET")
	headers.Add(":authority", "example.com")
	headers.Add(":scheme", "https")
	headers.Add(":path", "/")
	headers.Add("accept", "*/*")

	type headerFrameResult struct {
		id     uint32
		fields []hpack.HeaderField
	}
	got := make(chan headerFrameResult, 1)
	go func() {
		serverFramer := http2.NewFramer(server, server)
		var fields []hpack.HeaderField
		dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) { fields = append(fields, f) })
		frame, err := serverFramer.ReadFrame()
		if err != nil {
			t.Errorf("read HEADERS: %v", err)
			return
		}
		hf, ok := frame.(*http2.HeadersFrame)
		if !ok {
			t.Errorf("frame = %T, want *http2.HeadersFrame", frame)
			return
		}
		if _, err := dec.Write(hf.HeaderBlockFragment()); err != nil {
			t.Errorf("hpack decode: %v", err)
			return
		}
		got <- headerFrameResult{id: hf.StreamID, fields: fields}
	}()

	id, err := sess.SubmitRequest(headers, nil, http2session.StreamCallbacks{})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if id != 1 {
		t.Fatalf("first stream id = %d, want 1", id)
	}

	select {
	case res := <-got:
		if res.id != 1 {
			t.Errorf("server saw stream id %d, want 1", res.id)
		}
		wantOrder := []string{":method", ":authority", ":scheme", ":path", "accept"}
		if len(res.fields) != len(wantOrder) {
			t.Fatalf("got %d header fields, want %d", len(res.fields), len(wantOrder))
		}
		for i, name := range wantOrder {
			if res.fields[i].Name != name {
				t.Errorf("field[%d].Name = %q, want %q", i, res.fields[i].Name, name)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive HEADERS frame")
	}
}

func TestReadLoop_DispatchesHeadersDataAndClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	profile := fingerprint.Chrome143()
	handshakeDone := make(chan *http2.Framer, 1)
	go func() {
		serverFramer, _ := handshakeServer(t, server)
		handshakeDone <- serverFramer
	}()

	sess, err := http2session.NewSession(client, profile)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	serverFramer := <-handshakeDone

	headersCh := make(chan int, 1)
	var gotBody []byte
	closed := make(chan error, 1)

	go func() {
		// Drain and discard the client's request frames so the pipe doesn't
		// deadlock, then respond with a full HTTP/2 response.
		serverFramer.ReadFrame() // HEADERS for the request

		var buf []byte
		enc := hpack.NewEncoder(&writerBuf{&buf})
		enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
		enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "text/plain"})
		serverFramer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: buf,
			EndHeaders:    true,
		})
		serverFramer.WriteData(1, true, []byte("hello"))
	}()

	_, err = sess.SubmitRequest(&fingerprint.OrderedHeader{}, nil, http2session.StreamCallbacks{
		OnHeaders: func(status int, headers http.Header) { headersCh <- status },
		OnData:    func(data []byte) { gotBody = append(gotBody, data...) },
		OnClose:   func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}

	go sess.ReadLoop()

	select {
	case status := <-headersCh:
		if status != 200 {
			t.Errorf("status = %d, want 200", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnHeaders")
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("OnClose(%v), want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}

	if string(gotBody) != "hello" {
		t.Fatalf("body = %q, want %q", gotBody, "hello")
	}
	if sess.ActiveStreamCount() != 0 {
		t.Fatalf("ActiveStreamCount() = %d, want 0 after stream closed", sess.ActiveStreamCount())
	}
}

// writerBuf adapts a *[]byte to io.Writer for hpack.NewEncoder.
type writerBuf struct{ buf *[]byte }

func (w *writerBuf) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
