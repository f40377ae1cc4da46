package tlsconn_test

import (
	"net"
	"testing"

	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/sessioncache"
	"github.com/holytls/holytls/tlsconn"
)

func TestConnection_StartsInInitState(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := tlsconn.New(client, "example.com", 443, fingerprint.Chrome143(), sessioncache.NewCache(4))
	if conn.State() != tlsconn.StateInit {
		t.Fatalf("State() = %v, want StateInit", conn.State())
	}
}

func TestConnection_ReadWriteBeforeConnectedReturnsError(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := tlsconn.New(client, "example.com", 443, fingerprint.Chrome143(), nil)
	if _, res := conn.Read(make([]byte, 16)); res != tlsconn.ResultError {
		t.Fatalf("Read before handshake = %v, want ResultError", res)
	}
	if _, res := conn.Write([]byte("x")); res != tlsconn.ResultError {
		t.Fatalf("Write before handshake = %v, want ResultError", res)
	}
}

func TestConnection_CloseBeforeHandshakeClosesRawConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := tlsconn.New(client, "example.com", 443, fingerprint.Chrome143(), nil)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if conn.State() != tlsconn.StateClosed {
		t.Fatalf("State() after Close = %v, want StateClosed", conn.State())
	}
}

func TestState_String(t *testing.T) {
	cases := map[tlsconn.State]string{
		tlsconn.StateInit:         "Init",
		tlsconn.StateHandshaking:  "Handshaking",
		tlsconn.StateConnected:    "Connected",
		tlsconn.StateShuttingDown: "ShuttingDown",
		tlsconn.StateClosed:       "Closed",
		tlsconn.StateError:        "Error",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
