package connection_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/holytls/holytls/connection"
	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/proxytunnel"
	"github.com/holytls/holytls/reactor"
)

type failingTunnel struct{}

func (failingTunnel) Step(io.ReadWriter) proxytunnel.Result { return proxytunnel.ResultError }

func waitForState(t *testing.T, c *connection.Connection, want connection.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("State() never reached %v, stuck at %v", want, c.State())
}

func TestConnection_StartsInConnectingState(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := reactor.New(0, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c := connection.New(client, "example.com", 443, fingerprint.Chrome143(), nil, nil, r, nil)
	if c.State() != connection.StateConnecting {
		t.Fatalf("State() = %v, want StateConnecting", c.State())
	}
}

func TestConnection_ProxyTunnelFailureMovesToError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := reactor.New(0, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c := connection.New(client, "example.com", 443, fingerprint.Chrome143(), nil, failingTunnel{}, r, nil)
	c.Start()

	waitForState(t, c, connection.StateError)
	if c.LastError() == nil {
		t.Fatal("LastError() = nil, want non-nil after proxy tunnel failure")
	}
}

func TestConnection_HasCapacityFalseBeforeConnected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := reactor.New(0, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c := connection.New(client, "example.com", 443, fingerprint.Chrome143(), nil, nil, r, nil)
	if c.HasCapacity() {
		t.Fatal("HasCapacity() = true before handshake, want false")
	}
}

func TestState_String(t *testing.T) {
	cases := map[connection.State]string{
		connection.StateConnecting:   "Connecting",
		connection.StateProxyTunnel:  "ProxyTunnel",
		connection.StateTlsHandshake: "TlsHandshake",
		connection.StateConnected:    "Connected",
		connection.StateClosing:      "Closing",
		connection.StateClosed:       "Closed",
		connection.StateError:        "Error",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
