package http3session

import (
	"context"
	"crypto/tls"

	"github.com/holytls/holytls/fingerprint"
	"github.com/holytls/holytls/quicconn"
)

// Dial opens a QUIC connection to host:port and negotiates an HTTP/3
// session on top of it in one call. *Session already satisfies
// pool.PooledConn via HasCapacity/State/Close, so a composition root needs
// only to close over profile and tlsConfig to get a pool.QuicDialer
// (`func(ctx, host, port) (pool.PooledConn, error)`).
func Dial(ctx context.Context, host string, port int, profile *fingerprint.Profile, tlsConfig *tls.Config) (*Session, error) {
	conn, err := quicconn.Dial(ctx, host, port, profile, tlsConfig)
	if err != nil {
		return nil, err
	}
	sess, err := NewSession(ctx, conn, profile)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}
