// Package config provides production-grade configuration management for HolyTLS.
// It supports JSON-based configuration loading with safe defaults optimized for high concurrency.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ProtocolPreference selects which transport(s) Acquire is allowed to use
// for a given origin, mirroring pool.ProtocolPreference's string values.
type ProtocolPreference string

const (
	ProtocolAuto           ProtocolPreference = "Auto"
	ProtocolHttp3Only      ProtocolPreference = "Http3Only"
	ProtocolHttp2Preferred ProtocolPreference = "Http2Preferred"
	ProtocolHttp1Only      ProtocolPreference = "Http1Only"
)

// ProxyType selects the tunnel byte-protocol proxytunnel should speak.
type ProxyType string

const (
	ProxyNone    ProxyType = "None"
	ProxyHttp    ProxyType = "Http"
	ProxySocks4  ProxyType = "Socks4"
	ProxySocks4a ProxyType = "Socks4a"
	ProxySocks5  ProxyType = "Socks5"
	ProxySocks5h ProxyType = "Socks5h"
)

// TLSConfig groups the fingerprint/certificate/session-resumption knobs,
// the `tls.*` options.
type TLSConfig struct {
	// ChromeVersion selects the fingerprint.Profile to impersonate: one of
	// 120, 125, 130, 131, 143.
	ChromeVersion int `json:"chrome_version"`

	// ForceHTTP1 restricts the ALPN offer to "http/1.1" only, skipping h2
	// (and therefore http2session) entirely for this connection.
	ForceHTTP1 bool `json:"force_http1"`

	// VerifyCertificates disables certificate-chain verification when false.
	// Defaults to true; only meant for lab/testing use against self-signed
	// origins.
	VerifyCertificates bool `json:"verify_certificates"`

	CABundlePath   string `json:"ca_bundle_path"`
	ClientCertPath string `json:"client_cert_path"`
	ClientKeyPath  string `json:"client_key_path"`

	EnableSessionCache bool `json:"enable_session_cache"`
	SessionCacheSize   int  `json:"session_cache_size"`
	EnableEarlyData    bool `json:"enable_early_data"`
}

// PoolConfig groups the connection-pool sizing knobs, the `pool.*` options.
type PoolConfig struct {
	MaxConnectionsPerHost   int           `json:"max_connections_per_host"`
	MaxTotalConnections     int           `json:"max_total_connections"`
	IdleTimeout             time.Duration `json:"idle_timeout"`
	ConnectTimeout          time.Duration `json:"connect_timeout"`
	MaxStreamsPerConnection int           `json:"max_streams_per_connection"`
}

// ThreadsConfig groups the reactor-shard-count knobs, the `threads.*` options.
type ThreadsConfig struct {
	// NumWorkers is the number of reactor shards to run; 0 means "use
	// runtime.NumCPU()".
	NumWorkers int `json:"num_workers"`

	// PinToCores requests OS-thread affinity for each reactor shard where
	// the platform supports it. HolyTLS does not pin threads itself (no
	// pack example demonstrates CPU-affinity syscalls); this flag is
	// recognized and carried but has no effect.
	PinToCores bool `json:"pin_to_cores"`
}

// DNSConfig groups the resolver knobs, the `dns.*` options.
type DNSConfig struct {
	Servers  []string      `json:"servers"`
	Timeout  time.Duration `json:"timeout"`
	CacheTTL time.Duration `json:"cache_ttl"`
}

// ProxyConfig describes a single upstream proxy, the `proxy.*` options.
// ProxyType None, or the empty zero value, means connect directly.
type ProxyConfig struct {
	Type     ProxyType `json:"type"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Username string    `json:"username"`
	Password string    `json:"password"`
}

// AltSvcConfig groups the Alt-Svc cache knobs, the `alt_svc.*` option.
type AltSvcConfig struct {
	Enabled bool `json:"enabled"`
}

// Config holds all tunable parameters for HolyTLS.
// The struct is designed to be loaded once at startup and then shared across
// goroutines as a read-only value, making it inherently thread-safe after
// initialization. Fields cover protocol selection, TLS fingerprinting,
// pool sizing, threading, DNS, and proxy configuration.
type Config struct {
	// Protocol is the default acquisition preference handed to
	// pool.ConnectionPool.Acquire when a request doesn't override it.
	Protocol ProtocolPreference `json:"protocol"`

	TLS     TLSConfig     `json:"tls"`
	Pool    PoolConfig    `json:"pool"`
	Threads ThreadsConfig `json:"threads"`
	DNS     DNSConfig     `json:"dns"`
	Proxy   ProxyConfig   `json:"proxy"`
	AltSvc  AltSvcConfig  `json:"alt_svc"`

	// ProxyFile, if non-empty, points at a newline-delimited list of
	// "host:port" proxy addresses to round-robin through instead of the
	// single static Proxy entry above — see proxy.Selector.
	ProxyFile string `json:"proxy_file"`

	AutoDecompress  bool `json:"auto_decompress"`
	FollowRedirects bool `json:"follow_redirects"`
	MaxRedirects    int  `json:"max_redirects"`

	AltSvcEnabled bool `json:"alt_svc_enabled"`

	// NumberOfSessions controls how many independent logical sessions the
	// caller intends to run concurrently against this configuration; it
	// sizes nothing on its own but is read by callers sizing their own
	// request concurrency.
	NumberOfSessions int `json:"number_of_sessions"`

	// RequestTimeout is the end-to-end timeout for a single HTTP request,
	// including connection setup, TLS handshake, sending the request body,
	// and reading the full response. Use time.Duration JSON encoding
	// (e.g. "30s", "1m").
	RequestTimeout time.Duration `json:"request_timeout"`

	// MaxRetries is the number of times a failed request will be retried
	// before it is reported to the caller as a permanent failure.
	MaxRetries int `json:"max_retries"`

	// TargetURL is an optional default base URL for callers that operate
	// against a single origin.
	TargetURL string `json:"target_url"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a Config.
// It returns an error if the file cannot be opened or if the JSON is malformed.
// The returned *Config is ready to use; zero-value fields retain Go's zero
// values, so callers should validate required fields after loading.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 – filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields() // catch typos in config files early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return &cfg, nil
}

// DefaultConfig returns a *Config pre-filled with production-sensible
// defaults (6 connections per host, auto_decompress=true, etc). Callers are
// free to mutate the returned
// struct before passing it to other components; each call returns a fresh
// independent copy.
func DefaultConfig() *Config {
	return &Config{
		Protocol: ProtocolAuto,
		TLS: TLSConfig{
			ChromeVersion:      143,
			VerifyCertificates: true,
			EnableSessionCache: true,
			SessionCacheSize:   256,
		},
		Pool: PoolConfig{
			MaxConnectionsPerHost:   6,
			MaxTotalConnections:     500,
			IdleTimeout:             90 * time.Second,
			ConnectTimeout:          10 * time.Second,
			MaxStreamsPerConnection: 100,
		},
		Threads: ThreadsConfig{
			NumWorkers: 0,
		},
		DNS: DNSConfig{
			Timeout:  5 * time.Second,
			CacheTTL: 60 * time.Second,
		},
		Proxy:           ProxyConfig{Type: ProxyNone},
		AltSvc:          AltSvcConfig{Enabled: true},
		AutoDecompress:  true,
		FollowRedirects: true,
		MaxRedirects:    10,
		AltSvcEnabled:    true,
		NumberOfSessions: 500,
		RequestTimeout:   30 * time.Second,
		MaxRetries:       3,
	}
}
