package proxy

import (
	"fmt"
	"net"
	"strconv"

	"github.com/holytls/holytls/config"
	"github.com/holytls/holytls/connection"
	"github.com/holytls/holytls/proxytunnel"
)

// Selector resolves config.ProxyConfig into a dial address and a
// proxytunnel submachine for one connection attempt. When Manager is
// non-nil and has loaded entries, the proxy *address* comes from its
// rotation while Static's Type/Username/Password still choose which tunnel
// byte-protocol and credentials to speak — ProxyManager's file-based
// round-robin generalized to sit underneath the single proxy config
// config.ProxyConfig describes, instead of replacing it.
type Selector struct {
	Static  config.ProxyConfig
	Manager *ProxyManager
}

// Resolved is one Resolve() result: where to dial and, once connected, the
// submachine connection.New drives for its ProxyTunnel state. Addr == ""
// means connect directly to the target with no ProxyTunnel state at all.
type Resolved struct {
	Addr     string
	Tunneler connection.Tunneler
}

// Resolve picks the proxy (if any) to use for one connection attempt to
// targetHost:targetPort, pulling exactly one address off Manager's rotation
// so the returned Addr and Tunneler always describe the same proxy.
func (s *Selector) Resolve(targetHost string, targetPort int, targetIP net.IP) (Resolved, error) {
	cfg := s.Static
	addr := ""

	if s.Manager != nil && s.Manager.Count() > 0 {
		addr = s.Manager.GetNextProxy()
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return Resolved{}, fmt.Errorf("proxy: parse rotated address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Resolved{}, fmt.Errorf("proxy: parse rotated port %q: %w", portStr, err)
		}
		cfg.Host, cfg.Port = host, port
	} else if cfg.Type != config.ProxyNone && cfg.Type != "" {
		addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	tunneler, err := buildTunneler(cfg, targetHost, targetPort, targetIP)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Addr: addr, Tunneler: tunneler}, nil
}

func buildTunneler(cfg config.ProxyConfig, targetHost string, targetPort int, targetIP net.IP) (connection.Tunneler, error) {
	switch cfg.Type {
	case config.ProxyNone, "":
		return nil, nil
	case config.ProxyHttp:
		return proxytunnel.NewHTTPConnect(net.JoinHostPort(targetHost, strconv.Itoa(targetPort)), credsOrNil(cfg)), nil
	case config.ProxySocks4:
		if targetIP == nil {
			return nil, fmt.Errorf("proxy: socks4 requires a resolved target IP for %s", targetHost)
		}
		return proxytunnel.NewSocks4(targetIP, targetPort, cfg.Username), nil
	case config.ProxySocks4a:
		return proxytunnel.NewSocks4a(targetHost, targetPort, cfg.Username), nil
	case config.ProxySocks5:
		if targetIP == nil {
			return nil, fmt.Errorf("proxy: socks5 requires a resolved target IP for %s", targetHost)
		}
		return proxytunnel.NewSocks5(targetHost, targetPort, targetIP, credsOrNil(cfg)), nil
	case config.ProxySocks5h:
		return proxytunnel.NewSocks5h(targetHost, targetPort, credsOrNil(cfg)), nil
	default:
		return nil, fmt.Errorf("proxy: unknown proxy type %q", cfg.Type)
	}
}

func credsOrNil(cfg config.ProxyConfig) *proxytunnel.Credentials {
	if cfg.Username == "" {
		return nil
	}
	return &proxytunnel.Credentials{User: cfg.Username, Password: cfg.Password}
}
