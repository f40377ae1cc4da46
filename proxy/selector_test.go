package proxy_test

import (
	"net"
	"testing"

	"github.com/holytls/holytls/config"
	"github.com/holytls/holytls/proxy"
	"github.com/holytls/holytls/proxytunnel"
)

func TestSelectorResolve_NoneReturnsNoTunneler(t *testing.T) {
	s := &proxy.Selector{Static: config.ProxyConfig{Type: config.ProxyNone}}
	got, err := s.Resolve("example.com", 443, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Addr != "" || got.Tunneler != nil {
		t.Fatalf("Resolve(None) = %+v, want zero value", got)
	}
}

func TestSelectorResolve_Http(t *testing.T) {
	s := &proxy.Selector{Static: config.ProxyConfig{
		Type: config.ProxyHttp,
		Host: "proxy.example",
		Port: 3128,
	}}
	got, err := s.Resolve("target.example", 443, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Addr != "proxy.example:3128" {
		t.Errorf("Addr = %q, want proxy.example:3128", got.Addr)
	}
	if _, ok := got.Tunneler.(*proxytunnel.HTTPConnect); !ok {
		t.Errorf("Tunneler = %T, want *proxytunnel.HTTPConnect", got.Tunneler)
	}
}

func TestSelectorResolve_Socks5RequiresIP(t *testing.T) {
	s := &proxy.Selector{Static: config.ProxyConfig{Type: config.ProxySocks5, Host: "p", Port: 1080}}
	if _, err := s.Resolve("target.example", 443, nil); err == nil {
		t.Fatal("expected error for Socks5 with no resolved IP")
	}
	got, err := s.Resolve("target.example", 443, net.ParseIP("93.184.216.34"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := got.Tunneler.(*proxytunnel.Socks5); !ok {
		t.Errorf("Tunneler = %T, want *proxytunnel.Socks5", got.Tunneler)
	}
}

func TestSelectorResolve_Socks5hNoIPNeeded(t *testing.T) {
	s := &proxy.Selector{Static: config.ProxyConfig{Type: config.ProxySocks5h, Host: "p", Port: 1080}}
	got, err := s.Resolve("target.example", 443, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := got.Tunneler.(*proxytunnel.Socks5); !ok {
		t.Errorf("Tunneler = %T, want *proxytunnel.Socks5", got.Tunneler)
	}
}

func TestSelectorResolve_ManagerRotationOverridesAddr(t *testing.T) {
	pm := &proxy.ProxyManager{}
	path := writeProxyFile(t, "10.0.0.1:1080\n10.0.0.2:1080\n")
	if err := pm.LoadProxies(path); err != nil {
		t.Fatal(err)
	}
	s := &proxy.Selector{
		Static:  config.ProxyConfig{Type: config.ProxySocks5h},
		Manager: pm,
	}

	first, err := s.Resolve("target.example", 443, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := s.Resolve("target.example", 443, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.Addr != "10.0.0.1:1080" || second.Addr != "10.0.0.2:1080" {
		t.Errorf("got addrs %q, %q, want rotation across both entries", first.Addr, second.Addr)
	}
}

func TestSelectorResolve_UnknownTypeErrors(t *testing.T) {
	s := &proxy.Selector{Static: config.ProxyConfig{Type: config.ProxyType("bogus")}}
	if _, err := s.Resolve("target.example", 443, nil); err == nil {
		t.Fatal("expected error for unknown proxy type")
	}
}
