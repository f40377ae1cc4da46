// Package altsvc implements an HTTP/3-advertisement store: a per-origin
// Alt-Svc entry list plus a negative cache that remembers recent QUIC
// failures so the pool doesn't keep retrying a broken origin every
// request.
//
// The map[string][]altSvc{Service, expiredAt}+sync.Mutex shape and the
// header grammar (no third-party Alt-Svc parser is wired in) follow the
// same concurrency model and hand-rolled-RFC-parsing approach cookiejar
// uses for its own RFC 6265 attribute parsing.
package altsvc

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxAgeCap is the longest lifetime an Alt-Svc entry may claim.
const MaxAgeCap = 7 * 24 * time.Hour

// NegativeCacheWindow is how long MarkHTTP3Failed suppresses further QUIC
// attempts for an origin.
const NegativeCacheWindow = 5 * time.Minute

// defaultMaxAge is used when an entry's `ma` parameter is absent, per
// RFC 7838 §3.
const defaultMaxAge = 24 * time.Hour

// Entry is one advertised alternative service.
type Entry struct {
	Protocol  string // e.g. "h3", "h3-29", "h2"
	Host      string // alt-authority host; "" means same as the origin
	Port      int
	ExpiresAt time.Time
	Persist   bool
}

// Cache stores per-origin Alt-Svc entries and H3 negative-cache expiries.
// Origins are caller-supplied keys (conventionally "host:port"); Cache does
// not itself parse URLs.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string][]Entry
	negative map[string]time.Time
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string][]Entry),
		negative: make(map[string]time.Time),
	}
}

// ProcessHeader parses an Alt-Svc header value for origin and replaces its
// entry list. The bare "clear" keyword (case-insensitive, per RFC 7838 §4)
// wipes both the entry list and any negative-cache record for origin. A
// header that parses to zero entries and is not "clear" is treated as
// malformed and ignored, leaving the existing entries untouched.
func (c *Cache) ProcessHeader(origin, headerValue string, now time.Time) {
	trimmed := strings.TrimSpace(headerValue)
	if strings.EqualFold(trimmed, "clear") {
		c.mu.Lock()
		delete(c.entries, origin)
		delete(c.negative, origin)
		c.mu.Unlock()
		return
	}

	entries := parseEntries(trimmed, now)
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	c.entries[origin] = entries
	c.mu.Unlock()
}

// HasHTTP3 reports whether origin currently has an unexpired H3 entry and is
// not within its negative-cache window. Satisfies pool.AltSvcSource.
func (c *Cache) HasHTTP3(origin string) bool {
	_, ok := c.GetHTTP3Endpoint(origin, time.Now())
	return ok
}

// MarkHTTP3Failed starts a 5-minute negative-cache window for origin.
// Satisfies pool.AltSvcSource.
func (c *Cache) MarkHTTP3Failed(origin string) {
	c.mu.Lock()
	c.negative[origin] = time.Now().Add(NegativeCacheWindow)
	c.mu.Unlock()
}

// ClearHTTP3Failure wipes origin's negative-cache record, called on a
// successful H3 connect.
func (c *Cache) ClearHTTP3Failure(origin string) {
	c.mu.Lock()
	delete(c.negative, origin)
	c.mu.Unlock()
}

// GetHTTP3Endpoint returns the preferred unexpired H3 entry for origin:
// negative cache first, then an exact "h3" entry over any "h3-NN" draft
// entry.
func (c *Cache) GetHTTP3Endpoint(origin string, now time.Time) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if exp, ok := c.negative[origin]; ok && now.Before(exp) {
		return Entry{}, false
	}

	var draft *Entry
	for i := range c.entries[origin] {
		e := &c.entries[origin][i]
		if now.After(e.ExpiresAt) {
			continue
		}
		if !strings.HasPrefix(e.Protocol, "h3") {
			continue
		}
		if e.Protocol == "h3" {
			return *e, true
		}
		if draft == nil {
			draft = e
		}
	}
	if draft != nil {
		return *draft, true
	}
	return Entry{}, false
}

func parseEntries(header string, now time.Time) []Entry {
	var out []Entry
	for _, part := range strings.Split(header, ",") {
		if e, ok := parseOneEntry(part, now); ok {
			out = append(out, e)
		}
	}
	return out
}

func parseOneEntry(part string, now time.Time) (Entry, bool) {
	segments := strings.Split(part, ";")
	protocol, authority, ok := parseProtocolAuthority(segments[0])
	if !ok {
		return Entry{}, false
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return Entry{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Entry{}, false
	}

	maxAge := defaultMaxAge
	persist := false
	for _, seg := range segments[1:] {
		key, val, ok := splitParam(seg)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "ma":
			if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
				maxAge = time.Duration(secs) * time.Second
			}
		case "persist":
			persist = val == "1"
		}
	}
	if maxAge > MaxAgeCap {
		maxAge = MaxAgeCap
	}
	if maxAge < 0 {
		maxAge = 0
	}

	return Entry{
		Protocol:  protocol,
		Host:      host,
		Port:      port,
		ExpiresAt: now.Add(maxAge),
		Persist:   persist,
	}, true
}

func parseProtocolAuthority(segment string) (protocol, authority string, ok bool) {
	eq := strings.IndexByte(segment, '=')
	if eq < 0 {
		return "", "", false
	}
	protocol = strings.TrimSpace(segment[:eq])
	authority = strings.Trim(strings.TrimSpace(segment[eq+1:]), `"`)
	if protocol == "" || authority == "" {
		return "", "", false
	}
	return protocol, authority, true
}

func splitParam(segment string) (key, value string, ok bool) {
	eq := strings.IndexByte(segment, '=')
	if eq < 0 {
		return "", "", false
	}
	return strings.TrimSpace(segment[:eq]), strings.TrimSpace(segment[eq+1:]), true
}
