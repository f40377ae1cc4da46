// Package cookiejar implements an RFC 6265 request-time cookie store:
// Set-Cookie parsing with domain/path defaulting and validation, and
// storage-order header reconstruction for outgoing requests.
//
// Generalized from the now-deleted cluster/controller.go's GlobalCookieJar
// (a map[string]string + sync.RWMutex keyed by cookie name only, replaced
// wholesale on every write) into the full RFC 6265 key tuple
// (name, case-folded domain, path), with real domain/path/secure matching
// rules hand-written against the RFC since no cookie-jar library appears
// anywhere in the pack.
package cookiejar

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cookie is one stored cookie.
type Cookie struct {
	Name      string
	Value     string
	Domain    string // canonical, lowercase, no leading dot
	HostOnly  bool
	Path      string
	ExpiresAt time.Time
	IsSession bool // true means ExpiresAt is meaningless; never wall-clock expires
	Secure    bool
	HttpOnly  bool
	SameSite  string
}

type cookieKey struct {
	name, domain, path string
}

// Jar is a thread-safe RFC 6265 cookie store. One Jar is shared across all
// origins as a mutex-protected cross-reactor resource, alongside the session
// cache and Alt-Svc cache.
type Jar struct {
	mu      sync.Mutex
	cookies map[cookieKey]*Cookie
	order   []cookieKey
}

// NewJar creates an empty Jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[cookieKey]*Cookie)}
}

// ProcessSetCookie parses a single Set-Cookie header value received while
// fetching requestURL and upserts (or, for an already-expired or
// zero/negative Max-Age cookie, deletes) the matching entry. A cookie whose
// Domain attribute is not the request host or a proper parent of it is
// rejected outright.
func (j *Jar) ProcessSetCookie(requestURL *url.URL, header string, now time.Time) {
	c, deleted, ok := parseSetCookie(requestURL, header, now)
	if !ok {
		return
	}
	key := cookieKey{name: c.Name, domain: c.Domain, path: c.Path}

	j.mu.Lock()
	defer j.mu.Unlock()
	if deleted {
		if _, exists := j.cookies[key]; exists {
			delete(j.cookies, key)
			j.removeFromOrderLocked(key)
		}
		return
	}
	if _, exists := j.cookies[key]; !exists {
		j.order = append(j.order, key)
	}
	j.cookies[key] = c
}

// GetCookieHeader builds the Cookie header value for requestURL: every
// stored cookie whose domain, path, and (if Secure) scheme match, joined as
// "name=value; name=value" in storage order. Cookies found to be expired
// are evicted as a side effect.
func (j *Jar) GetCookieHeader(requestURL *url.URL, now time.Time) string {
	host := strings.ToLower(requestURL.Hostname())
	path := requestURL.Path
	if path == "" {
		path = "/"
	}
	secureReq := requestURL.Scheme == "https"

	j.mu.Lock()
	defer j.mu.Unlock()

	var parts []string
	var expired []cookieKey
	for _, key := range j.order {
		c, ok := j.cookies[key]
		if !ok {
			continue
		}
		if !c.IsSession && !c.ExpiresAt.After(now) {
			expired = append(expired, key)
			continue
		}
		if !domainMatch(host, c.Domain, c.HostOnly) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		if c.Secure && !secureReq {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	for _, key := range expired {
		delete(j.cookies, key)
		j.removeFromOrderLocked(key)
	}
	return strings.Join(parts, "; ")
}

func (j *Jar) removeFromOrderLocked(key cookieKey) {
	for i, k := range j.order {
		if k == key {
			j.order = append(j.order[:i], j.order[i+1:]...)
			return
		}
	}
}

func domainMatch(host, cookieDomain string, hostOnly bool) bool {
	if hostOnly {
		return host == cookieDomain
	}
	return host == cookieDomain || strings.HasSuffix(host, "."+cookieDomain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	if strings.HasSuffix(cookiePath, "/") {
		return true
	}
	return len(reqPath) > len(cookiePath) && reqPath[len(cookiePath)] == '/'
}

// defaultPath implements RFC 6265 §5.1.4: the request path up to (not
// including) its last '/', or "/" if that would be empty or the path has no
// leading '/'.
func defaultPath(uriPath string) string {
	if uriPath == "" || uriPath[0] != '/' {
		return "/"
	}
	idx := strings.LastIndexByte(uriPath, '/')
	if idx == 0 {
		return "/"
	}
	return uriPath[:idx]
}

func parseSetCookie(requestURL *url.URL, header string, now time.Time) (*Cookie, bool, bool) {
	parts := strings.Split(header, ";")
	nameValue := strings.TrimSpace(parts[0])
	eq := strings.IndexByte(nameValue, '=')
	if eq <= 0 {
		return nil, false, false
	}
	name := strings.TrimSpace(nameValue[:eq])
	value := strings.TrimSpace(nameValue[eq+1:])
	if name == "" {
		return nil, false, false
	}

	c := &Cookie{Name: name, Value: value, IsSession: true}

	var domain, path string
	var maxAge int
	var maxAgeSet bool
	var expiresAt time.Time
	var hasExpires bool

	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		k, v := splitAttr(attr)
		switch strings.ToLower(k) {
		case "domain":
			domain = strings.ToLower(strings.TrimPrefix(v, "."))
		case "path":
			if strings.HasPrefix(v, "/") {
				path = v
			}
		case "expires":
			if t, err := http.ParseTime(v); err == nil {
				expiresAt = t
				hasExpires = true
			}
		case "max-age":
			if n, err := strconv.Atoi(v); err == nil {
				maxAge = n
				maxAgeSet = true
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			c.SameSite = v
		}
	}

	reqHost := strings.ToLower(requestURL.Hostname())
	if domain != "" {
		if domain != reqHost && !strings.HasSuffix(reqHost, "."+domain) {
			return nil, false, false
		}
		c.Domain = domain
		c.HostOnly = false
	} else {
		c.Domain = reqHost
		c.HostOnly = true
	}

	if path != "" {
		c.Path = path
	} else {
		c.Path = defaultPath(requestURL.Path)
	}

	deleted := false
	switch {
	case maxAgeSet:
		// Max-Age wins over Expires when both are present.
		c.IsSession = false
		if maxAge <= 0 {
			deleted = true
		} else {
			c.ExpiresAt = now.Add(time.Duration(maxAge) * time.Second)
		}
	case hasExpires:
		c.IsSession = false
		c.ExpiresAt = expiresAt
		if !expiresAt.After(now) {
			deleted = true
		}
	}

	return c, deleted, true
}

func splitAttr(attr string) (key, value string) {
	if idx := strings.IndexByte(attr, '='); idx >= 0 {
		return strings.TrimSpace(attr[:idx]), strings.TrimSpace(attr[idx+1:])
	}
	return attr, ""
}
