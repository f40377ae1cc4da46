package fingerprint

// OrderedHeader is a drop-in companion to a map[string]string that preserves
// insertion order and exact key casing. Rather than writing into an
// *http.Request's header map (HolyTLS owns its own socket, not net/http),
// Entries() hands the wire layer a slice it can serialize directly, in
// order.
type OrderedHeader struct {
	entries []HeaderEntry
}

// HeaderEntry is one ordered header field.
type HeaderEntry struct {
	Name  string
	Value string
}

// Add appends a header, preserving exact casing. Multiple Adds with the same
// name produce multiple entries.
func (h *OrderedHeader) Add(name, value string) {
	h.entries = append(h.entries, HeaderEntry{Name: name, Value: value})
}

// Entries returns the ordered header list. The returned slice must not be
// mutated by the caller.
func (h *OrderedHeader) Entries() []HeaderEntry { return h.entries }

// Len reports the number of header entries.
func (h *OrderedHeader) Len() int { return len(h.entries) }

// RequestContext carries the per-request facts the sequencer needs to decide
// which conditional headers apply.
type RequestContext struct {
	Method       string
	Authority    string
	Scheme       string
	Path         string
	IsNavigation bool
	UserActivated bool

	UserAgent      string
	Accept         string
	AcceptEncoding string
	AcceptLanguage string

	// AcceptCH lists the high-entropy client-hint tokens the peer requested
	// via a prior Accept-CH response header (e.g. "sec-ch-ua-full-version-list").
	AcceptCH []string

	// SecFetchSite/Mode/Dest describe the fetch context.
	SecFetchSite string
	SecFetchMode string
	SecFetchDest string

	// Custom carries caller-supplied headers appended at the end (HTTP/2) or
	// after the fixed prefix (HTTP/1.1).
	Custom []HeaderEntry
}

// HeaderSequencer builds Chrome-ordered header sequences for both HTTP/2 and
// HTTP/1.1.
type HeaderSequencer struct {
	profile   *Profile
	secChUA   *SecChUAGenerator
	platform  string
	mobile    string
}

// NewHeaderSequencer creates a sequencer bound to profile and a
// Sec-CH-UA generator for its Chrome version.
func NewHeaderSequencer(profile *Profile, secChUA *SecChUAGenerator) *HeaderSequencer {
	return &HeaderSequencer{
		profile:  profile,
		secChUA:  secChUA,
		platform: `"Windows"`,
		mobile:   "?0",
	}
}

// highEntropyValues maps an Accept-CH token to the value this sequencer
// would send for it. Unknown tokens are ignored (never sent).
func (s *HeaderSequencer) highEntropyValues(rc RequestContext) []HeaderEntry {
	values := map[string]string{
		"sec-ch-ua-full-version-list": s.secChUA.SecChUAFullVersionList(),
		"sec-ch-ua-arch":              `"x86"`,
		"sec-ch-ua-bitness":           `"64"`,
		"sec-ch-ua-model":             `""`,
		"sec-ch-ua-wow64":             "?0",
		"sec-ch-ua-form-factors":      `"Desktop"`,
	}
	out := make([]HeaderEntry, 0, len(rc.AcceptCH))
	for _, token := range rc.AcceptCH {
		if v, ok := values[token]; ok {
			out = append(out, HeaderEntry{Name: token, Value: v})
		}
	}
	return out
}

// BuildHTTP2 returns the request headers in Chrome's exact HTTP/2 wire
// order. Pseudo-headers are always first, in MASP order; regular headers
// follow.
func (s *HeaderSequencer) BuildHTTP2(rc RequestContext) *OrderedHeader {
	h := &OrderedHeader{}

	// 1. Pseudo-headers, MASP order.
	h.Add(":method", rc.Method)
	h.Add(":authority", rc.Authority)
	h.Add(":scheme", rc.Scheme)
	h.Add(":path", rc.Path)

	// 2. sec-ch-ua triad.
	h.Add("sec-ch-ua", s.secChUA.SecChUA())
	h.Add("sec-ch-ua-mobile", s.mobile)
	h.Add("sec-ch-ua-platform", s.platform)

	// 3. High-entropy client hints, only those the peer requested.
	for _, he := range s.highEntropyValues(rc) {
		h.Add(he.Name, he.Value)
	}

	// 4. upgrade-insecure-requests, navigation only.
	if rc.IsNavigation {
		h.Add("upgrade-insecure-requests", "1")
	}

	// 5-6.
	h.Add("user-agent", rc.UserAgent)
	h.Add("accept", rc.Accept)

	// 7. sec-fetch-*.
	if rc.SecFetchSite != "" {
		h.Add("sec-fetch-site", rc.SecFetchSite)
	}
	if rc.SecFetchMode != "" {
		h.Add("sec-fetch-mode", rc.SecFetchMode)
	}
	if rc.IsNavigation && rc.UserActivated {
		h.Add("sec-fetch-user", "?1")
	}
	if rc.SecFetchDest != "" {
		h.Add("sec-fetch-dest", rc.SecFetchDest)
	}

	// 8.
	h.Add("accept-encoding", rc.AcceptEncoding)
	h.Add("accept-language", rc.AcceptLanguage)

	// 9. user-supplied custom headers.
	for _, c := range rc.Custom {
		h.Add(c.Name, c.Value)
	}

	return h
}

// BuildHTTP1 returns the request headers in Chrome's HTTP/1.1 wire order:
// Host, Connection, sec-ch-ua*, Upgrade-Insecure-Requests, User-Agent,
// Accept, Sec-Fetch-*, Accept-Encoding, Accept-Language, then custom.
func (s *HeaderSequencer) BuildHTTP1(rc RequestContext) *OrderedHeader {
	h := &OrderedHeader{}

	h.Add("Host", rc.Authority)
	h.Add("Connection", "keep-alive")

	h.Add("sec-ch-ua", s.secChUA.SecChUA())
	h.Add("sec-ch-ua-mobile", s.mobile)
	h.Add("sec-ch-ua-platform", s.platform)
	for _, he := range s.highEntropyValues(rc) {
		h.Add(he.Name, he.Value)
	}

	if rc.IsNavigation {
		h.Add("Upgrade-Insecure-Requests", "1")
	}

	h.Add("User-Agent", rc.UserAgent)
	h.Add("Accept", rc.Accept)

	if rc.SecFetchSite != "" {
		h.Add("Sec-Fetch-Site", rc.SecFetchSite)
	}
	if rc.SecFetchMode != "" {
		h.Add("Sec-Fetch-Mode", rc.SecFetchMode)
	}
	if rc.IsNavigation && rc.UserActivated {
		h.Add("Sec-Fetch-User", "?1")
	}
	if rc.SecFetchDest != "" {
		h.Add("Sec-Fetch-Dest", rc.SecFetchDest)
	}

	h.Add("Accept-Encoding", rc.AcceptEncoding)
	h.Add("Accept-Language", rc.AcceptLanguage)

	for _, c := range rc.Custom {
		h.Add(c.Name, c.Value)
	}

	return h
}
