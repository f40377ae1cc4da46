package cookiejar_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/holytls/holytls/cookiejar"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func TestProcessSetCookie_HostOnlyDefaultsAndRoundTrips(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/a/b")
	j.ProcessSetCookie(u, "sid=abc123", now)

	got := j.GetCookieHeader(u, now)
	if got != "sid=abc123" {
		t.Fatalf("GetCookieHeader() = %q, want %q", got, "sid=abc123")
	}

	// A host-only cookie must not be sent to a different host, even a subdomain.
	sub := mustURL(t, "https://sub.example.com/a/b")
	if got := j.GetCookieHeader(sub, now); got != "" {
		t.Fatalf("GetCookieHeader(sub) = %q, want empty for host-only cookie", got)
	}
}

func TestProcessSetCookie_DomainAttributeMatchesSubdomains(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://www.example.com/")
	j.ProcessSetCookie(u, "sid=abc; Domain=example.com", now)

	sub := mustURL(t, "https://other.example.com/")
	if got := j.GetCookieHeader(sub, now); got != "sid=abc" {
		t.Fatalf("GetCookieHeader(sub) = %q, want sid=abc", got)
	}

	other := mustURL(t, "https://example.org/")
	if got := j.GetCookieHeader(other, now); got != "" {
		t.Fatalf("GetCookieHeader(other) = %q, want empty", got)
	}
}

func TestProcessSetCookie_RejectsForeignDomain(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	j.ProcessSetCookie(u, "sid=abc; Domain=evil.com", now)

	if got := j.GetCookieHeader(u, now); got != "" {
		t.Fatalf("GetCookieHeader() = %q, want empty (cookie should have been rejected)", got)
	}
}

func TestProcessSetCookie_PathDefaultsToRequestDirectory(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/a/b/c")
	j.ProcessSetCookie(u, "sid=abc", now)

	within := mustURL(t, "https://example.com/a/b/d")
	if got := j.GetCookieHeader(within, now); got != "sid=abc" {
		t.Fatalf("GetCookieHeader(within) = %q, want sid=abc", got)
	}

	outside := mustURL(t, "https://example.com/a/x")
	if got := j.GetCookieHeader(outside, now); got != "" {
		t.Fatalf("GetCookieHeader(outside) = %q, want empty", got)
	}
}

func TestProcessSetCookie_MaxAgeWinsOverExpires(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	// Expires claims the past, Max-Age claims 1 hour from now; Max-Age should win.
	j.ProcessSetCookie(u, "sid=abc; Expires=Mon, 01 Jan 2001 00:00:00 GMT; Max-Age=3600", now)

	if got := j.GetCookieHeader(u, now); got != "sid=abc" {
		t.Fatalf("GetCookieHeader() = %q, want sid=abc (Max-Age should win over Expires)", got)
	}
}

func TestProcessSetCookie_NegativeMaxAgeDeletesCookie(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	j.ProcessSetCookie(u, "sid=abc", now)
	j.ProcessSetCookie(u, "sid=abc; Max-Age=-1", now)

	if got := j.GetCookieHeader(u, now); got != "" {
		t.Fatalf("GetCookieHeader() = %q, want empty after negative Max-Age delete", got)
	}
}

func TestProcessSetCookie_SecureCookieOmittedOverHTTP(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	j.ProcessSetCookie(u, "sid=abc; Secure", now)

	httpURL := mustURL(t, "http://example.com/")
	if got := j.GetCookieHeader(httpURL, now); got != "" {
		t.Fatalf("GetCookieHeader(http) = %q, want empty for a Secure cookie", got)
	}
	if got := j.GetCookieHeader(u, now); got != "sid=abc" {
		t.Fatalf("GetCookieHeader(https) = %q, want sid=abc", got)
	}
}

func TestProcessSetCookie_ExpiredCookieEvictedOnLookup(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	j.ProcessSetCookie(u, "sid=abc; Max-Age=1", now)

	if got := j.GetCookieHeader(u, now.Add(2*time.Second)); got != "" {
		t.Fatalf("GetCookieHeader() = %q, want empty after expiry", got)
	}
}

func TestProcessSetCookie_UpsertSameKeyOverwritesValueKeepsOrder(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	j.ProcessSetCookie(u, "a=1", now)
	j.ProcessSetCookie(u, "b=2", now)
	j.ProcessSetCookie(u, "a=3", now)

	got := j.GetCookieHeader(u, now)
	want := "a=3; b=2"
	if got != want {
		t.Fatalf("GetCookieHeader() = %q, want %q", got, want)
	}
}

func TestProcessSetCookie_MalformedHeaderIgnored(t *testing.T) {
	j := cookiejar.NewJar()
	now := time.Now()
	u := mustURL(t, "https://example.com/")
	j.ProcessSetCookie(u, "=novalue", now)
	j.ProcessSetCookie(u, "", now)

	if got := j.GetCookieHeader(u, now); got != "" {
		t.Fatalf("GetCookieHeader() = %q, want empty after malformed headers", got)
	}
}
