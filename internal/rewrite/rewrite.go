// Package rewrite implements the header transforms that keep a proxied
// browsing session pinned to the proxy's own origin: outbound origin
// spoofing toward the upstream, and inbound redirect, cookie, and security
// header rewriting toward the client.
//
// All transforms are pure functions of a RewriteContext and a header map;
// they never perform I/O and never mutate their input.
package rewrite

import (
	"net/http"
	"net/url"
	"strings"

	"mirror-proxy-go/internal/model"
)

// DefaultUserAgent is injected on outbound requests when the client sent
// no User-Agent of its own. A client-supplied value is never overwritten.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// hopByHopHeaders are per-connection headers that must not be forwarded in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedResponseHeaders are removed from every upstream response. They
// would instruct the browser to refuse framing or restrict content under
// the proxy's origin, where the upstream's policy is meaningless.
var strippedResponseHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
}

// Outbound transforms client request headers into the headers sent to the
// upstream. Origin and Referer are pinned to the upstream's own origin,
// which many anti-abuse checks require.
func Outbound(rc *model.RewriteContext, src http.Header) http.Header {
	dst := copyHeader(src)

	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	// Host travels on the request line, not the header map.
	dst.Del("Host")

	origin := rc.Target.Scheme + "://" + rc.Target.Host
	if rc.Target.Scheme == "ws" {
		origin = "http://" + rc.Target.Host
	} else if rc.Target.Scheme == "wss" {
		origin = "https://" + rc.Target.Host
	}
	dst.Set("Origin", origin)
	dst.Set("Referer", origin+"/")

	if dst.Get("User-Agent") == "" {
		ua := rc.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		dst.Set("User-Agent", ua)
	}

	return dst
}

// Inbound transforms upstream response headers into the headers sent to the
// client: security headers stripped, Location pinned back onto the proxy
// origin, Set-Cookie rescoped to the proxy host.
func Inbound(rc *model.RewriteContext, src http.Header) http.Header {
	dst := copyHeader(src)

	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}

	if loc := dst.Get("Location"); loc != "" {
		if rewritten, ok := rewriteLocation(rc, loc); ok {
			dst.Set("Location", rewritten)
		}
	}

	if cookies := dst.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, len(cookies))
		for i, c := range cookies {
			rewritten[i] = RewriteSetCookie(c, rc.ProxyCookieDomain())
		}
		dst["Set-Cookie"] = rewritten
	}

	return dst
}

// rewriteLocation resolves a redirect target against the upstream request
// URL and re-encodes it as a proxy-origin URL. Both absolute and relative
// redirects are rewritten; only an unparseable value is left alone, in
// which case ok is false.
func rewriteLocation(rc *model.RewriteContext, loc string) (string, bool) {
	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	abs := rc.Target.ResolveReference(ref)
	if !abs.IsAbs() || abs.Host == "" {
		return "", false
	}
	return rc.ProxyURL(abs), true
}

// RewriteSetCookie rescopes one Set-Cookie header value to the proxy host.
// Any Domain attribute is replaced with proxyDomain; SameSite=None and
// Secure are appended when absent. The cookie's name, value, Path, Expires,
// and Max-Age pass through untouched.
func RewriteSetCookie(cookie, proxyDomain string) string {
	parts := strings.Split(cookie, ";")

	hasSameSite := false
	hasSecure := false

	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "domain="):
			parts[i] = " Domain=" + proxyDomain
		case strings.HasPrefix(lower, "samesite"):
			hasSameSite = true
		case lower == "secure":
			hasSecure = true
		}
	}

	// Re-join without altering the untouched attributes.
	out := parts[0]
	for _, part := range parts[1:] {
		out += ";" + part
	}
	if !hasSameSite {
		out += "; SameSite=None"
	}
	if !hasSecure {
		out += "; Secure"
	}
	return out
}

// copyHeader clones a header map, preserving the key forms the transport
// handed us.
func copyHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	return dst
}
