// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ProxyRequest represents a client request to be forwarded upstream.
// It is a snapshot of the inbound request; dispatch never mutates the
// underlying *http.Request.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// TargetReference is a validated absolute upstream URL extracted from the
// target query parameter. It is recomputed on every request and never
// cached across requests.
type TargetReference struct {
	URL *url.URL
}

// Origin returns the target's scheme://host origin, without path or query.
func (t *TargetReference) Origin() string {
	return t.URL.Scheme + "://" + t.URL.Host
}

// IsWebSocket reports whether the target uses a WebSocket scheme.
func (t *TargetReference) IsWebSocket() bool {
	return t.URL.Scheme == "ws" || t.URL.Scheme == "wss"
}

// RewriteContext carries the per-exchange data the header rewriter needs:
// the proxy's own origin as the browser sees it, and the resolved target.
// It is built once at dispatch start and passed explicitly; nothing is
// stashed on the request object.
type RewriteContext struct {
	// ProxyScheme and ProxyHost form the origin the client used to reach
	// the proxy ("https", "proxy.example.org:8443").
	ProxyScheme string
	ProxyHost   string

	// Route is the proxy route prefix redirects are rewritten onto,
	// e.g. "/proxy".
	Route string

	// TargetParam is the query parameter name carrying the upstream URL.
	TargetParam string

	// Target is the resolved upstream URL for this exchange.
	Target *url.URL

	// UserAgent, when non-empty, overrides the default User-Agent injected
	// on outbound requests that carry none.
	UserAgent string
}

// ProxyURL returns the proxy-origin URL that re-enters the proxy route with
// the given absolute upstream URL as the target parameter.
func (rc *RewriteContext) ProxyURL(target *url.URL) string {
	q := url.Values{}
	q.Set(rc.TargetParam, target.String())

	u := url.URL{
		Scheme:   rc.ProxyScheme,
		Host:     rc.ProxyHost,
		Path:     rc.Route,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ProxyCookieDomain returns the host the proxy's cookies should be scoped
// to: the proxy host with any port stripped.
func (rc *RewriteContext) ProxyCookieDomain() string {
	return stripPort(rc.ProxyHost)
}

// stripPort removes a trailing :port from a host, handling bracketed IPv6
// literals and hosts that carry no port at all.
func stripPort(hostport string) string {
	colon := strings.LastIndexByte(hostport, ':')
	if colon < 0 {
		return hostport
	}
	if bracket := strings.LastIndexByte(hostport, ']'); bracket > colon {
		return hostport // bracketed IPv6 without port
	}
	host := hostport[:colon]
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
