// Package resolver extracts and validates the upstream target URL from an
// inbound request's query string.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mirror-proxy-go/internal/model"
)

// Resolution errors, mapped to HTTP statuses by the handlers.
var (
	ErrMissingTarget  = errors.New("missing target URL parameter")
	ErrInvalidTarget  = errors.New("target is not an absolute http(s) or ws(s) URL")
	ErrHostNotAllowed = errors.New("target host is not allowed")
)

// allowedSchemes lists the upstream schemes the proxy will dial.
var allowedSchemes = map[string]bool{
	"http": true, "https": true, "ws": true, "wss": true,
}

// Resolver turns a request query into a validated TargetReference.
// It is a pure function of its inputs; the allowlist and parameter name are
// fixed at construction from configuration.
type Resolver struct {
	param        string
	allowedHosts []string
}

// New creates a Resolver for the given target parameter name and host
// allowlist. An empty allowlist permits every host.
func New(param string, allowedHosts []string) *Resolver {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Resolver{param: param, allowedHosts: hosts}
}

// Param returns the configured target parameter name.
func (r *Resolver) Param() string {
	return r.param
}

// Resolve extracts the target parameter from the query, parses it as an
// absolute URL, and checks it against the allowlist.
func (r *Resolver) Resolve(query url.Values) (*model.TargetReference, error) {
	raw := query.Get(r.param)
	if raw == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingTarget, r.param)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !u.IsAbs() || u.Host == "" || !allowedSchemes[u.Scheme] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}

	if !r.HostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Hostname())
	}

	return &model.TargetReference{URL: u}, nil
}

// HostAllowed reports whether hostname is an exact match or a subdomain of
// an allowlist entry. The subdomain check requires a "." boundary, so
// "evil-example.com" never matches "example.com".
func (r *Resolver) HostAllowed(hostname string) bool {
	if len(r.allowedHosts) == 0 {
		return true
	}
	hostname = strings.ToLower(hostname)
	for _, allowed := range r.allowedHosts {
		if hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return true
		}
	}
	return false
}
