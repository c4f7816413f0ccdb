package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/resolver"
)

// Cookie names for the proxy's own UI state, distinct from forwarded
// upstream cookies. Both are client-readable by design.
const (
	lastTargetCookie    = "mirror_last_target"
	recentTargetsCookie = "mirror_recent_targets"
)

// visitParam is the query parameter carrying the destination on /go.
const visitParam = "u"

// VisitHandler implements the /go convenience endpoint: it records the
// destination in the client-side history cookies and redirects to the
// canonical proxy route. No proxying happens here.
type VisitHandler struct {
	cfg      *config.Config
	resolver *resolver.Resolver
}

// NewVisitHandler creates a VisitHandler. Targets are validated with the
// same rules (and allowlist) as the proxy route itself.
func NewVisitHandler(cfg *config.Config) *VisitHandler {
	return &VisitHandler{
		cfg:      cfg,
		resolver: resolver.New(visitParam, cfg.Proxy.AllowedHosts),
	}
}

// Handle validates the destination, updates the history cookies, and
// 302-redirects to the proxy route.
func (h *VisitHandler) Handle(c echo.Context) error {
	target, err := h.resolver.Resolve(c.Request().URL.Query())
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrHostNotAllowed):
			return c.String(http.StatusForbidden, "target host is not allowed\n")
		default:
			return c.String(http.StatusBadRequest, "missing or invalid destination URL\n")
		}
	}

	dest := target.URL.String()
	maxAge := h.cfg.UI.HistoryTTLDays * 24 * 60 * 60

	c.SetCookie(&http.Cookie{
		Name:    lastTargetCookie,
		Value:   url.QueryEscape(dest),
		Path:    "/",
		MaxAge:  maxAge,
		Expires: time.Now().Add(time.Duration(maxAge) * time.Second),
	})
	c.SetCookie(&http.Cookie{
		Name:    recentTargetsCookie,
		Value:   h.updatedHistory(c, dest),
		Path:    "/",
		MaxAge:  maxAge,
		Expires: time.Now().Add(time.Duration(maxAge) * time.Second),
	})

	q := url.Values{}
	q.Set(h.cfg.Proxy.TargetParam, dest)
	return c.Redirect(http.StatusFound, h.cfg.Proxy.Route+"?"+q.Encode())
}

// updatedHistory prepends dest to the recent-targets cookie value,
// deduplicating and capping the list. Entries are individually
// query-escaped and joined with "|".
func (h *VisitHandler) updatedHistory(c echo.Context, dest string) string {
	entries := []string{dest}

	if prev, err := c.Cookie(recentTargetsCookie); err == nil && prev.Value != "" {
		for _, raw := range strings.Split(prev.Value, "|") {
			entry, err := url.QueryUnescape(raw)
			if err != nil || entry == "" || entry == dest {
				continue
			}
			entries = append(entries, entry)
			if len(entries) >= h.cfg.UI.HistoryMaxEntries {
				break
			}
		}
	}

	escaped := make([]string, len(entries))
	for i, e := range entries {
		escaped[i] = url.QueryEscape(e)
	}
	return strings.Join(escaped, "|")
}
