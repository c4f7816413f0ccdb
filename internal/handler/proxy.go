package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/resolver"
	"mirror-proxy-go/internal/service"
)

// ProxyHandler resolves the target parameter and dispatches the request to
// the HTTP proxy service or, for Upgrade requests, to the WebSocket relay.
type ProxyHandler struct {
	resolver *resolver.Resolver
	service  *service.ProxyService
	upgrade  *WebSocketHandler
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(r *resolver.Resolver, svc *service.ProxyService, ws *WebSocketHandler, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: r,
		service:  svc,
		upgrade:  ws,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle runs the exchange pipeline: resolve, rewrite outbound, dispatch,
// rewrite inbound, stream.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := h.resolver.Resolve(req.URL.Query())
	if err != nil {
		return h.mapResolveError(c, err)
	}

	rc := h.service.NewRewriteContext(c.Scheme(), req.Host, target)

	if websocket.IsWebSocketUpgrade(req) {
		return h.upgrade.Relay(c, target, rc)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr, target, rc)
	if err != nil {
		return h.mapDispatchError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Copy rewritten response headers.
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, upstream reset), the status has
	// already been sent, so the response cannot be rewritten anymore; the
	// connection just ends. We log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target_host", target.URL.Host,
		)
	}

	return nil
}

// mapResolveError converts resolution errors into 4xx plain-text responses
// before any upstream contact is made.
func (h *ProxyHandler) mapResolveError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, resolver.ErrMissingTarget):
		return c.String(http.StatusBadRequest, "missing target URL parameter\n")
	case errors.Is(err, resolver.ErrInvalidTarget):
		return c.String(http.StatusBadRequest, "target is not an absolute URL\n")
	case errors.Is(err, resolver.ErrHostNotAllowed):
		return c.String(http.StatusForbidden, "target host is not allowed\n")
	default:
		return c.String(http.StatusBadRequest, "bad proxy request\n")
	}
}

// mapDispatchError converts upstream failures into generic gateway errors.
// Upstream error detail is logged but never sent to the client.
func (h *ProxyHandler) mapDispatchError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.String(http.StatusGatewayTimeout, "proxy error: upstream timed out\n")
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; nobody is listening for this response.
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "proxy error: upstream host unreachable\n")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.String(http.StatusBadGateway, "proxy error: upstream connection failed\n")
	}

	return c.String(http.StatusBadGateway, "proxy error: upstream request failed\n")
}
