package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/metrics"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/rewrite"
	"mirror-proxy-go/internal/service"
)

// dialerManagedHeaders are handshake headers gorilla's dialer generates
// itself; replaying the client's values would make the dial fail.
var dialerManagedHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// WebSocketHandler relays a WebSocket connection between the client and the
// resolved upstream: one handshake on each side, then opaque bidirectional
// message forwarding.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewWebSocketHandler creates a WebSocketHandler. The metrics parameter is
// optional; pass nil to disable session metrics.
func NewWebSocketHandler(logger *slog.Logger, m *metrics.Metrics) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The whole point of this proxy is serving content under its
			// own origin, so cross-origin upgrades are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "websocket_handler"),
		metrics: m,
	}
}

// Relay dials the upstream with the rewritten handshake headers, upgrades
// the client connection, and forwards messages in both directions until
// either side closes. Closing one side closes the other.
func (h *WebSocketHandler) Relay(c echo.Context, target *model.TargetReference, rc *model.RewriteContext) error {
	req := c.Request()

	header := rewrite.Outbound(rc, req.Header)
	for _, k := range dialerManagedHeaders {
		header.Del(k)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     websocket.Subprotocols(req),
	}

	upstreamConn, resp, err := dialer.DialContext(req.Context(), service.WebSocketURL(target), header)
	if err != nil {
		h.logger.Error("upstream websocket dial failed",
			"err", err,
			"target_host", target.URL.Host,
		)
		if resp != nil {
			_ = resp.Body.Close()
		}
		return c.String(http.StatusBadGateway, "proxy error: upstream websocket handshake failed\n")
	}
	defer func() { _ = upstreamConn.Close() }()

	// Echo the upstream-negotiated subprotocol back to the client.
	respHeader := http.Header{}
	if proto := upstreamConn.Subprotocol(); proto != "" {
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	clientConn, err := h.upgrader.Upgrade(c.Response(), req, respHeader)
	if err != nil {
		// Upgrade already wrote an error response to the client.
		h.logger.Error("client websocket upgrade failed", "err", err)
		return nil
	}
	defer func() { _ = clientConn.Close() }()

	if h.metrics != nil {
		h.metrics.WebSocketSessions.Inc()
		defer h.metrics.WebSocketSessions.Dec()
	}

	h.logger.Debug("websocket relay established", "target_host", target.URL.Host)

	// First error from either direction ends the session; the deferred
	// Closes unblock the surviving goroutine's pending read.
	errc := make(chan error, 2)
	go relayMessages(upstreamConn, clientConn, errc)
	go relayMessages(clientConn, upstreamConn, errc)
	relayErr := <-errc

	if !isExpectedClose(relayErr) {
		h.logger.Debug("websocket relay ended", "err", relayErr)
	}
	return nil
}

// relayMessages copies messages from src to dst until a read or write
// fails. Payloads are opaque; no per-frame inspection or rewriting.
func relayMessages(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			errc <- err
			return
		}
	}
}

// isExpectedClose reports whether err is an ordinary end-of-session close.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
