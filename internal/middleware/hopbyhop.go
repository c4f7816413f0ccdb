package middleware

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are per-connection headers that should not be forwarded
// by proxies.
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

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from incoming requests. Connection and Upgrade are kept when they form a
// WebSocket handshake, which the upgrade dispatcher needs intact.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			isUpgrade := websocket.IsWebSocketUpgrade(c.Request())

			for _, name := range hopByHopHeaders {
				if isUpgrade && (name == "Connection" || name == "Upgrade") {
					continue
				}
				c.Request().Header.Del(name)
			}

			return next(c)
		}
	}
}
