// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/rewrite"
)

// ProxyService dispatches one client request to its resolved upstream:
// outbound header rewrite, streamed exchange, inbound header rewrite.
type ProxyService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "proxy_service"),
	}
}

// NewRewriteContext builds the per-exchange rewrite context from the origin
// the client used to reach the proxy and the resolved target. It is created
// once per exchange and passed explicitly through the pipeline.
func (s *ProxyService) NewRewriteContext(proxyScheme, proxyHost string, target *model.TargetReference) *model.RewriteContext {
	return &model.RewriteContext{
		ProxyScheme: proxyScheme,
		ProxyHost:   proxyHost,
		Route:       s.cfg.Proxy.Route,
		TargetParam: s.cfg.Proxy.TargetParam,
		Target:      target.URL,
		UserAgent:   s.cfg.Proxy.DefaultUserAgent,
	}
}

// Forward sends a ProxyRequest to the resolved target and returns the
// rewritten response. The caller is responsible for closing the response
// body. The request context bounds the exchange: client disconnect cancels
// the upstream request.
func (s *ProxyService) Forward(pr *model.ProxyRequest, target *model.TargetReference, rc *model.RewriteContext) (*model.ProxyResponse, error) {
	upstreamURL := buildUpstreamURL(target)
	header := rewrite.Outbound(rc, pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target_host", target.URL.Host,
		"target_path", target.URL.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = rewrite.Inbound(rc, resp.Header)
	return resp, nil
}

// buildUpstreamURL produces the wire URL for the exchange: the target's own
// path, query, and fragment. The proxy route prefix and target parameter
// never reach the upstream. WebSocket schemes are mapped to their HTTP
// equivalents for plain (non-upgrade) dispatch.
func buildUpstreamURL(target *model.TargetReference) string {
	u := *target.URL
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}

// WebSocketURL returns the ws/wss form of a target for the upgrade
// dispatcher, mapping http->ws and https->wss.
func WebSocketURL(target *model.TargetReference) string {
	u := *target.URL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
