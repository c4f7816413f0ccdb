package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/resolver"
)

func testService(t *testing.T) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			Route:           "/proxy",
			TargetParam:     "url",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	return NewProxyService(uc, cfg, logger)
}

func resolveTarget(t *testing.T, raw string) *model.TargetReference {
	t.Helper()
	ref, err := resolver.New("url", nil).Resolve(url.Values{"url": {raw}})
	if err != nil {
		t.Fatalf("resolve %q: %v", raw, err)
	}
	return ref
}

func TestForward_PathQueryReachUpstream(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	s := testService(t)
	target := resolveTarget(t, upstream.URL+"/deep/path?a=1&b=2")
	rc := s.NewRewriteContext("http", "proxy.local", target)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Header: http.Header{},
		Body:   http.NoBody,
	}
	resp, err := s.Forward(pr, target, rc)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer resp.Body.Close()

	if gotPath != "/deep/path" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/deep/path")
	}
	if gotQuery != "a=1&b=2" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "a=1&b=2")
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestForward_OutboundHeadersRewritten(t *testing.T) {
	var gotOrigin, gotReferer, gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin = r.Header.Get("Origin")
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testService(t)
	target := resolveTarget(t, upstream.URL+"/x")
	rc := s.NewRewriteContext("http", "proxy.local", target)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Header: http.Header{"Origin": {"http://proxy.local"}},
		Body:   http.NoBody,
	}
	resp, err := s.Forward(pr, target, rc)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	resp.Body.Close()

	if gotOrigin != upstream.URL {
		t.Errorf("Origin = %q, want %q", gotOrigin, upstream.URL)
	}
	if gotReferer != upstream.URL+"/" {
		t.Errorf("Referer = %q, want %q", gotReferer, upstream.URL+"/")
	}
	if gotUA == "" {
		t.Error("User-Agent was not injected")
	}
}

func TestForward_InboundHeadersRewritten(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Add("Set-Cookie", "sid=1; Domain=ignored.example")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testService(t)
	target := resolveTarget(t, upstream.URL+"/x")
	rc := s.NewRewriteContext("http", "proxy.local:8080", target)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Header: http.Header{},
		Body:   http.NoBody,
	}
	resp, err := s.Forward(pr, target, rc)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	resp.Body.Close()

	if resp.Header.Get("Content-Security-Policy") != "" {
		t.Error("Content-Security-Policy survived")
	}
	if resp.Header.Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options survived")
	}
	cookie := resp.Header.Get("Set-Cookie")
	if !strings.Contains(cookie, "Domain=proxy.local") {
		t.Errorf("Set-Cookie = %q, want Domain=proxy.local", cookie)
	}
}

func TestForward_RedirectNotFollowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer upstream.Close()

	s := testService(t)
	target := resolveTarget(t, upstream.URL+"/start")
	rc := s.NewRewriteContext("http", "proxy.local", target)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Header: http.Header{},
		Body:   http.NoBody,
	}
	resp, err := s.Forward(pr, target, rc)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302 (redirects must reach the rewriter, not be chased)", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if loc.Host != "proxy.local" {
		t.Errorf("Location host = %q, want %q", loc.Host, "proxy.local")
	}
	if got := loc.Query().Get("url"); got != upstream.URL+"/next" {
		t.Errorf("Location url param = %q, want %q", got, upstream.URL+"/next")
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	s := testService(t)
	// Reserved TEST-NET-1 address; nothing listens there.
	target := resolveTarget(t, "http://192.0.2.1:9/x")
	rc := s.NewRewriteContext("http", "proxy.local", target)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	pr := &model.ProxyRequest{
		Ctx:    ctx,
		Method: http.MethodGet,
		Header: http.Header{},
		Body:   http.NoBody,
	}
	if _, err := s.Forward(pr, target, rc); err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
}

func TestBuildUpstreamURL_WebSocketSchemes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ws://host.example/sock", "http://host.example/sock"},
		{"wss://host.example/sock", "https://host.example/sock"},
		{"https://host.example/page?q=1", "https://host.example/page?q=1"},
	}
	for _, tt := range tests {
		target := resolveTarget(t, tt.raw)
		if got := buildUpstreamURL(target); got != tt.want {
			t.Errorf("buildUpstreamURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://host.example/sock", "ws://host.example/sock"},
		{"https://host.example/sock", "wss://host.example/sock"},
		{"wss://host.example/sock", "wss://host.example/sock"},
	}
	for _, tt := range tests {
		target := resolveTarget(t, tt.raw)
		if got := WebSocketURL(target); got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
