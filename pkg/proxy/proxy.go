// Package proxy is the Reverse Proxy (component E): a single listener
// forwarding `/p/{deploymentId}/*` to the internal endpoint recorded by
// the Deployment Controller, with hop-by-hop header stripping and
// WebSocket passthrough. Grounded on gorilla/mux routing the way
// ODSapper-CLIAIMONITOR's internal/server wires its HTTP surface, plus
// the standard library's own httputil.ReverseProxy for the forwarding
// mechanics (no pack repo hand-rolls a reverse proxy; net/http/httputil
// is the documented idiomatic choice the standard library itself
// provides for exactly this).
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// hopByHopHeaders are dropped on both the request and the response,
// except Upgrade on an explicit WebSocket handshake.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// errorBody is the typed JSON body returned for 503/429 responses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Config tunes the proxy's per-request and per-deployment limits.
type Config struct {
	RequestTimeout         time.Duration // default 120s
	MaxConcurrentPerDeploy int64         // default 32
}

// DefaultConfig returns the stated defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 120 * time.Second, MaxConcurrentPerDeploy: 32}
}

// Proxy is the Reverse Proxy.
type Proxy struct {
	routes   *RouteTable
	cfg      Config
	log      *slog.Logger
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	mu    sync.Mutex
	slots map[string]*slotCounter // deploymentID -> in-flight count
}

type slotCounter struct {
	mu    sync.Mutex
	count int64
}

func (s *slotCounter) tryAcquire(max int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count >= max {
		return false
	}
	s.count++
	return true
}

func (s *slotCounter) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count--
}

// New builds a Proxy reading routes from table.
func New(table *RouteTable, cfg Config, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		routes:   table,
		cfg:      cfg,
		log:      log,
		dialer:   websocket.DefaultDialer,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		slots:    map[string]*slotCounter{},
	}
}

// Handler builds the gorilla/mux router serving the proxy's one route.
func (p *Proxy) Handler() http.Handler {
	r := mux.NewRouter()
	r.PathPrefix("/p/{deploymentId}/").HandlerFunc(p.serveDeployment)
	return r
}

func (p *Proxy) slotFor(deploymentID string) *slotCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[deploymentID]
	if !ok {
		s = &slotCounter{}
		p.slots[deploymentID] = s
	}
	return s
}

func (p *Proxy) serveDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deploymentID := vars["deploymentId"]

	endpoint, ok := p.routes.Lookup(deploymentID)
	if !ok {
		writeTypedError(w, http.StatusServiceUnavailable, "DeploymentNotRunning", "deployment is not running")
		return
	}

	slot := p.slotFor(deploymentID)
	if !slot.tryAcquire(p.cfg.MaxConcurrentPerDeploy) {
		writeTypedError(w, http.StatusTooManyRequests, "ConcurrencyCapExceeded", "too many concurrent requests to this deployment")
		return
	}
	defer slot.release()

	prefix := "/p/" + deploymentID
	if isWebSocketUpgrade(r) {
		p.proxyWebSocket(w, r, endpoint, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.RequestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	target := &url.URL{Scheme: "http", Host: endpoint}
	rp := httputil.NewSingleHostReverseProxy(target)

	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		req.URL.Path = trimPrefix(req.URL.Path, prefix)
		stripHopByHop(req.Header)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		stripHopByHop(resp.Header)
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.WarnContext(r.Context(), "proxy upstream error", "deployment", deploymentID, "error", err)
		writeTypedError(w, http.StatusServiceUnavailable, "DeploymentNotRunning", "deployment endpoint unreachable")
	}

	rp.ServeHTTP(w, r)
}

func trimPrefix(path, prefix string) string {
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		rest := path[len(prefix):]
		if rest == "" {
			return "/"
		}
		return rest
	}
	return path
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" && r.Header.Get("Connection") != ""
}

// proxyWebSocket forwards a WebSocket upgrade verbatim for endpoint
// agents, dialing the upstream then pumping both directions.
func (p *Proxy) proxyWebSocket(w http.ResponseWriter, r *http.Request, endpoint, prefix string) {
	upstreamURL := "ws://" + endpoint + trimPrefix(r.URL.Path, prefix)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	reqHeader := http.Header{}
	for k, v := range r.Header {
		if !containsFold(hopByHopHeaders, k) {
			reqHeader[k] = v
		}
	}

	upstreamConn, _, err := p.dialer.Dial(upstreamURL, reqHeader)
	if err != nil {
		writeTypedError(w, http.StatusServiceUnavailable, "DeploymentNotRunning", "websocket upstream unreachable")
		return
	}
	defer upstreamConn.Close()

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	done := make(chan struct{}, 2)
	go pumpWebSocket(clientConn, upstreamConn, done)
	go pumpWebSocket(upstreamConn, clientConn, done)
	<-done
}

func pumpWebSocket(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if len(item) == len(s) && equalFold(item, s) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func writeTypedError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}
