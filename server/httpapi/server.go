// Package httpapi is the operator-facing HTTP endpoint: Prometheus metrics,
// a health probe and a small JSON API for inspecting and warming the
// tunnel cache.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/health"
	"github.com/retrogate/retrogate/server/tunnel"
)

// ListenerInfo is what the listener route reports about a running
// listener. *server.Listener implements it.
type ListenerInfo interface {
	Name() string
	Protocol() string
	Addr() net.Addr
	ActiveConnections() int
}

// Options configures the API server.
type Options struct {
	Name   string
	Addr   string
	// APIKey protects /api/v1. Without one only /health and /metrics are
	// served.
	APIKey string

	// Responses is the tunnel response cache. Cache routes answer 503
	// when it is nil.
	Responses *cache.TTL[[]byte]
	Tunnel    *tunnel.Server
	TunnelTTL time.Duration

	// Health, if set, supplies component results for /health, which then
	// answers 503 while a critical component is unhealthy.
	Health *health.HealthMonitor

	// Listeners is called on every listener request.
	Listeners func() []ListenerInfo

	// Wrap, if set, wraps the router, e.g. to answer ACME HTTP-01
	// challenges.
	Wrap func(http.Handler) http.Handler
}

type Server struct {
	opts    Options
	started time.Time
	server  *http.Server
}

func New(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "http"
	}
	if opts.TunnelTTL <= 0 {
		opts.TunnelTTL = time.Hour
	}
	if opts.APIKey == "" {
		logger.Warn("HTTP API: no API key configured, /api/v1 is disabled", "name", opts.Name)
	}
	return &Server{opts: opts, started: time.Now()}
}

// Start serves until ctx is cancelled. Failures other than a clean
// shutdown are sent on errChan.
func (s *Server) Start(ctx context.Context, errChan chan error) {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down", "name", s.opts.Name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: shutdown failed", "name", s.opts.Name, "error", err)
		}
	}()

	logger.Info("HTTP API: listening", "name", s.opts.Name, "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("http api %s: %w", s.opts.Name, err)
	}
}

// Handler returns the routed handler, wrapped by Options.Wrap.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	if s.opts.Wrap != nil {
		h = s.opts.Wrap(h)
	}
	return h
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET", "HEAD")

	if s.opts.APIKey == "" {
		return router
	}
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/cache", s.handleCacheGet).Methods("GET")
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	v1.HandleFunc("/cache/purge", s.handleCachePurge).Methods("POST")
	v1.HandleFunc("/cache/tunnel", s.handleTunnelWarm).Methods("PUT")
	v1.HandleFunc("/listeners", s.handleListeners).Methods("GET")

	return router
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method "+r.Method+" not allowed")
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK
	if s.opts.Health != nil {
		switch s.opts.Health.GetOverallStatus() {
		case health.StatusDegraded:
			body["status"] = "degraded"
		case health.StatusUnhealthy:
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		body["components"] = s.opts.Health.Results()
	}
	writeJSON(w, status, body)
}

// CacheEntry is the body of GET /api/v1/cache. Value is base64 in JSON.
type CacheEntry struct {
	Key   string `json:"key"`
	Found bool   `json:"found"`
	Size  int    `json:"size"`
	Value []byte `json:"value,omitempty"`
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	if s.opts.Responses == nil {
		writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	value, found, err := s.opts.Responses.Get(r.Context(), key)
	if err != nil {
		logger.Warn("HTTP API: cache lookup failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read cache")
		return
	}
	status := http.StatusOK
	if !found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, CacheEntry{Key: key, Found: found, Size: len(value), Value: value})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Responses == nil {
		writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Responses.Stats())
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.opts.Responses == nil {
		writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}
	n, err := s.opts.Responses.Purge(r.Context())
	if err != nil {
		logger.Warn("HTTP API: cache purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to purge cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// maxWarmBody bounds PUT /api/v1/cache/tunnel uploads.
const maxWarmBody = 64 << 20

// handleTunnelWarm stores the request body for uri. Unless raw=1 the body
// is the file content and is wrapped in a 200 response using the request
// Content-Type.
func (s *Server) handleTunnelWarm(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tunnel == nil {
		writeError(w, http.StatusServiceUnavailable, "Tunnel not available")
		return
	}
	q := r.URL.Query()
	uri := q.Get("uri")
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	ttl := s.opts.TunnelTTL
	if v := q.Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		ttl = d
	}

	defer r.Body.Close()
	body, err := readBody(r, maxWarmBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "body is empty")
		return
	}

	payload := body
	if raw, _ := strconv.ParseBool(q.Get("raw")); !raw {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		payload = tunnel.BuildResponse(contentType, body)
	}

	if err := s.opts.Tunnel.Warm(r.Context(), uri, ttl, payload); err != nil {
		logger.Warn("HTTP API: tunnel warm failed", "uri", uri, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to warm cache")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":        tunnel.CacheKey(uri),
		"size":       len(payload),
		"expires_in": ttl.String(),
	})
}

type listenerStatus struct {
	Name        string `json:"name"`
	Protocol    string `json:"protocol"`
	Addr        string `json:"addr"`
	Connections int    `json:"connections"`
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	out := []listenerStatus{}
	if s.opts.Listeners != nil {
		for _, l := range s.opts.Listeners() {
			addr := ""
			if a := l.Addr(); a != nil {
				addr = a.String()
			}
			out = append(out, listenerStatus{
				Name:        l.Name(),
				Protocol:    l.Protocol(),
				Addr:        addr,
				Connections: l.ActiveConnections(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listeners": out, "count": len(out)})
}
