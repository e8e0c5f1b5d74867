// Package tunnel serves HTTP-shaped requests whose target names a remote
// file, for browsers and download tools configured to use the gateway as
// their proxy. A request such as
//
//	GET ftp://ftp.example.org/pub/README HTTP/1.0
//
// is answered from the TTL cache when an entry exists; otherwise the
// handler chain runs and the first handler that claims the target
// answers. Handler results are not written back to the cache. Entries are
// only created by Warm.
package tunnel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/server"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"
)

// KeyPrefix tags tunnel entries in a shared cache.
const KeyPrefix = "tunnel:"

// Handler answers requests for the targets it understands. A nil Response
// with a nil error passes the request to the next handler.
type Handler interface {
	Name() string
	Handle(ctx context.Context, req *server.Request) (*Response, error)
}

type Server struct {
	server.BaseHandler

	cache    *cache.TTL[[]byte]
	handlers []Handler
	group    singleflight.Group
}

// New builds the adapter. responses must use a byte codec such as
// cache.Base64Codec.
func New(responses *cache.TTL[[]byte], handlers ...Handler) (*Server, error) {
	if responses == nil {
		return nil, errors.New("tunnel: cache is required")
	}
	return &Server{cache: responses, handlers: handlers}, nil
}

// CacheKey returns the cache key for a target URI.
func CacheKey(uri string) string {
	return KeyPrefix + uri
}

// Warm stores a complete response for uri. payload is sent verbatim on a
// cache hit, so it must include the status line and headers; see
// BuildResponse.
func (s *Server) Warm(ctx context.Context, uri string, ttl time.Duration, payload []byte) error {
	if uri == "" {
		return errors.New("tunnel: uri is required")
	}
	if len(payload) == 0 {
		return errors.New("tunnel: payload is empty")
	}
	key, err := normalizeURI(uri)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, CacheKey(key), ttl, payload); err != nil {
		return err
	}
	logger.Info("Tunnel: cache warmed", "uri", key, "ttl", ttl, "bytes", len(payload))
	return nil
}

// Lookup returns the cached response for uri, if any.
func (s *Server) Lookup(ctx context.Context, uri string) ([]byte, bool, error) {
	key, err := normalizeURI(uri)
	if err != nil {
		return nil, false, err
	}
	return s.cache.Get(ctx, CacheKey(key))
}

// normalizeURI spells uri the way a parsed request target is spelled, so
// warmed entries match the keys lookups use.
func normalizeURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("tunnel: invalid uri: %w", err)
	}
	return u.String(), nil
}

func (s *Server) OnRequestReceived(conn *server.Connection, request []byte) []byte {
	req := server.ParseRequest(conn, request)
	if !req.Valid {
		metrics.TunnelRequests.WithLabelValues("invalid").Inc()
		conn.DebugLog("invalid tunnel request (%d bytes)", len(request))
		return nil
	}
	conn.KeepAlive = req.WantsKeepAlive()
	uri := req.Target.String()
	ctx := conn.Context()

	cached, hit, err := s.cache.Get(ctx, CacheKey(uri))
	switch {
	case errors.Is(err, cache.ErrDecode):
		metrics.TunnelRequests.WithLabelValues("decode_error").Inc()
		logger.Warn("Tunnel: cached response cannot be decoded, dropping request", "conn", conn.ID, "uri", uri, "error", err)
		return nil
	case err != nil:
		logger.Warn("Tunnel: cache lookup failed, treating as miss", "conn", conn.ID, "uri", uri, "error", err)
	case hit:
		metrics.TunnelRequests.WithLabelValues("cache_hit").Inc()
		conn.Log("cache hit %s %s (%d bytes)", req.Verb, uri, len(cached))
		return cached
	}

	v, err, shared := s.group.Do(coalesceKey(req), func() (any, error) {
		return s.runChain(ctx, req)
	})
	if err != nil {
		metrics.TunnelRequests.WithLabelValues("failed").Inc()
		logger.Warn("Tunnel: handler failed", "conn", conn.ID, "verb", req.Verb, "uri", uri, "error", err)
		return nil
	}
	resp, _ := v.(*Response)
	if resp == nil {
		metrics.TunnelRequests.WithLabelValues("unhandled").Inc()
		conn.Log("no handler for %s %s", req.Verb, uri)
		return nil
	}

	metrics.TunnelRequests.WithLabelValues("handled").Inc()
	conn.Log("%s %s -> %d (%d bytes, shared=%v)", req.Verb, uri, resp.Status, len(resp.Body), shared)
	return resp.Render(req.Version, req.Verb == "HEAD", connectionHeader(req))
}

// coalesceKey identifies requests that may share one handler run: same
// verb, target, headers in order, and body. Handlers see all of these.
func coalesceKey(req *server.Request) string {
	h := blake3.New(32, nil)
	for _, k := range req.Headers.Keys() {
		v, _ := req.Headers.Get(k)
		fmt.Fprintf(h, "%d:%s%d:%s", len(k), k, len(v), v)
	}
	h.Write(req.Body)
	return req.Verb + " " + req.Target.String() + " " + hex.EncodeToString(h.Sum(nil))
}

// runChain returns the first non-nil response. A handler panic is turned
// into an error for this request only.
func (s *Server) runChain(ctx context.Context, req *server.Request) (resp *Response, err error) {
	for _, h := range s.handlers {
		resp, err = s.call(ctx, h, req)
		if err != nil {
			metrics.TunnelHandlerResults.WithLabelValues(h.Name(), "error").Inc()
			return nil, fmt.Errorf("%s: %w", h.Name(), err)
		}
		if resp != nil {
			metrics.TunnelHandlerResults.WithLabelValues(h.Name(), "hit").Inc()
			return resp, nil
		}
		metrics.TunnelHandlerResults.WithLabelValues(h.Name(), "pass").Inc()
	}
	return nil, nil
}

func (s *Server) call(ctx context.Context, h Handler, req *server.Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Tunnel: handler panic", "handler", h.Name(), "panic", r, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, req)
}

// connectionHeader spells out the persistence decision when it differs
// from the protocol version's default.
func connectionHeader(req *server.Request) string {
	keepAlive := req.WantsKeepAlive()
	switch {
	case req.Version == "HTTP/1.0" && keepAlive:
		return "keep-alive"
	case req.Version == "HTTP/1.1" && !keepAlive:
		return "close"
	}
	return ""
}

// targetPath returns the request path, "/" when empty.
func targetPath(req *server.Request) string {
	p := req.Target.Path
	if p == "" {
		return "/"
	}
	return p
}

func isRead(verb string) bool {
	return verb == "GET" || verb == "HEAD"
}

func hasTrailingSlash(p string) bool {
	return strings.HasSuffix(p, "/")
}
