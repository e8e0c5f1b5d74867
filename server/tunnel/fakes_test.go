package tunnel

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/server"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	name  string
	calls atomic.Int32
	fn    func(req *server.Request) (*Response, error)
}

func (s *stubHandler) Name() string { return s.name }

func (s *stubHandler) Handle(_ context.Context, req *server.Request) (*Response, error) {
	s.calls.Add(1)
	return s.fn(req)
}

func passing(name string) *stubHandler {
	return &stubHandler{name: name, fn: func(*server.Request) (*Response, error) { return nil, nil }}
}

func answering(name, body string) *stubHandler {
	return &stubHandler{name: name, fn: func(*server.Request) (*Response, error) {
		return &Response{Status: 200, ContentType: "text/plain", Body: []byte(body)}, nil
	}}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T, handlers ...Handler) (*Server, *cache.MemoryStore, *fakeClock) {
	t.Helper()
	store := cache.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(cache.NewTTL[[]byte](store, cache.Base64Codec{}, cache.WithClock(clock.Now)), handlers...)
	require.NoError(t, err)
	return s, store, clock
}

func testConn(t *testing.T) *server.Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return server.NewConnection(context.Background(), a)
}

// rawRequest builds a request buffer; headers are "Name: value" strings.
func rawRequest(verb, target, version string, headers ...string) []byte {
	var b strings.Builder
	b.WriteString(verb + " " + target + " " + version + "\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func parse(t *testing.T, verb, target string, headers ...string) *server.Request {
	t.Helper()
	req := server.ParseRequest(testConn(t), rawRequest(verb, target, "HTTP/1.0", headers...))
	require.True(t, req.Valid)
	return req
}
