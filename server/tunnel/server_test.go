package tunnel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "ftp://ftp.example.org/pub/readme.html"

func TestNewRequiresCache(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "tunnel:"+target, CacheKey(target))
}

func TestCacheHitReturnsStoredBytes(t *testing.T) {
	h := answering("upstream", "fresh")
	s, _, _ := newTestServer(t, h)
	payload := []byte("HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\ncached")
	require.NoError(t, s.Warm(context.Background(), target, time.Hour, payload))

	out := s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0"))
	assert.Equal(t, payload, out)
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestMissRunsChainWithoutWriteBack(t *testing.T) {
	h := answering("upstream", "fresh")
	s, store, _ := newTestServer(t, h)

	for i := 0; i < 2; i++ {
		out := s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0"))
		require.NotNil(t, out)
		assert.True(t, strings.HasPrefix(string(out), "HTTP/1.0 200 OK\r\n"))
		assert.True(t, strings.HasSuffix(string(out), "\r\n\r\nfresh"))
	}
	assert.EqualValues(t, 2, h.calls.Load())
	assert.Zero(t, store.Len())

	_, ok, err := s.Lookup(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntryFallsThroughToChain(t *testing.T) {
	h := answering("upstream", "fresh")
	s, _, clock := newTestServer(t, h)
	require.NoError(t, s.Warm(context.Background(), target, time.Minute, []byte("cached")))

	assert.Equal(t, []byte("cached"), s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0")))
	clock.Advance(time.Minute)
	out := s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0"))
	assert.Contains(t, string(out), "fresh")
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestChainFirstAnswerWins(t *testing.T) {
	first := passing("first")
	second := answering("second", "from second")
	third := answering("third", "from third")
	s, _, _ := newTestServer(t, first, second, third)

	out := s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0"))
	assert.Contains(t, string(out), "from second")
	assert.EqualValues(t, 1, first.calls.Load())
	assert.EqualValues(t, 1, second.calls.Load())
	assert.EqualValues(t, 0, third.calls.Load())
}

func TestHandlerErrorDropsRequest(t *testing.T) {
	failing := &stubHandler{name: "failing", fn: func(*server.Request) (*Response, error) {
		return nil, errors.New("upstream down")
	}}
	next := answering("next", "unused")
	s, _, _ := newTestServer(t, failing, next)

	assert.Nil(t, s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0")))
	assert.EqualValues(t, 0, next.calls.Load())
}

func TestHandlerPanicIsContained(t *testing.T) {
	panicking := &stubHandler{name: "panicking", fn: func(*server.Request) (*Response, error) {
		panic("bad script")
	}}
	s, _, _ := newTestServer(t, panicking)

	assert.NotPanics(t, func() {
		assert.Nil(t, s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0")))
	})
}

func TestUnhandledAndInvalidRequests(t *testing.T) {
	s, _, _ := newTestServer(t, passing("only"))

	assert.Nil(t, s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0")))
	assert.Nil(t, s.OnRequestReceived(testConn(t), []byte("GET "+target+" HTTP/1.0\r\n")))
	assert.Nil(t, s.OnRequestReceived(testConn(t), rawRequest("FETCH", target, "HTTP/1.0")))
	assert.Nil(t, s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/2.0")))
}

func TestUndecodableCacheEntryDropsRequest(t *testing.T) {
	h := answering("upstream", "fresh")
	s, store, clock := newTestServer(t, h)
	require.NoError(t, store.Save(context.Background(), cache.Entry{
		Key:       CacheKey(target),
		Value:     "%%% not base64 %%%",
		ExpiresAt: clock.Now().Add(time.Hour),
	}))

	assert.Nil(t, s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0")))
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestKeepAliveDecision(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		headers    []string
		keepAlive  bool
		connection string
	}{
		{"http/1.1 default", "HTTP/1.1", nil, true, ""},
		{"http/1.1 close", "HTTP/1.1", []string{"Connection: close"}, false, "Connection: close\r\n"},
		{"http/1.0 default", "HTTP/1.0", nil, false, ""},
		{"http/1.0 keep-alive", "HTTP/1.0", []string{"Connection: Keep-Alive"}, true, "Connection: keep-alive\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(t, answering("upstream", "x"))
			conn := testConn(t)
			out := s.OnRequestReceived(conn, rawRequest("GET", target, tt.version, tt.headers...))
			require.NotNil(t, out)
			assert.Equal(t, tt.keepAlive, conn.KeepAlive)
			assert.True(t, strings.HasPrefix(string(out), tt.version+" 200 OK\r\n"))
			if tt.connection == "" {
				assert.NotContains(t, string(out), "Connection:")
			} else {
				assert.Contains(t, string(out), tt.connection)
			}
		})
	}
}

func TestHeadOmitsBody(t *testing.T) {
	s, _, _ := newTestServer(t, answering("upstream", "0123456789"))

	out := string(s.OnRequestReceived(testConn(t), rawRequest("HEAD", target, "HTTP/1.0")))
	assert.Contains(t, out, "Content-Length: 10\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestWarmValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	assert.Error(t, s.Warm(ctx, "", time.Hour, []byte("x")))
	assert.Error(t, s.Warm(ctx, target, time.Hour, nil))
	require.NoError(t, s.Warm(ctx, target, time.Hour, []byte("x")))

	data, ok, err := s.Lookup(ctx, target)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), data)
}

func TestConcurrentRequestsWithDifferentBodiesRunSeparately(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	open := func() { once.Do(func() { close(release) }) }
	defer open()

	echo := &stubHandler{name: "echo", fn: func(req *server.Request) (*Response, error) {
		<-release
		return &Response{Status: 200, ContentType: "text/plain", Body: req.Body}, nil
	}}
	s, _, _ := newTestServer(t, echo)

	bodies := []string{"alpha", "bravo"}
	out := make([]string, len(bodies))
	var wg sync.WaitGroup
	for i, body := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw := append(rawRequest("POST", target, "HTTP/1.0", "Content-Length: 5"), body...)
			out[i] = string(s.OnRequestReceived(testConn(t), raw))
		}()
	}

	require.Eventually(t, func() bool { return echo.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	open()
	wg.Wait()

	assert.True(t, strings.HasSuffix(out[0], "\r\n\r\nalpha"), out[0])
	assert.True(t, strings.HasSuffix(out[1], "\r\n\r\nbravo"), out[1])
}

func TestCoalesceKeyCoversHeadersAndBody(t *testing.T) {
	base := parse(t, "GET", target, "Accept: text/html")
	assert.Equal(t, coalesceKey(base), coalesceKey(parse(t, "GET", target, "Accept: text/html")))
	assert.NotEqual(t, coalesceKey(base), coalesceKey(parse(t, "GET", target, "Accept: text/plain")))
	assert.NotEqual(t, coalesceKey(base), coalesceKey(parse(t, "HEAD", target, "Accept: text/html")))

	withBody := parse(t, "GET", target, "Accept: text/html")
	withBody.Body = []byte("x")
	assert.NotEqual(t, coalesceKey(base), coalesceKey(withBody))
}

func TestWarmedKeyMatchesParsedTarget(t *testing.T) {
	h := answering("upstream", "fresh")
	s, _, _ := newTestServer(t, h)
	ctx := context.Background()
	payload := []byte("HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\ncached")

	require.NoError(t, s.Warm(ctx, "FTP://ftp.example.org/pub/readme.html", time.Hour, payload))

	out := s.OnRequestReceived(testConn(t), rawRequest("GET", target, "HTTP/1.0"))
	assert.Equal(t, payload, out)
	assert.EqualValues(t, 0, h.calls.Load())

	_, ok, err := s.Lookup(ctx, "FTP://ftp.example.org/pub/readme.html")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, s.Warm(ctx, "ftp://bad host/%zz", time.Hour, payload))
}
