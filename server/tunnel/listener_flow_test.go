package tunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/retrogate/retrogate/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTunnel(t *testing.T, s *Server) *server.Listener {
	t.Helper()
	l, err := server.NewListener(context.Background(), "tunnel", server.ListenerConfig{
		Protocol:      "tunnel",
		Addr:          "127.0.0.1:0",
		ShutdownGrace: 2 * time.Second,
	}, s)
	require.NoError(t, err)
	require.NoError(t, l.Listen())
	go func() { _ = l.Serve() }()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dialTunnel(t *testing.T, l *server.Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { c.Close() })
	return c, bufio.NewReader(c)
}

func TestTunnelKeepsHTTP11ConnectionOpen(t *testing.T) {
	s, _, _ := newTestServer(t, answering("upstream", "payload"))
	require.NoError(t, s.Warm(context.Background(), "ftp://h/cached", time.Hour, BuildResponse("text/plain", []byte("cached"))))
	l := startTunnel(t, s)
	c, r := dialTunnel(t, l)

	_, err := c.Write(rawRequest("GET", "ftp://h/cached", "HTTP/1.1", "Host: h"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(body))

	_, err = c.Write(rawRequest("GET", "ftp://h/live", "HTTP/1.1", "Host: h"))
	require.NoError(t, err)
	resp, err = http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "payload", string(body))
}

func TestTunnelClosesHTTP10Connection(t *testing.T) {
	s, _, _ := newTestServer(t, answering("upstream", "payload"))
	l := startTunnel(t, s)
	c, r := dialTunnel(t, l)

	_, err := c.Write(rawRequest("GET", "ftp://h/live", "HTTP/1.0"))
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(all), "HTTP/1.0 200 OK\r\n")
	assert.Contains(t, string(all), "\r\n\r\npayload")
}

func TestTunnelUnhandledRequestClosesConnection(t *testing.T) {
	s, _, _ := newTestServer(t, passing("none"))
	l := startTunnel(t, s)
	c, r := dialTunnel(t, l)

	_, err := c.Write(rawRequest("GET", "ftp://h/live", "HTTP/1.1"))
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, all)
}
