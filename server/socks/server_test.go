package socks

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(t *testing.T) *server.Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return server.NewConnection(context.Background(), a)
}

func TestParseGreeting(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		methods []byte
		ok      bool
	}{
		{"no auth", []byte{0x05, 0x01, 0x00}, []byte{MethodNoAuth}, true},
		{"several", []byte{0x05, 0x03, 0x00, 0x01, 0x02}, []byte{0x00, 0x01, 0x02}, true},
		{"socks4", []byte{0x04, 0x01, 0x00, 0x50}, nil, false},
		{"short", []byte{0x05}, nil, false},
		{"no methods", []byte{0x05, 0x00}, nil, false},
		{"truncated", []byte{0x05, 0x02, 0x00}, nil, false},
		{"trailing", []byte{0x05, 0x01, 0x00, 0x00}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, ok := ParseGreeting(tt.buf)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.methods, methods)
		})
	}
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "none", MethodName(0x00))
	assert.Equal(t, "gssapi", MethodName(0x01))
	assert.Equal(t, "username_password", MethodName(0x02))
	assert.Equal(t, "no_acceptable", MethodName(0xFF))
	assert.Equal(t, "private", MethodName(0x80))
	assert.Equal(t, "0x03", MethodName(0x03))
}

func TestNoGreetingAndNoResponse(t *testing.T) {
	metrics.SOCKSGreetings.Reset()
	s := New()
	conn := testConn(t)

	assert.Nil(t, s.OnConnectionEstablished(conn))
	assert.Nil(t, s.OnRequestReceived(conn, []byte{0x05, 0x02, 0x00, 0x02}))
	assert.Nil(t, s.OnRequestReceived(conn, []byte("GET / HTTP/1.0\r\n\r\n")))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SOCKSGreetings.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SOCKSGreetings.WithLabelValues("username_password")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SOCKSGreetings.WithLabelValues("invalid")))
}

func TestListenerClosesAfterGreeting(t *testing.T) {
	l, err := server.NewListener(context.Background(), "socks", server.ListenerConfig{
		Protocol:      "socks",
		Addr:          "127.0.0.1:0",
		ShutdownGrace: time.Second,
	}, New())
	require.NoError(t, err)
	require.NoError(t, l.Listen())
	go func() { _ = l.Serve() }()
	t.Cleanup(func() { _ = l.Close() })

	c, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, reply)
}
