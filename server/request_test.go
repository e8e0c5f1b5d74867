package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_RoundTrip(t *testing.T) {
	req := ParseRequest(nil, []byte("GET ftp://host/file HTTP/1.1\r\nHost: host\r\n\r\n"))

	require.True(t, req.Valid)
	assert.Equal(t, "GET", req.Verb)
	assert.Equal(t, "host", req.Target.Host)
	assert.Equal(t, "/file", req.Target.Path)
	assert.Equal(t, "ftp", req.Target.Scheme)
	assert.Equal(t, "HTTP/1.1", req.Version)
	assert.Equal(t, 1, req.Headers.Len())
	host, ok := req.Headers.Get("Host")
	assert.True(t, ok)
	assert.Equal(t, "host", host)
	assert.Equal(t, RequestEncoding, req.Encoding)
	assert.Nil(t, req.Body)
}

func TestParseRequest_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing blank line", "GET ftp://host/file HTTP/1.1\r\nHost: host\r\n"},
		{"no line separator", "GET ftp://host/file HTTP/1.1"},
		{"bare LF terminators", "GET ftp://host/file HTTP/1.1\n\n"},
		{"two tokens", "GET ftp://host/file\r\n\r\n"},
		{"four tokens", "GET ftp://host/file HTTP/1.1 extra\r\n\r\n"},
		{"unknown verb", "FETCH ftp://host/file HTTP/1.1\r\n\r\n"},
		{"lowercase verb", "get ftp://host/file HTTP/1.1\r\n\r\n"},
		{"unknown version", "GET ftp://host/file HTTP/2.0\r\n\r\n"},
		{"unparseable target", "GET ftp://host/%zz HTTP/1.1\r\n\r\n"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ParseRequest(nil, []byte(tt.input))
			assert.False(t, req.Valid)
			assert.Same(t, InvalidRequest, req)
		})
	}
}

func TestParseRequest_HeaderDedup(t *testing.T) {
	input := "GET ftp://a/ HTTP/1.0\r\n" +
		"Host: a\r\n" +
		"User-Agent: Mozilla/4.0\r\n" +
		"Host: b\r\n" +
		"\r\n"
	req := ParseRequest(nil, []byte(input))
	require.True(t, req.Valid)

	host, _ := req.Headers.Get("Host")
	assert.Equal(t, "a", host)
	assert.Equal(t, []string{"Host", "User-Agent"}, req.Headers.Keys())
}

func TestParseRequest_HeaderEdgeCases(t *testing.T) {
	input := "HEAD ftp://mirror/pub/ HTTP/1.1\r\n" +
		"X-Empty: \r\n" +
		"NoSeparatorLine\r\n" +
		"   \r\n" +
		"Referer: http://old.example/a: b\r\n" +
		"\r\n" +
		"trailing body"
	req := ParseRequest(nil, []byte(input))
	require.True(t, req.Valid)

	assert.Equal(t, []string{"X-Empty", "Referer"}, req.Headers.Keys())
	ref, _ := req.Headers.Get("referer")
	assert.Equal(t, "http://old.example/a: b", ref, "split happens on the first separator only")
	assert.Equal(t, []byte("trailing body"), req.Body)
}

func TestParseRequest_Latin1Bytes(t *testing.T) {
	req := ParseRequest(nil, []byte("GET ftp://host/caf\xe9 HTTP/1.1\r\nX-Name: M\xfcller\r\n\r\n"))
	require.True(t, req.Valid)
	name, _ := req.Headers.Get("X-Name")
	assert.Equal(t, "Müller", name)
}

func TestRequest_WantsKeepAlive(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"GET ftp://h/ HTTP/1.1\r\n\r\n", true},
		{"GET ftp://h/ HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"GET ftp://h/ HTTP/1.0\r\n\r\n", false},
		{"GET ftp://h/ HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		req := ParseRequest(nil, []byte(tt.input))
		require.True(t, req.Valid, tt.input)
		assert.Equal(t, tt.want, req.WantsKeepAlive(), tt.input)
	}
}

func TestParseRequest_AttachesConnection(t *testing.T) {
	conn := newPipeConnection(t)
	req := ParseRequest(conn, []byte("OPTIONS ftp://h/ HTTP/1.1\r\n\r\n"))
	require.True(t, req.Valid)
	assert.Same(t, conn, req.Conn)
}
