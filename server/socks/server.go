// Package socks accepts SOCKS version 5 clients and recognises their method
// negotiation greeting. It does not negotiate: nothing is ever sent, so the
// connection is closed after the first request.
package socks

import (
	"fmt"
	"strings"

	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/server"
)

const Version5 = 0x05

// Authentication methods offered in a version 5 greeting.
const (
	MethodNoAuth           byte = 0x00
	MethodGSSAPI           byte = 0x01
	MethodUsernamePassword byte = 0x02
	MethodNoAcceptable     byte = 0xFF
)

type Server struct {
	server.BaseHandler
}

func New() *Server {
	return &Server{}
}

// OnRequestReceived logs the offered methods of a version 5 greeting and
// always returns nil.
func (s *Server) OnRequestReceived(conn *server.Connection, request []byte) []byte {
	methods, ok := ParseGreeting(request)
	if !ok {
		metrics.SOCKSGreetings.WithLabelValues("invalid").Inc()
		conn.DebugLog("not a SOCKS5 greeting (%d bytes)", len(request))
		return nil
	}
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = MethodName(m)
		metrics.SOCKSGreetings.WithLabelValues(names[i]).Inc()
	}
	conn.DebugLog("SOCKS5 greeting, methods offered: %s", strings.Join(names, ","))
	return nil
}

// ParseGreeting decodes VER NMETHODS METHODS... and reports whether buf is
// a complete version 5 greeting.
func ParseGreeting(buf []byte) ([]byte, bool) {
	if len(buf) < 2 || buf[0] != Version5 {
		return nil, false
	}
	n := int(buf[1])
	if n == 0 || len(buf) != 2+n {
		return nil, false
	}
	return append([]byte(nil), buf[2:]...), true
}

func MethodName(m byte) string {
	switch {
	case m == MethodNoAuth:
		return "none"
	case m == MethodGSSAPI:
		return "gssapi"
	case m == MethodUsernamePassword:
		return "username_password"
	case m == MethodNoAcceptable:
		return "no_acceptable"
	case m >= 0x80:
		return "private"
	default:
		return fmt.Sprintf("0x%02x", m)
	}
}
