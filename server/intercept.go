package server

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/retrogate/retrogate/pkg/metrics"
)

// connectPreamble is the request token that asks a proxy to open a tunnel.
var connectPreamble = []byte("CONNECT")

// ConnectEstablished is written in answer to a CONNECT preamble, before the
// TLS handshake starts, so the client believes its tunnel is open.
const ConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// replayConn serves already-consumed bytes before reading from the socket.
type replayConn struct {
	net.Conn
	pending *bytes.Reader
}

func (c *replayConn) Read(b []byte) (int, error) {
	if c.pending != nil && c.pending.Len() > 0 {
		return c.pending.Read(b)
	}
	return c.Conn.Read(b)
}

// intercept terminates TLS on conn. A CONNECT request is read up to its
// blank line, answered with ConnectEstablished, and the handshake runs on
// whatever follows it. Anything else is taken to be the start of a
// ClientHello and replayed into the handshake.
func (l *Listener) intercept(conn *Connection) error {
	if l.cfg.IdleTimeout > 0 {
		_ = conn.raw.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))
	}
	first, err := readPreamble(conn.raw, l.cfg.ReadBufferSize)
	if err != nil {
		return err
	}

	preamble := "none"
	rest := first
	if bytes.HasPrefix(first, connectPreamble) {
		preamble = "connect"
		i := bytes.Index(first, headerTerminator)
		rest = first[i+len(headerTerminator):]
		if _, err := conn.raw.Write([]byte(ConnectEstablished)); err != nil {
			return fmt.Errorf("writing tunnel reply: %w", err)
		}
		conn.DebugLog("answered CONNECT preamble")
	}
	metrics.TLSInterceptions.WithLabelValues(l.cfg.Protocol, preamble).Inc()

	var transport net.Conn = conn.raw
	if len(rest) > 0 {
		transport = &replayConn{Conn: conn.raw, pending: bytes.NewReader(bytes.Clone(rest))}
	}
	secure := tls.Server(transport, l.cfg.TLSConfig)
	if err := secure.HandshakeContext(conn.Context()); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	conn.secure = secure
	if l.cfg.IdleTimeout > 0 {
		_ = conn.raw.SetReadDeadline(time.Time{})
	}
	state := secure.ConnectionState()
	conn.DebugLog("tls established version=%s cipher=%s sni=%q",
		tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite), state.ServerName)
	return nil
}

// readPreamble returns the first bytes of a connection. A CONNECT request
// is read until its header block ends, within limit bytes.
func readPreamble(r io.Reader, limit int) ([]byte, error) {
	buf := make([]byte, limit)
	n := 0
	for {
		m, err := r.Read(buf[n:])
		n += m
		if n > 0 && !isPartialConnect(buf[:n]) {
			return buf[:n], nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading preamble: %w", err)
		}
		if n == len(buf) {
			return nil, fmt.Errorf("CONNECT header block exceeds %d bytes", limit)
		}
	}
}

// isPartialConnect reports whether data is a CONNECT request, or could
// still become one, whose header block has not ended yet.
func isPartialConnect(data []byte) bool {
	if len(data) < len(connectPreamble) {
		return bytes.HasPrefix(connectPreamble, data)
	}
	return bytes.HasPrefix(data, connectPreamble) && !bytes.Contains(data, headerTerminator)
}
