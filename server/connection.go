package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/server/idgen"
)

// ConnState is the position of a connection in its lifecycle.
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateTLSHandshaking
	StateEstablished
	StateReading
	StateProcessing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateTLSHandshaking:
		return "tls-handshaking"
	case StateEstablished:
		return "established"
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is the per-connection state handed to protocol handlers.
//
// A Connection is owned by the goroutine serving it and is never touched by
// two goroutines at once, so its session data needs no locking. The
// listener never reads or writes session data.
type Connection struct {
	ID        string
	Protocol  string
	Server    string
	CreatedAt time.Time

	// KeepAlive is set by handlers. When it is false after a response has
	// been written, the listener closes the connection.
	KeepAlive bool

	raw     net.Conn
	secure  *tls.Conn
	session map[string]any
	state   atomic.Int32
	debug   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection wraps an accepted socket. The returned connection's context
// is derived from parent and cancelled when the connection closes.
func NewConnection(parent context.Context, raw net.Conn) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		ID:        idgen.New(),
		CreatedAt: time.Now(),
		KeepAlive: true,
		raw:       raw,
		session:   make(map[string]any),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Transport returns the stream requests are read from and responses written
// to: the TLS stream when interception is active, the raw socket otherwise.
func (c *Connection) Transport() net.Conn {
	if c.secure != nil {
		return c.secure
	}
	return c.raw
}

func (c *Connection) Raw() net.Conn { return c.raw }

// Secure returns the TLS stream, or nil for plaintext connections.
func (c *Connection) Secure() *tls.Conn { return c.secure }

func (c *Connection) IsSecure() bool { return c.secure != nil }

func (c *Connection) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Context is cancelled when the connection closes or its listener shuts
// down. Handlers pass it to blocking collaborator calls.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connection) setState(s ConnState) {
	prev := ConnState(c.state.Swap(int32(s)))
	if c.debug && prev != s {
		c.DebugLog("state %s -> %s", prev, s)
	}
}

// Get returns a session value stored by the connection's handler.
func (c *Connection) Get(key string) (any, bool) {
	v, ok := c.session[key]
	return v, ok
}

func (c *Connection) Set(key string, value any) {
	c.session[key] = value
}

func (c *Connection) Delete(key string) {
	delete(c.session, key)
}

func (c *Connection) write(p []byte) error {
	_, err := c.Transport().Write(p)
	return err
}

// halfClose shuts down the write side so the peer sees EOF before the
// socket goes away.
func (c *Connection) halfClose() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.Transport().(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func (c *Connection) close() {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed)
	c.cancel()
	if c.secure != nil {
		_ = c.secure.Close()
	}
	_ = c.raw.Close()
}

func (c *Connection) prefix() string {
	if c.Server != "" && c.Server != c.Protocol {
		return c.Protocol + "-" + c.Server
	}
	return c.Protocol
}

// Log writes an info line tagged with the connection's protocol, id and
// remote address.
func (c *Connection) Log(format string, args ...any) {
	logger.Info("Connection", "protocol", c.prefix(), "remote", c.RemoteAddr().String(), "conn", c.ID, "secure", c.IsSecure(), "msg", fmt.Sprintf(format, args...))
}

func (c *Connection) DebugLog(format string, args ...any) {
	logger.Debug("Connection", "protocol", c.prefix(), "remote", c.RemoteAddr().String(), "conn", c.ID, "msg", fmt.Sprintf(format, args...))
}

func (c *Connection) WarnLog(format string, args ...any) {
	logger.Warn("Connection", "protocol", c.prefix(), "remote", c.RemoteAddr().String(), "conn", c.ID, "msg", fmt.Sprintf(format, args...))
}
