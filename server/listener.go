package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
)

// Handler is implemented by protocol adapters.
//
// OnConnectionEstablished returns the greeting written right after the
// connection is set up; nil means the protocol has none.
//
// OnRequestReceived is called with each chunk read from the client. The
// slice is reused for the next read and must not be retained. A nil or
// empty result closes the connection.
type Handler interface {
	OnConnectionEstablished(conn *Connection) []byte
	OnRequestReceived(conn *Connection, request []byte) []byte
}

// BaseHandler provides no-op defaults for adapters to embed.
type BaseHandler struct{}

func (BaseHandler) OnConnectionEstablished(*Connection) []byte { return nil }

func (BaseHandler) OnRequestReceived(*Connection, []byte) []byte { return nil }

// ListenerConfig configures one listening endpoint.
type ListenerConfig struct {
	Protocol string // pop3, tunnel, socks; used in logs and metrics
	Network  string
	Addr     string

	// TLSConfig enables TLS interception when non-nil.
	TLSConfig *tls.Config

	ReadBufferSize int
	IdleTimeout    time.Duration // zero disables the read deadline
	MaxConnections int           // zero means unlimited
	ShutdownGrace  time.Duration
	Debug          bool
}

// ListenerConfigFrom converts a [[server]] entry. tlsConfig is nil unless
// the entry enables interception.
func ListenerConfigFrom(sc config.ServerConfig, tlsConfig *tls.Config) (ListenerConfig, error) {
	idle, err := sc.GetIdleTimeout()
	if err != nil {
		return ListenerConfig{}, fmt.Errorf("server %s: invalid idle_timeout: %w", sc.Name, err)
	}
	return ListenerConfig{
		Protocol:       sc.Type,
		Network:        sc.GetNetwork(),
		Addr:           sc.Addr,
		TLSConfig:      tlsConfig,
		ReadBufferSize: sc.GetReadBufferSize(),
		IdleTimeout:    idle,
		MaxConnections: sc.MaxConnections,
		ShutdownGrace:  sc.GetShutdownGrace(),
		Debug:          sc.Debug,
	}, nil
}

// Listener accepts TCP connections and runs each on its own goroutine,
// delegating protocol work to a Handler.
type Listener struct {
	name    string
	cfg     ListenerConfig
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	active   map[string]*Connection

	limiter *ConnectionLimiter
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func NewListener(appCtx context.Context, name string, cfg ListenerConfig, handler Handler) (*Listener, error) {
	if handler == nil {
		return nil, fmt.Errorf("listener %s: handler is required", name)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listener %s: address is required", name)
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = name
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = config.DefaultReadBufferSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = config.DefaultShutdownGrace
	}

	ctx, cancel := context.WithCancel(appCtx)
	return &Listener{
		name:    name,
		cfg:     cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*Connection),
		limiter: NewConnectionLimiter(cfg.MaxConnections),
	}, nil
}

func (l *Listener) Name() string { return l.name }

func (l *Listener) Protocol() string { return l.cfg.Protocol }

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ActiveConnections returns the number of open connections.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Listen binds the configured address. A bind failure is a startup error
// for this listener only.
func (l *Listener) Listen() error {
	ln, err := listenTCP(l.ctx, l.cfg.Network, l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener %s: failed to bind %s/%s: %w", l.name, l.cfg.Network, l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	logger.Info("Listener started", "name", l.name, "protocol", l.cfg.Protocol, "addr", ln.Addr().String(),
		"tls_interception", l.cfg.TLSConfig != nil, "max_connections", l.cfg.MaxConnections, "idle_timeout", l.cfg.IdleTimeout)
	return nil
}

// Serve runs the accept loop until the listener is closed or the
// application context is cancelled.
func (l *Listener) Serve() error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("listener %s: Serve called before Listen", l.name)
	}

	go func() {
		<-l.ctx.Done()
		_ = l.Close()
	}()

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Warn("Listener: accept failed", "name", l.name, "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !l.limiter.Acquire() {
			metrics.ConnectionsRejected.WithLabelValues(l.cfg.Protocol).Inc()
			logger.Warn("Listener: connection limit reached", "name", l.name, "remote", raw.RemoteAddr().String(), "max", l.cfg.MaxConnections)
			_ = raw.Close()
			continue
		}

		conn := NewConnection(l.ctx, raw)
		conn.Protocol = l.cfg.Protocol
		conn.Server = l.name
		conn.debug = l.cfg.Debug

		// Registration happens under mu so Close either sees the
		// connection or this loop sees the listener closed.
		l.mu.Lock()
		if l.closed.Load() {
			l.mu.Unlock()
			l.limiter.Release()
			_ = raw.Close()
			return nil
		}
		l.active[conn.ID] = conn
		l.wg.Add(1)
		l.mu.Unlock()

		go l.serveConn(conn)
	}
}

// Start binds and serves, reporting failures on errChan.
func (l *Listener) Start(errChan chan error) {
	if err := l.Listen(); err != nil {
		errChan <- err
		return
	}
	if err := l.Serve(); err != nil {
		errChan <- err
	}
}

// Close stops accepting and interrupts idle reads so in-flight requests can
// finish. Connections still open after the shutdown grace period are closed
// forcibly.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()

	l.mu.Lock()
	ln := l.listener
	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, c := range l.active {
		_ = c.raw.SetReadDeadline(time.Now())
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Listener stopped", "name", l.name)
	case <-time.After(l.cfg.ShutdownGrace):
		l.mu.Lock()
		remaining := len(l.active)
		for _, c := range l.active {
			_ = c.raw.Close()
		}
		l.mu.Unlock()
		logger.Warn("Listener: shutdown grace period elapsed, closed remaining connections", "name", l.name, "count", remaining)
		<-done
	}
	return err
}

func (l *Listener) untrack(c *Connection) {
	l.mu.Lock()
	delete(l.active, c.ID)
	l.mu.Unlock()
}

func (l *Listener) serveConn(conn *Connection) {
	start := time.Now()
	proto := l.cfg.Protocol

	metrics.ConnectionsTotal.WithLabelValues(proto).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(proto).Inc()

	defer func() {
		conn.close()
		l.untrack(conn)
		l.limiter.Release()
		metrics.ConnectionsCurrent.WithLabelValues(proto).Dec()
		metrics.ConnectionDuration.WithLabelValues(proto).Observe(time.Since(start).Seconds())
		l.wg.Done()
	}()

	conn.DebugLog("accepted")

	if l.cfg.TLSConfig != nil {
		conn.setState(StateTLSHandshaking)
		if err := l.intercept(conn); err != nil {
			metrics.TLSHandshakeFailures.WithLabelValues(proto).Inc()
			if IsConnectionError(err) {
				conn.DebugLog("TLS interception aborted: %v", err)
			} else {
				conn.WarnLog("TLS interception failed: %v", err)
			}
			return
		}
	}
	conn.setState(StateEstablished)

	if greeting := l.greet(conn); len(greeting) > 0 {
		if err := conn.write(greeting); err != nil {
			conn.WarnLog("failed to write greeting: %v", err)
			return
		}
	}

	buf := make([]byte, l.cfg.ReadBufferSize)
	for {
		if l.ctx.Err() != nil {
			return
		}
		conn.setState(StateReading)
		if l.cfg.IdleTimeout > 0 {
			_ = conn.raw.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))
		}
		n, err := conn.Transport().Read(buf)
		if n <= 0 {
			l.logReadEnd(conn, err)
			return
		}

		conn.setState(StateProcessing)
		response := l.dispatch(conn, buf[:n])
		if len(response) == 0 {
			metrics.ConnectionsAborted.WithLabelValues(proto).Inc()
			conn.DebugLog("no response, closing")
			conn.halfClose()
			return
		}
		if err := conn.write(response); err != nil {
			if IsConnectionError(err) {
				conn.DebugLog("peer gone before write: %v", err)
			} else {
				conn.WarnLog("write failed: %v", err)
			}
			return
		}
		if !conn.KeepAlive {
			conn.DebugLog("keep-alive off, closing")
			return
		}
	}
}

func (l *Listener) logReadEnd(conn *Connection, err error) {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		conn.DebugLog("peer closed")
	case l.ctx.Err() != nil:
		conn.DebugLog("closing for shutdown")
	case errors.Is(err, os.ErrDeadlineExceeded):
		conn.Log("idle timeout after %s", l.cfg.IdleTimeout)
	case IsConnectionError(err):
		conn.DebugLog("connection ended: %v", err)
	default:
		conn.WarnLog("read failed: %v", err)
	}
}

// greet and dispatch turn handler panics into "no response" so one faulty
// request only costs its own connection.
func (l *Listener) greet(conn *Connection) (out []byte) {
	defer l.recoverHandler(conn, &out)
	return l.handler.OnConnectionEstablished(conn)
}

func (l *Listener) dispatch(conn *Connection, request []byte) (out []byte) {
	defer l.recoverHandler(conn, &out)
	return l.handler.OnRequestReceived(conn, request)
}

func (l *Listener) recoverHandler(conn *Connection, out *[]byte) {
	if r := recover(); r != nil {
		metrics.HandlerPanics.WithLabelValues(l.cfg.Protocol).Inc()
		logger.Error("Listener: handler panic", "name", l.name, "conn", conn.ID, "panic", r, "stack", string(debug.Stack()))
		*out = nil
	}
}
