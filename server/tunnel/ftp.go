package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/circuitbreaker"
	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/pkg/retry"
	"github.com/retrogate/retrogate/server"
)

const defaultFTPPort = "21"

// ftpConn is the part of *ftp.ServerConn the handler uses.
type ftpConn interface {
	Login(user, password string) error
	Retr(path string) (io.ReadCloser, error)
	List(path string) ([]*ftp.Entry, error)
	FileSize(path string) (int64, error)
	ChangeDir(path string) error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(p string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(p)
}

type dialFunc func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return serverConn{c}, nil
}

// FTPHandlerConfig configures FTPHandler.
type FTPHandlerConfig struct {
	Timeout           time.Duration
	AnonymousPassword string
	Backoff           retry.BackoffConfig
	// BreakerFailures consecutive connect failures open the breaker for a
	// host for BreakerTimeout.
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// FTPHandler fetches ftp:// targets. Paths ending in "/" are listed as an
// HTML index; anything else is retrieved as a file. GET and HEAD only.
type FTPHandler struct {
	cfg      FTPHandlerConfig
	dial     dialFunc
	breakers *circuitbreaker.Group
}

func NewFTPHandler(cfg FTPHandlerConfig) *FTPHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AnonymousPassword == "" {
		cfg.AnonymousPassword = "anonymous@"
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	threshold := uint32(cfg.BreakerFailures)
	breakers := circuitbreaker.NewGroup(func(string) circuitbreaker.Settings {
		return circuitbreaker.Settings{
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(c circuitbreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			// A rejected login still means the host answered.
			IsSuccessful: func(err error) bool {
				return err == nil || isLoginRejected(err)
			},
			OnStateChange: func(host string, from, to circuitbreaker.State) {
				logger.Warn("FTP upstream breaker changed state", "host", host, "from", from.String(), "to", to.String())
				metrics.UpstreamBreakerState.WithLabelValues("ftp", host).Set(float64(to))
			},
		}
	})
	return &FTPHandler{cfg: cfg, dial: dialFTP, breakers: breakers}
}

func (h *FTPHandler) Name() string { return "ftp" }

func (h *FTPHandler) Handle(ctx context.Context, req *server.Request) (*Response, error) {
	if !strings.EqualFold(req.Target.Scheme, "ftp") || !isRead(req.Verb) || req.Target.Host == "" {
		return nil, nil
	}

	conn, err := h.connect(ctx, req)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	p := targetPath(req)
	start := time.Now()
	var (
		op   string
		resp *Response
	)
	switch {
	case hasTrailingSlash(p):
		op = "list"
		resp, err = h.list(conn, req, p)
	case req.Verb == "HEAD":
		op = "size"
		resp, err = h.size(conn, req, p)
	default:
		op = "retr"
		resp, err = h.retrieve(conn, req, p)
	}
	metrics.UpstreamFetchDuration.WithLabelValues("ftp", op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("ftp", op).Inc()
		return nil, err
	}
	return resp, nil
}

// connect dials and logs in, retrying transient dial failures. A rejected
// login is not retried. Hosts that keep failing are skipped until their
// breaker lets a trial connection through.
func (h *FTPHandler) connect(ctx context.Context, req *server.Request) (ftpConn, error) {
	addr := req.Target.Host
	if req.Target.Port() == "" {
		addr = net.JoinHostPort(req.Target.Hostname(), defaultFTPPort)
	}
	var conn ftpConn
	err := h.breakers.Get(strings.ToLower(addr)).Execute(func() error {
		c, err := h.login(ctx, addr, req)
		conn = c
		return err
	})
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("ftp", "connect").Inc()
		return nil, fmt.Errorf("ftp %s: %w", addr, err)
	}
	return conn, nil
}

func (h *FTPHandler) login(ctx context.Context, addr string, req *server.Request) (ftpConn, error) {
	user, pass := "anonymous", h.cfg.AnonymousPassword
	if req.Target.User != nil {
		user = req.Target.User.Username()
		if p, ok := req.Target.User.Password(); ok {
			pass = p
		}
	}

	var conn ftpConn
	err := retry.WithRetry(ctx, func() error {
		c, err := h.dial(ctx, addr, h.cfg.Timeout)
		if err != nil {
			return err
		}
		if err := c.Login(user, pass); err != nil {
			c.Quit()
			return retry.Stop(fmt.Errorf("login as %s: %w", user, err))
		}
		conn = c
		return nil
	}, h.cfg.Backoff)
	return conn, err
}

func (h *FTPHandler) list(conn ftpConn, req *server.Request, p string) (*Response, error) {
	entries, err := conn.List(p)
	if isUnavailable(err) {
		return notFound(req.Target.String()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	rows := make([]ListingEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, ListingEntry{
			Name:    e.Name,
			Dir:     e.Type == ftp.EntryTypeFolder,
			Size:    e.Size,
			ModTime: e.Time,
		})
	}
	return &Response{
		Status:      http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        RenderListing(req.Target, rows),
	}, nil
}

func (h *FTPHandler) retrieve(conn ftpConn, req *server.Request, p string) (*Response, error) {
	r, err := conn.Retr(p)
	if isUnavailable(err) {
		return h.missing(conn, req, p), nil
	}
	if err != nil {
		return nil, fmt.Errorf("retr %s: %w", p, err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("retr %s: %w", p, err)
	}
	return &Response{Status: http.StatusOK, ContentType: contentTypeFor(p), Body: body}, nil
}

func (h *FTPHandler) size(conn ftpConn, req *server.Request, p string) (*Response, error) {
	n, err := conn.FileSize(p)
	if isUnavailable(err) {
		return h.missing(conn, req, p), nil
	}
	if err != nil {
		return nil, fmt.Errorf("size %s: %w", p, err)
	}
	return &Response{Status: http.StatusOK, ContentType: contentTypeFor(p), ContentLength: n}, nil
}

// missing answers a path the server would not hand out as a file. If it is
// a directory the client is sent to the slash form so relative links in
// the index resolve.
func (h *FTPHandler) missing(conn ftpConn, req *server.Request, p string) *Response {
	if conn.ChangeDir(p) != nil {
		return notFound(req.Target.String())
	}
	loc := *req.Target
	loc.Path = path.Clean(p) + "/"
	loc.RawPath = ""
	return &Response{
		Status:      http.StatusMovedPermanently,
		ContentType: "text/html; charset=utf-8",
		Header:      map[string]string{"Location": loc.String()},
		Body:        []byte("<html><body><a href=\"" + escape(loc.String()) + "\">Moved</a></body></html>\n"),
	}
}

func isLoginRejected(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code == ftp.StatusNotLoggedIn
}

func isUnavailable(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable
}
