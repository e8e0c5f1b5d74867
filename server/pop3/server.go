package pop3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/helpers"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/server"
)

type User struct {
	ID       int64
	Username string
}

type Message struct {
	ID   int64
	Size int
	Data []byte
}

// UserStore authenticates mailbox owners. A wrong name or password yields
// consts.ErrUserNotFound.
type UserStore interface {
	FetchUser(ctx context.Context, username, password string) (*User, error)
}

type MailStore interface {
	GetDeliveredMessages(ctx context.Context, username string) ([]Message, error)
	DeleteMessageByID(ctx context.Context, id int64) error
}

// Server is the POP3 handler. One Server serves every connection of a
// listener; per-connection state lives in the connection's session.
type Server struct {
	server.BaseHandler

	hostname string
	users    UserStore
	mail     MailStore
}

func New(hostname string, users UserStore, mail MailStore) (*Server, error) {
	if users == nil || mail == nil {
		return nil, errors.New("pop3: user and mail stores are required")
	}
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "localhost"
		}
		hostname = h
	}
	return &Server{hostname: hostname, users: users, mail: mail}, nil
}

func (s *Server) Hostname() string { return s.hostname }

func (s *Server) OnConnectionEstablished(conn *server.Connection) []byte {
	conn.Set(sessionKey, &session{deleted: make(map[int]bool)})
	return ok("%s POP3 gateway ready", s.hostname)
}

func (s *Server) OnRequestReceived(conn *server.Connection, request []byte) []byte {
	sess := sessionOf(conn)
	cmd, arg := parseCommand(request)
	conn.DebugLog("C: %s", helpers.MaskSensitive(strings.TrimRight(string(request), "\r\n"), cmd, "PASS", "APOP"))

	var resp []byte
	switch cmd {
	case "USER":
		resp = s.user(conn, sess, arg)
	case "PASS":
		resp = s.pass(conn, sess, arg)
	case "STAT":
		resp = s.stat(sess)
	case "LIST":
		resp = s.list(sess, arg)
	case "UIDL":
		resp = s.uidl(sess, arg)
	case "RETR":
		resp = s.retr(conn, sess, arg)
	case "DELE":
		resp = s.dele(conn, sess, arg)
	case "CAPA":
		resp = multiline(ok("capability list follows"), []string{"USER", "UIDL"})
	case "NOOP":
		resp = reply(statusOK, "")
	case "QUIT":
		conn.KeepAlive = false
		resp = ok("goodbye")
	default:
		conn.DebugLog("unrecognized command %q", cmd)
		metrics.POP3Commands.WithLabelValues("unknown", "dropped").Inc()
		return nil
	}

	status := "ok"
	switch {
	case resp == nil:
		status = "dropped"
	case strings.HasPrefix(string(resp), statusErr):
		status = "err"
	}
	metrics.POP3Commands.WithLabelValues(cmd, status).Inc()
	return resp
}

// parseCommand trims the line terminator, splits on the first space and
// upper-cases the command word.
func parseCommand(request []byte) (cmd, arg string) {
	line := strings.TrimRight(string(request), "\r\n")
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

func (s *Server) user(conn *server.Connection, sess *session, name string) []byte {
	name = strings.TrimSpace(name)
	if name == "" {
		return fail("missing username")
	}
	sess.reset()
	sess.username = name
	return ok("send password")
}

func (s *Server) pass(conn *server.Connection, sess *session, password string) []byte {
	if sess.username == "" {
		return fail("send USER first")
	}
	ctx := conn.Context()

	u, err := s.users.FetchUser(ctx, sess.username, password)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
			conn.Log("authentication failed for %s", sess.username)
			return fail("invalid credentials")
		}
		logger.Error("POP3: user store failed", "conn", conn.ID, "username", sess.username, "error", err)
		return nil
	}

	msgs, err := s.mail.GetDeliveredMessages(ctx, u.Username)
	if err != nil {
		logger.Error("POP3: mail store failed", "conn", conn.ID, "username", u.Username, "error", err)
		return nil
	}

	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	sess.user = u
	sess.authenticated = true
	sess.messages = msgs
	conn.Log("authenticated as %s (%d messages)", u.Username, len(msgs))
	return ok("mailbox ready")
}

func (s *Server) stat(sess *session) []byte {
	if !sess.authenticated {
		return fail("not authenticated")
	}
	count, size := sess.totals()
	return ok("%d %d", count, size)
}

func (s *Server) list(sess *session, arg string) []byte {
	if !sess.authenticated {
		return fail("not authenticated")
	}
	if arg = strings.TrimSpace(arg); arg != "" {
		i, errResp := sess.lookup(arg)
		if errResp != nil {
			return errResp
		}
		return ok("%d %d", i+1, sess.messages[i].Size)
	}

	count, size := sess.totals()
	lines := make([]string, 0, count)
	for i, m := range sess.messages {
		if !sess.deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, m.Size))
		}
	}
	return multiline(ok("%d messages (%d octets)", count, size), lines)
}

func (s *Server) uidl(sess *session, arg string) []byte {
	if !sess.authenticated {
		return fail("not authenticated")
	}
	if arg = strings.TrimSpace(arg); arg != "" {
		i, errResp := sess.lookup(arg)
		if errResp != nil {
			return errResp
		}
		return ok("%d %d", i+1, sess.messages[i].ID)
	}

	var lines []string
	for i, m := range sess.messages {
		if !sess.deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, m.ID))
		}
	}
	return multiline(ok(""), lines)
}

func (s *Server) retr(conn *server.Connection, sess *session, arg string) []byte {
	if !sess.authenticated {
		return fail("not authenticated")
	}
	i, errResp := sess.lookup(arg)
	if errResp != nil {
		return errResp
	}
	m := sess.messages[i]
	conn.DebugLog("RETR %d (id %d, %d octets)", i+1, m.ID, m.Size)
	return retrBody(m.Size, m.Data)
}

func (s *Server) dele(conn *server.Connection, sess *session, arg string) []byte {
	if !sess.authenticated {
		return fail("not authenticated")
	}
	i, errResp := sess.lookup(arg)
	if errResp != nil {
		return errResp
	}
	m := sess.messages[i]
	err := s.mail.DeleteMessageByID(conn.Context(), m.ID)
	if errors.Is(err, consts.ErrMessageNotFound) {
		sess.deleted[i] = true
		conn.Log("message %d (id %d) was already removed from the store", i+1, m.ID)
		return fail("message already deleted")
	}
	if err != nil {
		logger.Error("POP3: failed to delete message", "conn", conn.ID, "username", sess.username, "id", m.ID, "error", err)
		return nil
	}
	sess.deleted[i] = true
	conn.Log("deleted message %d (id %d)", i+1, m.ID)
	return ok("message %d deleted", i+1)
}

// parseIndex converts a 1-based message number.
func parseIndex(arg string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}
