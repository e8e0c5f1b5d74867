package pop3

import "github.com/retrogate/retrogate/server"

const sessionKey = "pop3.session"

type session struct {
	username      string
	authenticated bool
	user          *User
	messages      []Message
	deleted       map[int]bool
}

// sessionOf returns the connection's session, creating one when the
// connection skipped OnConnectionEstablished.
func sessionOf(conn *server.Connection) *session {
	if v, ok := conn.Get(sessionKey); ok {
		if s, ok := v.(*session); ok {
			return s
		}
	}
	s := &session{deleted: make(map[int]bool)}
	conn.Set(sessionKey, s)
	return s
}

func (s *session) reset() {
	s.username = ""
	s.authenticated = false
	s.user = nil
	s.messages = nil
	s.deleted = make(map[int]bool)
}

// totals counts undeleted messages and their octets.
func (s *session) totals() (count, size int) {
	for i, m := range s.messages {
		if !s.deleted[i] {
			count++
			size += m.Size
		}
	}
	return count, size
}

// lookup resolves a message number to an index, or returns the -ERR reply.
func (s *session) lookup(arg string) (int, []byte) {
	i, valid := parseIndex(arg)
	if !valid || i >= len(s.messages) {
		return 0, fail("no such message")
	}
	if s.deleted[i] {
		return 0, fail("message already deleted")
	}
	return i, nil
}
