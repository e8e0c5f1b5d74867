package pop3

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/server"
)

type fakeUsers struct {
	mu        sync.Mutex
	passwords map[string]string
	err       error
}

func (f *fakeUsers) FetchUser(_ context.Context, username, password string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if pw, ok := f.passwords[username]; !ok || pw != password {
		return nil, consts.ErrUserNotFound
	}
	return &User{ID: 1, Username: username}, nil
}

type fakeMail struct {
	mu        sync.Mutex
	messages  map[string][]Message
	deleted   []int64
	listErr   error
	deleteErr error
}

func (f *fakeMail) GetDeliveredMessages(_ context.Context, username string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Message(nil), f.messages[username]...), nil
}

func (f *fakeMail) DeleteMessageByID(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeMail) deletedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.deleted...)
}

func msg(id int64, body string) Message {
	return Message{ID: id, Size: len(body), Data: []byte(body)}
}

func newTestServer(t *testing.T) (*Server, *fakeUsers, *fakeMail) {
	t.Helper()
	users := &fakeUsers{passwords: map[string]string{"alice": "secret"}}
	mail := &fakeMail{messages: map[string][]Message{
		"alice": {
			msg(101, "Subject: one\r\n\r\nfirst\r\n"),
			msg(102, "Subject: two\r\n\r\n.leading dot\r\n"),
			msg(103, "Subject: three\r\n\r\nno newline"),
		},
	}}
	s, err := New("mail.test", users, mail)
	if err != nil {
		t.Fatal(err)
	}
	return s, users, mail
}

// testConn returns a connection over an in-memory pipe; handlers never
// touch the socket directly.
func testConn(t *testing.T) *server.Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return server.NewConnection(context.Background(), a)
}
