package main

import (
	"context"

	"github.com/retrogate/retrogate/db"
	"github.com/retrogate/retrogate/server/pop3"
)

// mailStore adapts the database to the pop3 store interfaces.
type mailStore struct {
	db *db.Database
}

func (s *mailStore) FetchUser(ctx context.Context, username, password string) (*pop3.User, error) {
	account, err := s.db.FetchUser(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return &pop3.User{ID: account.ID, Username: account.Username}, nil
}

func (s *mailStore) GetDeliveredMessages(ctx context.Context, username string) ([]pop3.Message, error) {
	rows, err := s.db.GetDeliveredMessages(ctx, username)
	if err != nil {
		return nil, err
	}
	out := make([]pop3.Message, len(rows))
	for i, m := range rows {
		out[i] = pop3.Message{ID: m.ID, Size: m.Size, Data: m.Data}
	}
	return out, nil
}

func (s *mailStore) DeleteMessageByID(ctx context.Context, id int64) error {
	return s.db.DeleteMessageByID(ctx, id)
}
