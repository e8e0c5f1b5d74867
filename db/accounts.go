package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/logger"
)

type Account struct {
	ID       int64
	Username string
}

// NormalizeUsername lower-cases and trims a login name.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// FetchUser returns the account when username and password match.
// Unknown users and wrong passwords both yield consts.ErrUserNotFound.
func (db *Database) FetchUser(ctx context.Context, username, password string) (*Account, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var (
		acct   Account
		hashed string
	)
	err := db.Pool.QueryRow(ctx,
		`SELECT id, username, password FROM accounts WHERE username = $1`,
		NormalizeUsername(username)).Scan(&acct.ID, &acct.Username, &hashed)
	record("fetch_user", err)
	if err != nil {
		return nil, wrapNotFound(err, consts.ErrUserNotFound)
	}

	if err := VerifyPassword(hashed, password); err != nil {
		if !errors.Is(err, errPasswordMismatch) {
			logger.Warn("DB: stored password hash rejected", "username", acct.Username, "error", err)
		}
		return nil, consts.ErrUserNotFound
	}
	return &acct, nil
}

func (db *Database) CreateUser(ctx context.Context, username, password string) (int64, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return 0, errors.New("username must not be empty")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return 0, err
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var id int64
	err = db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (username, password) VALUES ($1, $2) RETURNING id`,
		username, hashed).Scan(&id)
	record("create_user", err)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", consts.ErrUserExists, username)
		}
		return 0, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	return id, nil
}

func (db *Database) SetPassword(ctx context.Context, username, password string) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx,
		`UPDATE accounts SET password = $2, updated_at = now() WHERE username = $1`,
		NormalizeUsername(username), hashed)
	record("set_password", err)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}
