package db

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/helpers"
	"github.com/retrogate/retrogate/logger"
	"lukechampine.com/blake3"
)

// InlineBodyLimit is the largest body kept in the messages table when an
// object store is available.
const InlineBodyLimit = 16 * 1024

type Message struct {
	ID   int64
	Size int
	Data []byte
}

// MessageHeader holds the fields recorded at delivery.
type MessageHeader struct {
	Subject   string
	From      string
	MessageID string
	SentAt    time.Time
}

// ContentHash returns the hex BLAKE3 digest of a message body.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BodyKey is the object store key of a body with the given hash.
func BodyKey(hash string) string {
	return "messages/" + hash
}

// ParseHeader reads the RFC 5322 header of data. Missing optional fields
// are left empty.
func ParseHeader(data []byte) (MessageHeader, error) {
	entity, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return MessageHeader{}, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	h := mail.Header{Header: entity.Header}

	var hdr MessageHeader
	hdr.Subject, _ = h.Subject()
	hdr.MessageID, _ = h.MessageID()
	hdr.SentAt, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		hdr.From = from[0].Address
	} else {
		hdr.From = strings.TrimSpace(h.Get("From"))
	}
	hdr.Subject = helpers.SanitizeUTF8(hdr.Subject)
	hdr.From = helpers.SanitizeUTF8(hdr.From)
	hdr.MessageID = helpers.SanitizeUTF8(hdr.MessageID)
	return hdr, nil
}

// InsertMessage delivers data to username's mailbox and returns the new
// message id.
func (db *Database) InsertMessage(ctx context.Context, username string, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty message", consts.ErrMalformedMessage)
	}
	hdr, err := ParseHeader(data)
	if err != nil {
		return 0, err
	}

	hash := ContentHash(data)
	var inline []byte
	if db.objects == nil || len(data) <= InlineBodyLimit {
		inline = data
	} else if err := db.storeBody(ctx, hash, data); err != nil {
		return 0, err
	}

	var sentAt *time.Time
	if !hdr.SentAt.IsZero() {
		sentAt = &hdr.SentAt
	}

	qctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var id int64
	err = db.Pool.QueryRow(qctx, `
		INSERT INTO messages (account_id, content_hash, size, body, subject, from_address, message_id, sent_at)
		SELECT id, $2::text, $3::integer, $4::bytea, $5::text, $6::text, $7::text, $8::timestamptz FROM accounts WHERE username = $1
		RETURNING id`,
		NormalizeUsername(username), hash, len(data), inline, hdr.Subject, hdr.From, hdr.MessageID, sentAt).Scan(&id)
	record("insert_message", err)
	if err != nil {
		return 0, wrapNotFound(err, consts.ErrUserNotFound)
	}
	logger.Info("Message delivered", "username", username, "id", id, "size", len(data), "hash", hash, "inline", inline != nil)
	return id, nil
}

func (db *Database) storeBody(ctx context.Context, hash string, data []byte) error {
	key := BodyKey(hash)
	exists, err := db.objects.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return db.objects.Put(ctx, key, data, "message/rfc822")
}

// GetDeliveredMessages returns username's undeleted messages in delivery
// order. An unknown user has no messages.
func (db *Database) GetDeliveredMessages(ctx context.Context, username string) ([]Message, error) {
	qctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(qctx, `
		SELECT m.id, m.size, m.content_hash, m.body
		FROM messages m JOIN accounts a ON a.id = m.account_id
		WHERE a.username = $1 AND m.deleted_at IS NULL
		ORDER BY m.id`, NormalizeUsername(username))
	if err != nil {
		record("list_messages", err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	type row struct {
		msg  Message
		hash string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.msg.ID, &r.msg.Size, &r.hash, &r.msg.Data); err != nil {
			record("list_messages", err)
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		pending = append(pending, r)
	}
	err = rows.Err()
	record("list_messages", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := make([]Message, 0, len(pending))
	for _, r := range pending {
		if r.msg.Data == nil {
			if db.objects == nil {
				return nil, fmt.Errorf("message %d body is in object storage but none is configured", r.msg.ID)
			}
			data, err := db.objects.Get(ctx, BodyKey(r.hash))
			if err != nil {
				return nil, fmt.Errorf("failed to load body of message %d: %w", r.msg.ID, err)
			}
			r.msg.Data = data
		}
		msgs = append(msgs, r.msg)
	}
	return msgs, nil
}

// DeleteMessageByID marks a message deleted. Deleting a message twice
// yields consts.ErrMessageNotFound.
func (db *Database) DeleteMessageByID(ctx context.Context, id int64) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx,
		`UPDATE messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	record("delete_message", err)
	if err != nil {
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// PurgeDeleted removes messages deleted before cutoff and returns how many
// rows went away. Object store bodies still referenced elsewhere are kept.
func (db *Database) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		DELETE FROM messages WHERE deleted_at IS NOT NULL AND deleted_at < $1
		RETURNING content_hash, body IS NULL`, cutoff)
	if err != nil {
		record("purge_messages", err)
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	var (
		n       int64
		orphans []string
	)
	for rows.Next() {
		var (
			hash     string
			external bool
		)
		if err := rows.Scan(&hash, &external); err != nil {
			rows.Close()
			return n, err
		}
		n++
		if external {
			orphans = append(orphans, hash)
		}
	}
	rows.Close()
	err = rows.Err()
	record("purge_messages", err)
	if err != nil {
		return n, err
	}

	if db.objects != nil {
		for _, hash := range orphans {
			var referenced bool
			if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE content_hash = $1)`, hash).Scan(&referenced); err != nil {
				return n, err
			}
			if referenced {
				continue
			}
			if err := db.objects.Delete(ctx, BodyKey(hash)); err != nil && !errors.Is(err, consts.ErrS3NotFound) {
				logger.Warn("DB: failed to remove purged message body", "hash", hash, "error", err)
			}
		}
	}
	return n, nil
}
