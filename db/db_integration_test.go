package db_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/db"
	"github.com/retrogate/retrogate/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(subject string, bodySize int) []byte {
	var b bytes.Buffer
	b.WriteString("From: sender@example.com\r\nSubject: " + subject + "\r\n\r\n")
	b.Write(bytes.Repeat([]byte("x"), bodySize))
	b.WriteString("\r\n")
	return b.Bytes()
}

func TestAccounts(t *testing.T) {
	database := testutils.SetupTestDatabase(t, nil)
	ctx := context.Background()
	username := testutils.UniqueUsername("acct")

	id, err := database.CreateUser(ctx, username, "first")
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = database.CreateUser(ctx, username, "again")
	assert.ErrorIs(t, err, consts.ErrUserExists)

	acct, err := database.FetchUser(ctx, username, "first")
	require.NoError(t, err)
	assert.Equal(t, id, acct.ID)

	_, err = database.FetchUser(ctx, username, "wrong")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
	_, err = database.FetchUser(ctx, "nobody-"+username, "first")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)

	require.NoError(t, database.SetPassword(ctx, username, "second"))
	_, err = database.FetchUser(ctx, username, "second")
	assert.NoError(t, err)
	assert.ErrorIs(t, database.SetPassword(ctx, "nobody-"+username, "x"), consts.ErrUserNotFound)
}

func TestMessagesInlineAndObjectStore(t *testing.T) {
	objects := testutils.NewFileObjectStore(t.TempDir())
	database := testutils.SetupTestDatabase(t, objects)
	ctx := context.Background()
	username := testutils.UniqueUsername("mail")
	_, err := database.CreateUser(ctx, username, "pw")
	require.NoError(t, err)

	small := message("small", 10)
	large := message("large", db.InlineBodyLimit+1)

	smallID, err := database.InsertMessage(ctx, username, small)
	require.NoError(t, err)
	largeID, err := database.InsertMessage(ctx, username, large)
	require.NoError(t, err)

	exists, err := objects.Exists(ctx, db.BodyKey(db.ContentHash(large)))
	require.NoError(t, err)
	assert.True(t, exists)

	msgs, err := database.GetDeliveredMessages(ctx, username)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, smallID, msgs[0].ID)
	assert.Equal(t, small, msgs[0].Data)
	assert.Equal(t, len(small), msgs[0].Size)
	assert.Equal(t, largeID, msgs[1].ID)
	assert.Equal(t, large, msgs[1].Data)

	require.NoError(t, database.DeleteMessageByID(ctx, smallID))
	assert.ErrorIs(t, database.DeleteMessageByID(ctx, smallID), consts.ErrMessageNotFound)

	msgs, err = database.GetDeliveredMessages(ctx, username)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, largeID, msgs[0].ID)

	require.NoError(t, database.DeleteMessageByID(ctx, largeID))
	n, err := database.PurgeDeleted(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	exists, err = objects.Exists(ctx, db.BodyKey(db.ContentHash(large)))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInsertMessageUnknownUser(t *testing.T) {
	database := testutils.SetupTestDatabase(t, nil)
	_, err := database.InsertMessage(context.Background(), testutils.UniqueUsername("ghost"), message("hi", 1))
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestGetDeliveredMessagesUnknownUser(t *testing.T) {
	database := testutils.SetupTestDatabase(t, nil)
	msgs, err := database.GetDeliveredMessages(context.Background(), testutils.UniqueUsername("ghost"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
