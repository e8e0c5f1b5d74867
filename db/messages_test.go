package db

import (
	"testing"
	"time"

	"github.com/retrogate/retrogate/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?ISO-8859-1?Q?Gr=FC=DFe?=\r\n" +
	"Message-ID: <1234@example.com>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"Hello Bob.\r\n"

func TestParseHeader(t *testing.T) {
	hdr, err := ParseHeader([]byte(sampleMessage))
	require.NoError(t, err)
	assert.Equal(t, "Grüße", hdr.Subject)
	assert.Equal(t, "alice@example.com", hdr.From)
	assert.Equal(t, "1234@example.com", hdr.MessageID)
	assert.True(t, hdr.SentAt.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))
}

func TestParseHeaderMissingFields(t *testing.T) {
	hdr, err := ParseHeader([]byte("X-Custom: 1\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Empty(t, hdr.Subject)
	assert.Empty(t, hdr.From)
	assert.True(t, hdr.SentAt.IsZero())
}

func TestParseHeaderMalformed(t *testing.T) {
	_, err := ParseHeader([]byte("this is not a header line\r\n"))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("hello"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, ContentHash([]byte("hello")))
	assert.NotEqual(t, a, ContentHash([]byte("hello!")))
	assert.Equal(t, "messages/"+a, BodyKey(a))
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "bob@example.com", NormalizeUsername("  Bob@Example.COM "))
}
