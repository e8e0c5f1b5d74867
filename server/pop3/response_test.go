package pop3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyAppendsCRLFOnlyWhenMissing(t *testing.T) {
	assert.Equal(t, "+OK ready\r\n", string(reply(statusOK, "ready")))
	assert.Equal(t, "+OK ready\r\n", string(reply(statusOK, "ready\r\n")))
	assert.Equal(t, "-ERR\r\n", string(reply(statusErr, "")))
}

func TestDotStuff(t *testing.T) {
	tests := []struct {
		name, input, expected string
	}{
		{"no dots", "Line 1\r\nLine 2", "Line 1\r\nLine 2"},
		{"dot at line start", ".Line 1\r\nLine 2\r\n.Line 3", "..Line 1\r\nLine 2\r\n..Line 3"},
		{"terminator in body", "Line 1\r\n.\r\nLine 2", "Line 1\r\n..\r\nLine 2"},
		{"already stuffed", "..x\r\n", "...x\r\n"},
		{"dot mid line", "a . b\r\n", "a . b\r\n"},
		{"empty", "", ""},
		{"single dot", ".", ".."},
		{"bare LF lines", "a\n.b\n", "a\n..b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(dotStuff([]byte(tt.input))))
		})
	}
}

func TestRetrBodyTermination(t *testing.T) {
	assert.Equal(t, "+OK 3 octets\r\nabc\r\n.\r\n", string(retrBody(3, []byte("abc"))))
	assert.Equal(t, "+OK 5 octets\r\nabc\r\n.\r\n", string(retrBody(5, []byte("abc\r\n"))))
	assert.Equal(t, "+OK 4 octets\r\nabc\r\n.\r\n", string(retrBody(4, []byte("abc\n"))))
	assert.Equal(t, "+OK 0 octets\r\n.\r\n", string(retrBody(0, nil)))
}

func TestMultiline(t *testing.T) {
	assert.Equal(t, "+OK 2\r\na\r\nb\r\n.\r\n", string(multiline(ok("2"), []string{"a", "b"})))
	assert.Equal(t, "+OK\r\n.\r\n", string(multiline(ok(""), nil)))
}
