package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"valid", "Grüße aus Köln", "Grüße aus Köln"},
		{"nul", "a\x00b", "ab"},
		{"latin1 byte", "caf\xe9 menu", "caf menu"},
		{"truncated sequence", "ok\xe2\x82", "ok"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeUTF8(tt.in))
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		line, command, want string
	}{
		{"PASS hunter2", "PASS", "PASS [REDACTED]"},
		{"pass  two words", "PASS", "pass [REDACTED]"},
		{"PASS", "PASS", "PASS"},
		{"APOP alice 5f3c", "APOP", "APOP [REDACTED]"},
		{"USER alice", "USER", "USER alice"},
		{"RETR 1", "RETR", "RETR 1"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSensitive(tt.line, tt.command, "PASS", "APOP"))
		})
	}
}
