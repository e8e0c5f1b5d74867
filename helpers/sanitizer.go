package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 drops invalid UTF-8 sequences and NUL bytes, neither of
// which PostgreSQL accepts in text columns. Legacy mail clients routinely
// send raw 8-bit headers.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
