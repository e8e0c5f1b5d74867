package pop3

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	statusOK  = "+OK"
	statusErr = "-ERR"
	crlf      = "\r\n"
)

// reply formats one status line. The CRLF is appended only when text does
// not already end with one.
func reply(status, text string) []byte {
	line := status
	if text != "" {
		line += " " + text
	}
	if !strings.HasSuffix(line, crlf) {
		line += crlf
	}
	return []byte(line)
}

func ok(format string, args ...any) []byte {
	return reply(statusOK, fmt.Sprintf(format, args...))
}

func fail(text string) []byte {
	return reply(statusErr, text)
}

// multiline writes a status line, the given lines and the terminating dot.
func multiline(status []byte, lines []string) []byte {
	var b bytes.Buffer
	b.Write(status)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(crlf)
	}
	b.WriteString("." + crlf)
	return b.Bytes()
}

// dotStuff prefixes every line starting with "." with another ".".
func dotStuff(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	var b bytes.Buffer
	b.Grow(len(data) + 16)
	lineStart := true
	for _, c := range data {
		if lineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		lineStart = c == '\n'
	}
	return b.Bytes()
}

// retrBody frames a message for RETR: dot-stuffed, CRLF-terminated and
// followed by the terminating dot line.
func retrBody(size int, data []byte) []byte {
	body := dotStuff(data)
	var b bytes.Buffer
	b.Grow(len(body) + 64)
	fmt.Fprintf(&b, "%s %d octets%s", statusOK, size, crlf)
	b.Write(body)
	if len(body) > 0 && !bytes.HasSuffix(body, []byte(crlf)) {
		if bytes.HasSuffix(body, []byte("\n")) {
			b.Truncate(b.Len() - 1)
		}
		b.WriteString(crlf)
	}
	b.WriteString("." + crlf)
	return b.Bytes()
}
