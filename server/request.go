package server

import (
	"bytes"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Request line verbs and versions accepted by ParseRequest.
var (
	AcceptedVerbs    = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "TRACE"}
	AcceptedVersions = []string{"HTTP/1.0", "HTTP/1.1"}
)

var (
	headerTerminator = []byte("\r\n\r\n")
	lineSeparator    = []byte("\r\n")
)

// RequestEncoding decodes request bytes. ISO-8859-1 maps every byte to one
// rune, so header values survive decoding unchanged.
var RequestEncoding encoding.Encoding = charmap.ISO8859_1

// Headers keeps header fields in first-seen order. A repeated name is
// ignored; the first value wins.
type Headers struct {
	keys   []string
	values map[string]string
}

func newHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// add reports whether name was new.
func (h *Headers) add(name, value string) bool {
	if _, ok := h.values[name]; ok {
		return false
	}
	h.keys = append(h.keys, name)
	h.values[name] = value
	return true
}

// Get returns the value of name. Lookup is exact first, then
// case-insensitive.
func (h *Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	if v, ok := h.values[name]; ok {
		return v, true
	}
	for _, k := range h.keys {
		if strings.EqualFold(k, name) {
			return h.values[k], true
		}
	}
	return "", false
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Keys returns header names in insertion order.
func (h *Headers) Keys() []string {
	if h == nil {
		return nil
	}
	return slices.Clone(h.keys)
}

// Request is a parsed text request line plus headers. It is built once per
// parse attempt and not modified afterwards.
type Request struct {
	Valid    bool
	Verb     string
	Target   *url.URL
	Version  string
	Headers  *Headers
	Body     []byte
	Encoding encoding.Encoding

	// Conn is the connection the request arrived on.
	Conn *Connection
}

// InvalidRequest is returned for every buffer that does not parse.
var InvalidRequest = &Request{}

// ParseRequest parses buf as "VERB TARGET VERSION\r\n" followed by
// "Name: value\r\n" header lines and a blank line. It never fails with an
// error; malformed input yields InvalidRequest.
func ParseRequest(conn *Connection, buf []byte) *Request {
	end := bytes.Index(buf, headerTerminator)
	if end < 0 || !bytes.Contains(buf, lineSeparator) {
		return InvalidRequest
	}

	head, err := RequestEncoding.NewDecoder().Bytes(buf[:end])
	if err != nil {
		return InvalidRequest
	}
	lines := strings.Split(string(head), "\r\n")

	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return InvalidRequest
	}
	verb, target, version := fields[0], fields[1], fields[2]
	if !slices.Contains(AcceptedVerbs, verb) || !slices.Contains(AcceptedVersions, version) {
		return InvalidRequest
	}

	headers := newHeaders()
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		headers.add(name, value)
	}

	u, err := url.Parse(target)
	if err != nil {
		return InvalidRequest
	}

	var body []byte
	if rest := buf[end+len(headerTerminator):]; len(rest) > 0 {
		body = bytes.Clone(rest)
	}

	return &Request{
		Valid:    true,
		Verb:     verb,
		Target:   u,
		Version:  version,
		Headers:  headers,
		Body:     body,
		Encoding: RequestEncoding,
		Conn:     conn,
	}
}

// WantsKeepAlive applies HTTP persistence rules: 1.1 persists unless the
// client sends "Connection: close", 1.0 only with "Connection: keep-alive".
func (r *Request) WantsKeepAlive() bool {
	v, _ := r.Headers.Get("Connection")
	v = strings.ToLower(strings.TrimSpace(v))
	if r.Version == "HTTP/1.1" {
		return v != "close"
	}
	return v == "keep-alive"
}
