package tunnel

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"
)

const defaultContentType = "application/octet-stream"

// Response is what a handler produces. It is rendered to HTTP/1.x bytes by
// the adapter and never modified after it is returned.
type Response struct {
	Status      int
	ContentType string
	Header      map[string]string
	Body        []byte

	// ContentLength overrides len(Body) when positive; HEAD answers carry a
	// size but no body.
	ContentLength int64
}

// BuildResponse renders a complete 200 response suitable for Warm.
func BuildResponse(contentType string, body []byte) []byte {
	return (&Response{Status: http.StatusOK, ContentType: contentType, Body: body}).Render("HTTP/1.1", false, "")
}

// Render writes the status line, headers and, unless omitBody is set, the
// body. connection, when non-empty, becomes the Connection header.
func (r *Response) Render(version string, omitBody bool, connection string) []byte {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	text := http.StatusText(status)
	if text == "" {
		text = "Status " + strconv.Itoa(status)
	}
	contentType := r.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	length := int64(len(r.Body))
	if r.ContentLength > 0 && len(r.Body) == 0 {
		length = r.ContentLength
	}

	var b bytes.Buffer
	b.Grow(len(r.Body) + 256)
	fmt.Fprintf(&b, "%s %d %s\r\n", version, status, text)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", length)

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, r.Header[k])
	}
	if connection != "" {
		fmt.Fprintf(&b, "Connection: %s\r\n", connection)
	}
	b.WriteString("\r\n")
	if !omitBody {
		b.Write(r.Body)
	}
	return b.Bytes()
}

// contentTypeFor guesses a MIME type from a file name.
func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return defaultContentType
}

func notFound(target string) *Response {
	return &Response{
		Status:      http.StatusNotFound,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte("<html><head><title>404 Not Found</title></head><body><h1>Not Found</h1><p>" + escape(target) + "</p></body></html>\n"),
	}
}
