package tunnel

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ListingEntry is one row of a directory index.
type ListingEntry struct {
	Name    string
	Dir     bool
	Size    uint64
	ModTime time.Time
}

func escape(s string) string { return html.EscapeString(s) }

// RenderListing produces a plain HTML 3.2 index page that old browsers
// display without scripts or styles. Directories sort first.
func RenderListing(target *url.URL, entries []ListingEntry) []byte {
	sorted := make([]ListingEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Dir != sorted[j].Dir {
			return sorted[i].Dir
		}
		return sorted[i].Name < sorted[j].Name
	})

	dir := target.Path
	if dir == "" {
		dir = "/"
	}
	title := "Index of " + target.Scheme + "://" + target.Host + dir

	var b bytes.Buffer
	b.WriteString("<!DOCTYPE HTML PUBLIC \"-//W3C//DTD HTML 3.2 Final//EN\">\n")
	fmt.Fprintf(&b, "<html><head><title>%s</title></head>\n<body>\n<h1>%s</h1>\n<pre>\n", escape(title), escape(title))
	if dir != "/" {
		b.WriteString("<a href=\"../\">../</a>\n")
	}
	for _, e := range sorted {
		name := e.Name
		href := url.PathEscape(e.Name)
		if e.Dir {
			name += "/"
			href += "/"
		}
		size := "-"
		if !e.Dir {
			size = fmt.Sprintf("%d", e.Size)
		}
		modified := ""
		if !e.ModTime.IsZero() {
			modified = e.ModTime.UTC().Format("02-Jan-2006 15:04")
		}
		pad := 50 - len(name)
		if pad < 1 {
			pad = 1
		}
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>%s%-17s %12s\n", escape(href), escape(name), strings.Repeat(" ", pad), modified, size)
	}
	b.WriteString("</pre>\n</body></html>\n")
	return b.Bytes()
}
