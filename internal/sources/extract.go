package sources

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// MaxSnippetChars caps snippet length before prompt assembly. Long wiki pages
// and ticket bodies otherwise crowd everything else out of the context.
const MaxSnippetChars = 1000

// Payload field priority lists. Source systems disagree on names: Jira has
// key/summary, Zendesk has subject, wikis have title, ERP exports have id.
var (
	titleFields     = []string{"title", "subject", "name", "key", "id"}
	urlFields       = []string{"url", "link", "href"}
	snippetFields   = []string{"content", "text", "snippet", "description"}
	freshnessFields = []string{"updated_at", "date", "created_at", "timestamp"}
)

// Title extracts a display title from a raw payload.
func Title(payload []byte) string {
	return firstString(payload, titleFields)
}

// URL extracts a document link from a raw payload.
func URL(payload []byte) string {
	return firstString(payload, urlFields)
}

// Snippet extracts the document text, clipped to MaxSnippetChars runes.
func Snippet(payload []byte) string {
	s := firstString(payload, snippetFields)
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) > MaxSnippetChars {
		s = string(runes[:MaxSnippetChars])
	}
	return strings.TrimSpace(s)
}

// Freshness extracts a document timestamp when the payload carries one.
// Accepts RFC 3339, date-only strings, and unix second/millisecond numbers.
func Freshness(payload []byte) (time.Time, bool) {
	for _, field := range freshnessFields {
		v := gjson.GetBytes(payload, field)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.String:
			if t, ok := parseTimeString(v.Str); ok {
				return t, true
			}
		case gjson.Number:
			n := v.Int()
			if n <= 0 {
				continue
			}
			// Millisecond epochs are 13 digits until the year 33658.
			if n > 1e12 {
				return time.UnixMilli(n).UTC(), true
			}
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstString(payload []byte, fields []string) string {
	for _, field := range fields {
		v := gjson.GetBytes(payload, field)
		if !v.Exists() {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// NormalizeURL canonicalizes a link for dedup grouping: lowercases scheme and
// host, strips fragments, default ports and trailing slashes. Returns "" for
// anything that does not look like a URL so empty links never group together.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	scheme := ""
	rest := raw
	if i := strings.Index(raw, "://"); i > 0 {
		scheme = strings.ToLower(raw[:i])
		rest = raw[i+3:]
	} else {
		return ""
	}
	host := rest
	path := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host = rest[:i]
		path = rest[i:]
	}
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path = strings.TrimRight(path, "/")
	return scheme + "://" + host + path
}
