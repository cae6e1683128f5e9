package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinContentLength is the shortest content (in characters) an item may carry.
const MinContentLength = 3

// ErrMissingContent is returned for records without a usable content field.
var ErrMissingContent = errors.New("record has no content")

// ErrShortContent is returned for records whose content is below MinContentLength.
var ErrShortContent = errors.New("record content too short")

// Item is a single raw text record read from the news corpus.
type Item struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Title        string            `json:"title,omitempty"`
	Timestamp    string            `json:"timestamp,omitempty"` // normalized YYYY-MM-DD
	RawTimestamp string            `json:"raw_timestamp,omitempty"`
	Category     string            `json:"category,omitempty"`
	Source       string            `json:"source,omitempty"`
	SourceFile   string            `json:"source_file,omitempty"`
	SourceLine   int               `json:"source_line,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// fieldMapping maps record keys (as written in the corpus) to item fields.
var fieldMapping = map[string]string{
	"id":        "id",
	"时间":        "timestamp",
	"time":      "timestamp",
	"timestamp": "timestamp",
	"date":      "timestamp",
	"标签":        "category",
	"tag":       "category",
	"category":  "category",
	"label":     "category",
	"内容":        "content",
	"content":   "content",
	"text":      "content",
	"来源":        "source",
	"source":    "source",
	"标题":        "title",
	"title":     "title",
}

// mapField resolves a raw record key to an internal field name.
// The second return value is false for unknown keys.
func mapField(key string) (string, bool) {
	name, ok := fieldMapping[strings.ToLower(strings.TrimSpace(key))]
	return name, ok
}

// buildItem assembles an Item from mapped key/value pairs and validates it.
func buildItem(fields map[string]string, extra map[string]string, file string, line int) (Item, error) {
	content := strings.TrimSpace(fields["content"])
	if content == "" {
		return Item{}, ErrMissingContent
	}
	if utf8.RuneCountInString(content) < MinContentLength {
		return Item{}, ErrShortContent
	}

	it := Item{
		ID:           strings.TrimSpace(fields["id"]),
		Content:      content,
		Title:        strings.TrimSpace(fields["title"]),
		RawTimestamp: strings.TrimSpace(fields["timestamp"]),
		Category:     strings.TrimSpace(fields["category"]),
		Source:       strings.TrimSpace(fields["source"]),
		SourceFile:   file,
		SourceLine:   line,
	}
	if len(extra) > 0 {
		it.Extra = extra
	}
	if it.RawTimestamp != "" {
		if norm, ok := NormalizeTimestamp(it.RawTimestamp); ok {
			it.Timestamp = norm
		}
	}
	if it.Title == "" {
		it.Title = DeriveTitle(content)
	}
	if it.ID == "" {
		it.ID = AutoID(content)
	}
	return it, nil
}

// AutoID derives a deterministic identifier from content.
func AutoID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "auto_" + hex.EncodeToString(sum[:])[:12]
}

// DeriveTitle takes the first full sentence of the content, or its first 30
// characters when there is no sentence terminator.
func DeriveTitle(content string) string {
	if i := strings.Index(content, "。"); i >= 0 {
		return content[:i] + "。"
	}
	runes := []rune(content)
	if len(runes) > 30 {
		return string(runes[:30]) + "..."
	}
	return content
}

var datePattern = regexp.MustCompile(`(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})`)

// NormalizeTimestamp reduces a timestamp string to YYYY-MM-DD.
func NormalizeTimestamp(ts string) (string, bool) {
	m := datePattern.FindStringSubmatch(strings.TrimSpace(ts))
	if m == nil {
		return "", false
	}
	return m[1] + "-" + pad2(m[2]) + "-" + pad2(m[3]), true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
