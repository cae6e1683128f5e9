package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Issue describes a record that could not be turned into an Item.
type Issue struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// record is a partially assembled item spanning one or more lines.
type record struct {
	fields map[string]string
	extra  map[string]string
	line   int
}

// ParseFile parses a news text file into items.
func ParseFile(path string) ([]Item, []Issue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	return ParseReader(f, filepath.Base(path))
}

// ParseReader parses pipe-separated news records from r.
//
// A line containing "|" starts a new record of "Key: Value" pairs, a blank
// line ends the open record, and a line starting with "{" is a standalone
// JSON record. Any other line continues the content of the open record.
func ParseReader(r io.Reader, file string) ([]Item, []Issue, error) {
	var (
		items  []Item
		issues []Issue
		cur    *record
	)

	flush := func() {
		if cur == nil {
			return
		}
		it, err := buildItem(cur.fields, cur.extra, file, cur.line)
		if err != nil {
			issues = append(issues, Issue{File: file, Line: cur.line, Err: err.Error()})
		} else {
			items = append(items, it)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			flush()

		case strings.HasPrefix(line, "{"):
			flush()
			rec, err := parseJSONRecord(line)
			if err != nil {
				issues = append(issues, Issue{File: file, Line: lineNum, Err: err.Error()})
				continue
			}
			rec.line = lineNum
			cur = rec
			flush()

		case strings.Contains(line, "|") || startsWithKnownKey(line):
			flush()
			cur = parsePairs(line)
			cur.line = lineNum

		case cur != nil:
			if c := cur.fields["content"]; c != "" {
				cur.fields["content"] = c + "\n" + line
			} else {
				cur.fields["content"] = line
			}

		default:
			issues = append(issues, Issue{File: file, Line: lineNum, Err: "line outside of a record"})
		}
	}
	if err := scanner.Err(); err != nil {
		return items, issues, fmt.Errorf("scan: %w", err)
	}
	flush()

	return items, issues, nil
}

// parsePairs splits a "Key: Value | Key: Value" line into a record.
// A segment without a separator belongs to the previous value, so content
// that itself contains "|" survives.
func parsePairs(line string) *record {
	rec := &record{fields: map[string]string{}}
	lastKey, lastExtra := "", false

	for _, seg := range strings.Split(line, "|") {
		key, val, ok := splitPair(seg)
		if !ok {
			if lastKey == "" {
				continue
			}
			if lastExtra {
				rec.extra[lastKey] += "|" + seg
			} else {
				rec.fields[lastKey] += "|" + seg
			}
			continue
		}
		if name, known := mapField(key); known {
			rec.fields[name] = val
			lastKey, lastExtra = name, false
			continue
		}
		if rec.extra == nil {
			rec.extra = map[string]string{}
		}
		rec.extra[key] = val
		lastKey, lastExtra = key, true
	}
	for k, v := range rec.fields {
		rec.fields[k] = strings.TrimSpace(v)
	}
	return rec
}

// splitPair splits "Key: Value" at the first ASCII or full-width colon.
func splitPair(seg string) (key, val string, ok bool) {
	i := strings.Index(seg, ":")
	width := 1
	if j := strings.Index(seg, "："); j >= 0 && (i < 0 || j < i) {
		i, width = j, len("：")
	}
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(seg[:i])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(seg[i+width:]), true
}

func startsWithKnownKey(line string) bool {
	key, _, ok := splitPair(line)
	if !ok {
		return false
	}
	_, known := mapField(key)
	return known
}

func parseJSONRecord(line string) (*record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse json record: %w", err)
	}

	rec := &record{fields: map[string]string{}}
	for k, v := range raw {
		if v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if name, known := mapField(k); known {
			rec.fields[name] = s
			continue
		}
		if rec.extra == nil {
			rec.extra = map[string]string{}
		}
		rec.extra[k] = s
	}
	return rec, nil
}
