// Package repair turns raw oracle text into a JSON object, tolerating the
// malformations language models commonly produce. Every function here is pure.
package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxAttempts bounds the normalization passes made before giving up.
const MaxAttempts = 3

// FallbackError is the error marker carried by the fallback object.
const FallbackError = "Error: unrepairable oracle response"

// Result is the outcome of Repair.
type Result struct {
	// Value is the parsed object, or the fallback object.
	Value map[string]any
	// Attempts counts normalization passes; 0 means the text parsed as-is.
	Attempts int
	// Fallback is true when Value is the placeholder from Fallback().
	Fallback bool
	// Stage names the step that produced Value: "direct", a Mode name, or
	// "fallback".
	Stage string
	// Err describes the last parse failure when Fallback is true.
	Err string
}

var errNotObject = errors.New("top-level value is not an object")

// Repair runs the full pipeline: strip decoration, extract the object span,
// parse, then escalate through normalization modes. It never panics and
// always returns either a parsed object or the fallback object.
func Repair(raw string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallback(MaxAttempts, fmt.Sprintf("repair panic: %v", r))
		}
	}()

	text := StripDecoration(raw)
	if !strings.Contains(text, "{") {
		return fallback(0, "no object in response")
	}
	text = ExtractObject(text)

	if v, err := parseObject(text); err == nil {
		return Result{Value: v, Stage: "direct"}
	}

	modes := [MaxAttempts]Mode{Standard, Aggressive, Salvage}
	var lastErr error
	for i, mode := range modes {
		v, err := parseObject(Normalize(text, mode))
		if err == nil {
			return Result{Value: v, Attempts: i + 1, Stage: mode.String()}
		}
		lastErr = err
	}
	return fallback(MaxAttempts, lastErr.Error())
}

// Fallback returns the deterministic placeholder object used when a
// response cannot be repaired.
func Fallback() map[string]any {
	return map[string]any{
		"error":         FallbackError,
		"analysis_type": "fallback",
	}
}

// IsFallback reports whether v is the placeholder produced by Fallback.
func IsFallback(v map[string]any) bool {
	s, _ := v["error"].(string)
	return s == FallbackError
}

func fallback(attempts int, reason string) Result {
	return Result{Value: Fallback(), Attempts: attempts, Fallback: true, Stage: "fallback", Err: reason}
}

func parseObject(text string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

var (
	thinkBlock   = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFence    = regexp.MustCompile("```[A-Za-z0-9_-]*")
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// StripDecoration removes reasoning blocks, code fences and control
// characters other than tab, newline and carriage return.
func StripDecoration(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	// A reasoning block whose opening tag was cut off.
	if i := strings.Index(s, "</think>"); i >= 0 {
		s = s[i+len("</think>"):]
	}
	s = codeFence.ReplaceAllString(s, "")
	s = controlChars.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ExtractObject keeps the span from the first "{" to the last "}". When the
// response was cut off before any closing brace, the tail from the first "{"
// is kept so Normalize can close it.
func ExtractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
