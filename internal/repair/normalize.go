package repair

import (
	"regexp"
	"strings"
)

// Mode selects how hard Normalize works on a broken document.
type Mode int

const (
	// Standard fixes quoting, escapes, commas and unbalanced brackets.
	Standard Mode = iota
	// Aggressive additionally quotes bare keys and bare-word values.
	Aggressive
	// Salvage behaves like Aggressive and then truncates after the last
	// complete value before closing the open containers.
	Salvage
)

func (m Mode) String() string {
	switch m {
	case Standard:
		return "standard"
	case Aggressive:
		return "aggressive"
	case Salvage:
		return "salvage"
	default:
		return "unknown"
	}
}

type tokenKind int

const (
	tokNone tokenKind = iota
	tokOpen
	tokComma
	tokColon
	tokKey
	tokValue
)

type frame struct {
	closer    byte
	expectKey bool
}

func (f frame) object() bool { return f.closer == '}' }

var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// Normalize rewrites s into text that is more likely to parse as JSON. It
// converts single-quoted strings, escapes raw newlines and stray quotes
// inside values, repairs invalid backslash escapes, inserts missing commas,
// drops trailing or doubled commas and balances brackets. Normalize is
// idempotent for the Standard mode.
func Normalize(s string, mode Mode) string {
	n := &normalizer{src: s, mode: mode, out: make([]byte, 0, len(s)+16)}
	n.run()
	return string(n.out)
}

type normalizer struct {
	src  string
	mode Mode
	out  []byte

	stack []frame
	last  tokenKind

	safeLen   int
	safeStack []frame
	rootDone  bool
}

func (n *normalizer) aggressive() bool { return n.mode >= Aggressive }

func (n *normalizer) top() *frame {
	if len(n.stack) == 0 {
		return nil
	}
	return &n.stack[len(n.stack)-1]
}

func (n *normalizer) run() {
	s := n.src
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			n.out = append(n.out, c)
			i++
		case c == '"' || c == '\'':
			n.beforeToken()
			key := n.keyPosition()
			i = n.readString(i, c, key)
			n.afterToken(key)
		case c == '{' || c == '[':
			n.beforeToken()
			closer := byte('}')
			if c == '[' {
				closer = ']'
			}
			n.stack = append(n.stack, frame{closer: closer, expectKey: c == '{'})
			n.out = append(n.out, c)
			n.last = tokOpen
			i++
		case c == '}' || c == ']':
			n.close(c)
			i++
		case c == ',':
			n.comma()
			i++
		case c == ':':
			n.out = append(n.out, ':')
			n.last = tokColon
			if f := n.top(); f != nil && f.object() {
				f.expectKey = false
			}
			i++
		default:
			n.beforeToken()
			key := n.keyPosition()
			i = n.readBare(i, key)
			n.afterToken(key)
		}
	}
	n.finish()
}

// beforeToken inserts the comma missing between two adjacent values.
func (n *normalizer) beforeToken() {
	if n.last != tokValue || len(n.stack) == 0 {
		return
	}
	n.out = append(n.out, ',')
	n.last = tokComma
	if f := n.top(); f.object() {
		f.expectKey = true
	}
}

func (n *normalizer) keyPosition() bool {
	f := n.top()
	return f != nil && f.object() && f.expectKey
}

func (n *normalizer) afterToken(key bool) {
	if key {
		n.last = tokKey
		n.top().expectKey = false
		return
	}
	n.completeValue()
}

func (n *normalizer) completeValue() {
	n.last = tokValue
	if n.rootDone {
		return
	}
	n.safeLen = len(n.out)
	n.safeStack = append(n.safeStack[:0], n.stack...)
}

// settle fills in whatever a container member is missing before it ends.
func (n *normalizer) settle() {
	switch n.last {
	case tokComma:
		n.dropTrailingComma()
	case tokColon:
		n.out = append(n.out, "null"...)
	case tokKey:
		n.out = append(n.out, ":null"...)
	}
}

func (n *normalizer) close(c byte) {
	match := -1
	for j := len(n.stack) - 1; j >= 0; j-- {
		if n.stack[j].closer == c {
			match = j
			break
		}
	}
	if match < 0 {
		return // stray closer
	}
	n.settle()
	for len(n.stack) > match {
		n.out = append(n.out, n.stack[len(n.stack)-1].closer)
		n.stack = n.stack[:len(n.stack)-1]
	}
	n.completeValue()
	if len(n.stack) == 0 {
		n.rootDone = true
	}
}

func (n *normalizer) comma() {
	switch n.last {
	case tokNone, tokOpen, tokComma:
		return
	case tokColon:
		n.out = append(n.out, "null"...)
	case tokKey:
		n.out = append(n.out, ":null"...)
	}
	n.out = append(n.out, ',')
	n.last = tokComma
	if f := n.top(); f != nil && f.object() {
		f.expectKey = true
	}
}

func (n *normalizer) dropTrailingComma() {
	for j := len(n.out) - 1; j >= 0; j-- {
		switch n.out[j] {
		case ' ', '\t', '\n', '\r':
			continue
		case ',':
			n.out = append(n.out[:j], n.out[j+1:]...)
		}
		return
	}
}

func (n *normalizer) finish() {
	if n.mode == Salvage && n.safeLen > 0 {
		n.out = n.out[:n.safeLen]
		n.stack = append(n.stack[:0], n.safeStack...)
		n.last = tokValue
	}
	n.settle()
	for j := len(n.stack) - 1; j >= 0; j-- {
		n.out = append(n.out, n.stack[j].closer)
	}
	n.stack = n.stack[:0]
}

// readString copies the string starting at s[i] as a double-quoted JSON
// string and returns the index just past its closing quote.
func (n *normalizer) readString(i int, quote byte, key bool) int {
	s := n.src
	n.out = append(n.out, '"')
	j := i + 1
	for j < len(s) {
		c := s[j]
		switch {
		case c == '\\':
			if j+1 < len(s) {
				next := s[j+1]
				if next == 'u' && !hexRun(s, j+2) {
					n.out = append(n.out, '\\', '\\')
					j++
					continue
				}
				if strings.IndexByte(`"\/bfnrtu`, next) >= 0 {
					n.out = append(n.out, c, next)
					j += 2
					continue
				}
				if next == '\'' {
					n.out = append(n.out, '\'')
					j += 2
					continue
				}
			}
			n.out = append(n.out, '\\', '\\')
			j++
		case c == quote:
			if key || n.closesValue(j+1) {
				n.out = append(n.out, '"')
				return j + 1
			}
			if quote == '"' {
				n.out = append(n.out, '\\', '"')
			} else {
				n.out = append(n.out, '\'')
			}
			j++
		case c == '"':
			n.out = append(n.out, '\\', '"')
			j++
		case c == '\n':
			n.out = append(n.out, '\\', 'n')
			j++
		case c == '\r':
			n.out = append(n.out, '\\', 'r')
			j++
		case c == '\t':
			n.out = append(n.out, '\\', 't')
			j++
		case c < 0x20:
			j++
		default:
			n.out = append(n.out, c)
			j++
		}
	}
	n.out = append(n.out, '"')
	return j
}

// closesValue decides whether a quote inside a value string ends it, by
// looking at what follows.
func (n *normalizer) closesValue(k int) bool {
	s := n.src
	k = skipSpace(s, k)
	if k >= len(s) {
		return true
	}
	switch s[k] {
	case ',', '}', ']', ':', '{', '[':
		return true
	case '"', '\'':
		// Either a missing comma before the next member or an inner quote.
		end := strings.IndexByte(s[k+1:], s[k])
		if end < 0 {
			return false
		}
		after := skipSpace(s, k+1+end+1)
		if after >= len(s) {
			return false
		}
		if s[after] == ':' {
			return true
		}
		if f := n.top(); f != nil && !f.object() && (s[after] == ',' || s[after] == ']') {
			return true
		}
	}
	return false
}

func hexRun(s string, k int) bool {
	if k+4 > len(s) {
		return false
	}
	for _, c := range []byte(s[k : k+4]) {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func skipSpace(s string, k int) int {
	for k < len(s) && (s[k] == ' ' || s[k] == '\t' || s[k] == '\n' || s[k] == '\r') {
		k++
	}
	return k
}

// readBare handles an unquoted token and returns the index after it.
func (n *normalizer) readBare(i int, key bool) int {
	s := n.src
	if !n.aggressive() {
		j := i
		for j < len(s) && !isDelimiter(s[j]) {
			j++
		}
		if j == i {
			// A lone byte that cannot start anything; copy it through.
			n.out = append(n.out, s[i])
			return i + 1
		}
		n.out = append(n.out, literal(s[i:j])...)
		return j
	}

	stop := ",}]\n"
	if key {
		stop = ":,{}[]\n"
	}
	j := i
	for j < len(s) && strings.IndexByte(stop, s[j]) < 0 {
		j++
	}
	tok := strings.TrimRight(s[i:j], " \t\r")
	if j == i || tok == "" {
		n.out = append(n.out, s[i])
		return i + 1
	}
	if !key {
		if lit := literal(tok); isLiteral(lit) {
			n.out = append(n.out, lit...)
			return i + len(tok)
		}
	}
	n.out = appendQuoted(n.out, tok)
	return i + len(tok)
}

func isDelimiter(c byte) bool {
	return strings.IndexByte(" \t\r\n,:{}[]\"'", c) >= 0
}

// literal maps Python-style constants onto their JSON spelling.
func literal(tok string) string {
	switch tok {
	case "True":
		return "true"
	case "False":
		return "false"
	case "None":
		return "null"
	}
	return tok
}

func isLiteral(tok string) bool {
	switch tok {
	case "true", "false", "null":
		return true
	}
	return jsonNumber.MatchString(tok)
}

func appendQuoted(out []byte, s string) []byte {
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			out = append(out, '\\', c)
		case c == '\t':
			out = append(out, '\\', 't')
		case c < 0x20:
		default:
			out = append(out, c)
		}
	}
	return append(out, '"')
}
