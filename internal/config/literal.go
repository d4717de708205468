package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// readLiteral reads the dispatcher's literal notation into plain values:
// map[string]any, []any, string, int64, bool and nil. Nothing is evaluated.
// Dicts, lists, tuples, quoted strings with backslash escapes and optional
// u/r prefixes, integers and True/False/None are understood, as are JSON's
// true/false/null.
func readLiteral(src string) (any, error) {
	r := &literalReader{src: src}
	v, err := r.value()
	if err != nil {
		return nil, err
	}
	r.skipSpace()
	if r.pos < len(r.src) {
		return nil, r.errorf("unexpected %q after value", r.src[r.pos])
	}
	return v, nil
}

type literalReader struct {
	src string
	pos int
}

func (r *literalReader) errorf(format string, args ...any) error {
	return fmt.Errorf("offset %d: %s", r.pos, fmt.Sprintf(format, args...))
}

func (r *literalReader) skipSpace() {
	for r.pos < len(r.src) {
		switch r.src[r.pos] {
		case ' ', '\t', '\n', '\r':
			r.pos++
		default:
			return
		}
	}
}

func (r *literalReader) consume(c byte) bool {
	if r.pos < len(r.src) && r.src[r.pos] == c {
		r.pos++
		return true
	}
	return false
}

func (r *literalReader) value() (any, error) {
	r.skipSpace()
	if r.pos >= len(r.src) {
		return nil, r.errorf("unexpected end of input")
	}

	c := r.src[r.pos]
	switch {
	case c == '{':
		return r.dict()
	case c == '[':
		return r.list(']')
	case c == '(':
		return r.list(')')
	case r.atString():
		return r.stringValue()
	case c == '-' || c == '+' || isDigit(c):
		return r.integer()
	case isLetter(c):
		return r.name()
	}
	return nil, r.errorf("unexpected %q", c)
}

func (r *literalReader) dict() (any, error) {
	r.pos++
	m := map[string]any{}
	for {
		r.skipSpace()
		if r.consume('}') {
			return m, nil
		}

		key, err := r.value()
		if err != nil {
			return nil, err
		}
		k, ok := key.(string)
		if !ok {
			return nil, r.errorf("dict key %v is not a string", key)
		}

		r.skipSpace()
		if !r.consume(':') {
			return nil, r.errorf("expected ':' after key %q", k)
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		m[k] = v

		r.skipSpace()
		if r.consume('}') {
			return m, nil
		}
		if !r.consume(',') {
			return nil, r.errorf("expected ',' or '}'")
		}
	}
}

// list reads a list or a tuple; both become []any.
func (r *literalReader) list(closing byte) (any, error) {
	r.pos++
	items := []any{}
	for {
		r.skipSpace()
		if r.consume(closing) {
			return items, nil
		}

		v, err := r.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)

		r.skipSpace()
		if r.consume(closing) {
			return items, nil
		}
		if !r.consume(',') {
			return nil, r.errorf("expected ',' or %q", closing)
		}
	}
}

func (r *literalReader) integer() (any, error) {
	start := r.pos
	if r.src[r.pos] == '-' || r.src[r.pos] == '+' {
		r.pos++
	}
	for r.pos < len(r.src) && isDigit(r.src[r.pos]) {
		r.pos++
	}
	text := r.src[start:r.pos]
	// Python 2 longs carry an L suffix.
	if r.pos < len(r.src) && (r.src[r.pos] == 'L' || r.src[r.pos] == 'l') {
		r.pos++
	}
	if r.pos < len(r.src) && (r.src[r.pos] == '.' || r.src[r.pos] == 'e' || r.src[r.pos] == 'E') {
		return nil, r.errorf("only integers are supported")
	}

	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, r.errorf("invalid integer %q", text)
	}
	return v, nil
}

func (r *literalReader) name() (any, error) {
	start := r.pos
	for r.pos < len(r.src) && isLetter(r.src[r.pos]) {
		r.pos++
	}
	switch word := r.src[start:r.pos]; word {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "None", "null":
		return nil, nil
	default:
		r.pos = start
		return nil, r.errorf("unsupported name %q", word)
	}
}

// atString reports whether a string literal, possibly prefixed, starts at
// the current position.
func (r *literalReader) atString() bool {
	i := r.pos
	for i < len(r.src) && isLetter(r.src[i]) {
		i++
	}
	if i == len(r.src) || (r.src[i] != '\'' && r.src[i] != '"') {
		return false
	}
	switch strings.ToLower(r.src[r.pos:i]) {
	case "", "u", "r", "ur":
		return true
	}
	return false
}

// stringValue reads adjacent string literals, which concatenate.
func (r *literalReader) stringValue() (any, error) {
	var b strings.Builder
	for {
		if err := r.str(&b); err != nil {
			return nil, err
		}
		r.skipSpace()
		if !r.atString() {
			return b.String(), nil
		}
	}
}

func (r *literalReader) str(b *strings.Builder) error {
	start := r.pos
	for isLetter(r.src[r.pos]) {
		r.pos++
	}
	raw := strings.ContainsAny(r.src[start:r.pos], "rR")

	quote := r.src[r.pos]
	if strings.HasPrefix(r.src[r.pos:], strings.Repeat(string(quote), 3)) {
		return r.errorf("triple-quoted strings are not supported")
	}
	r.pos++

	for {
		if r.pos >= len(r.src) {
			return r.errorf("unterminated string")
		}
		switch c := r.src[r.pos]; {
		case c == quote:
			r.pos++
			return nil
		case c == '\n':
			return r.errorf("newline in string")
		case c == '\\' && raw:
			// Kept, but it still protects the quote that follows.
			if r.pos+1 >= len(r.src) {
				return r.errorf("unterminated string")
			}
			b.WriteString(r.src[r.pos : r.pos+2])
			r.pos += 2
		case c == '\\':
			if err := r.escape(b); err != nil {
				return err
			}
		default:
			b.WriteByte(c)
			r.pos++
		}
	}
}

func (r *literalReader) escape(b *strings.Builder) error {
	if r.pos+1 >= len(r.src) {
		return r.errorf("unterminated string")
	}
	c := r.src[r.pos+1]
	r.pos += 2

	switch c {
	case '\n':
		// line continuation
	case '\\', '\'', '"':
		b.WriteByte(c)
	case 'a':
		b.WriteByte('\a')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'n':
		b.WriteByte('\n')
	case 'r':
		b.WriteByte('\r')
	case 't':
		b.WriteByte('\t')
	case 'v':
		b.WriteByte('\v')
	case '0', '1', '2', '3', '4', '5', '6', '7':
		n := rune(c - '0')
		for i := 0; i < 2 && r.pos < len(r.src) && isOctal(r.src[r.pos]); i++ {
			n = n*8 + rune(r.src[r.pos]-'0')
			r.pos++
		}
		b.WriteRune(n)
	case 'x':
		return r.hexEscape(b, 2)
	case 'u':
		return r.hexEscape(b, 4)
	case 'U':
		return r.hexEscape(b, 8)
	default:
		// Unknown escapes keep their backslash.
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

func (r *literalReader) hexEscape(b *strings.Builder, digits int) error {
	if r.pos+digits > len(r.src) {
		return r.errorf("truncated \\x, \\u or \\U escape")
	}
	text := r.src[r.pos : r.pos+digits]
	n, err := strconv.ParseUint(text, 16, 32)
	if err != nil || n > utf8.MaxRune {
		return r.errorf("invalid escape value %q", text)
	}
	r.pos += digits
	b.WriteRune(rune(n))
	return nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
