package confstr

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Parse parses a configuration string. It fails with types.ErrMalformedConfig
// on unbalanced parentheses, unterminated quotes, empty items and duplicate
// keys within one nesting level.
func Parse(text string) (*Record, error) {
	p := &parser{src: text}
	rec, err := p.record(0)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos])
	}
	return rec, nil
}

// ParseStrict parses text and additionally requires every dotted path in
// required to be present.
func ParseStrict(text string, required ...string) (*Record, error) {
	rec, err := Parse(text)
	if err != nil {
		return nil, err
	}
	for _, path := range required {
		if _, ok := rec.Lookup(path); !ok {
			return nil, fmt.Errorf("%w: required key %q missing", types.ErrMalformedConfig, path)
		}
	}
	return rec, nil
}

// MustParse is Parse for package-level constants; it panics on error.
func MustParse(text string) *Record {
	rec, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return rec
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", types.ErrMalformedConfig, fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) peek() (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

// record parses items up to the end of input (depth 0) or the closing
// parenthesis of the enclosing level, which it leaves unconsumed.
func (p *parser) record(depth int) (*Record, error) {
	rec := New()
	c, ok := p.peek()
	if !ok || c == ')' {
		if ok && depth == 0 {
			return nil, p.errorf("unbalanced ')'")
		}
		return rec, nil
	}
	for {
		key, err := p.key()
		if err != nil {
			return nil, err
		}
		if rec.Has(key) {
			return nil, p.errorf("duplicate key %q", key)
		}
		val := Bare()
		if c, ok := p.peek(); ok && c == '=' {
			p.pos++
			if val, err = p.value(depth); err != nil {
				return nil, err
			}
		}
		rec.Set(key, val)

		c, ok := p.peek()
		switch {
		case !ok:
			if depth > 0 {
				return nil, p.errorf("unbalanced '('")
			}
			return rec, nil
		case c == ',':
			p.pos++
		case c == ')':
			if depth == 0 {
				return nil, p.errorf("unbalanced ')'")
			}
			return rec, nil
		default:
			return nil, p.errorf("unexpected %q", c)
		}
	}
}

func (p *parser) key() (string, error) {
	c, ok := p.peek()
	if !ok {
		return "", p.errorf("empty item")
	}
	switch c {
	case '"':
		s, err := p.quoted()
		if err != nil {
			return "", err
		}
		if s == "" {
			return "", p.errorf("empty key")
		}
		return s, nil
	case ',', '=', '(', ')':
		return "", p.errorf("empty item")
	}
	return p.token(), nil
}

func (p *parser) value(depth int) (Value, error) {
	c, ok := p.peek()
	if !ok {
		return Scalar(""), nil
	}
	switch c {
	case '"':
		s, err := p.quoted()
		if err != nil {
			return Value{}, err
		}
		return Quoted(s), nil
	case '(':
		p.pos++
		rec, err := p.record(depth + 1)
		if err != nil {
			return Value{}, err
		}
		if c, ok := p.peek(); !ok || c != ')' {
			return Value{}, p.errorf("unbalanced '('")
		}
		p.pos++
		return Nested(rec), nil
	case ',', ')':
		return Scalar(""), nil
	case '=':
		return Value{}, p.errorf("unexpected '='")
	}
	return Scalar(p.token()), nil
}

// token reads an unquoted run up to the next reserved character.
func (p *parser) token() string {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune(",=()\"", rune(p.src[p.pos])) {
		p.pos++
	}
	return strings.TrimSpace(p.src[start:p.pos])
}

func (p *parser) quoted() (string, error) {
	start := p.pos
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.src) {
				p.pos = start
				return "", p.errorf("unterminated string")
			}
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	p.pos = start
	return "", p.errorf("unterminated string")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
