// Package pack encodes tuples of column values according to a format
// string such as "iS" or "SiSi". Keys are encoded so that comparing the
// packed bytes orders tuples field by field:
//
//	b h i l q      signed integers, 8 bytes big-endian, sign bit flipped
//	B H I L Q r    unsigned integers, 8 bytes big-endian
//	S              NUL-terminated string
//	Ns             fixed-length string of N bytes, NUL padded
//	u              byte string; length-prefixed unless it is the last field
//	t              one-byte bit field
//	x              pad byte, no value
//
// A decimal count before any type other than s repeats it.
package pack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/cellar/internal/svarint"
)

// Errors returned by this package.
var (
	ErrBadFormat = errors.New("pack: invalid format")
	ErrBadValue  = errors.New("pack: value does not match format")
	ErrShortData = errors.New("pack: data too short")
)

type field struct {
	typ  byte
	size int // only for 's'
}

// Format is a parsed format string.
type Format struct {
	fields []field
}

// ParseFormat parses a format string.
func ParseFormat(s string) (*Format, error) {
	f := &Format{}
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		count := 1
		if j > i {
			n, err := strconv.Atoi(s[i:j])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: bad count in %q", ErrBadFormat, s)
			}
			count = n
		}
		if j >= len(s) {
			return nil, fmt.Errorf("%w: %q ends with a count", ErrBadFormat, s)
		}
		typ := s[j]
		switch typ {
		case 's':
			f.fields = append(f.fields, field{typ: 's', size: count})
		case 'b', 'h', 'i', 'l', 'q', 'B', 'H', 'I', 'L', 'Q', 'r', 'S', 'u', 't', 'x':
			for k := 0; k < count; k++ {
				f.fields = append(f.fields, field{typ: typ})
			}
		default:
			return nil, fmt.Errorf("%w: unsupported type %q in %q", ErrBadFormat, typ, s)
		}
		i = j + 1
	}
	return f, nil
}

// MustParseFormat is ParseFormat for constants; it panics on error.
func MustParseFormat(s string) *Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Len returns the number of value-carrying fields.
func (f *Format) Len() int {
	n := 0
	for _, fl := range f.fields {
		if fl.typ != 'x' {
			n++
		}
	}
	return n
}

// String returns the format text, one type letter per field.
func (f *Format) String() string {
	var b strings.Builder
	for _, fl := range f.fields {
		if fl.typ == 's' && fl.size != 1 {
			b.WriteString(strconv.Itoa(fl.size))
		}
		b.WriteByte(fl.typ)
	}
	return b.String()
}

// Sub returns the format made of the value fields at the given indices.
func (f *Format) Sub(idx []int) (*Format, error) {
	vals := f.valueFields()
	out := &Format{}
	for _, i := range idx {
		if i < 0 || i >= len(vals) {
			return nil, fmt.Errorf("%w: field %d out of range", ErrBadFormat, i)
		}
		out.fields = append(out.fields, vals[i])
	}
	return out, nil
}

func (f *Format) valueFields() []field {
	out := make([]field, 0, len(f.fields))
	for _, fl := range f.fields {
		if fl.typ != 'x' {
			out = append(out, fl)
		}
	}
	return out
}

// Pack encodes vals, one per value field.
func (f *Format) Pack(vals ...any) ([]byte, error) {
	if len(vals) != f.Len() {
		return nil, fmt.Errorf("%w: format %q takes %d values, got %d", ErrBadValue, f, f.Len(), len(vals))
	}
	var buf []byte
	vi := 0
	for fi, fl := range f.fields {
		if fl.typ == 'x' {
			buf = append(buf, 0)
			continue
		}
		v := vals[vi]
		vi++
		var err error
		if buf, err = appendField(buf, fl, v, fi == len(f.fields)-1); err != nil {
			return nil, fmt.Errorf("field %d: %w", vi-1, err)
		}
	}
	return buf, nil
}

// Unpack decodes data into one value per value field: int64 for signed
// types, uint64 for unsigned, string for S and s, []byte for u, uint8 for t.
func (f *Format) Unpack(data []byte) ([]any, error) {
	out := make([]any, 0, f.Len())
	for fi, fl := range f.fields {
		last := fi == len(f.fields)-1
		var (
			v   any
			n   int
			err error
		)
		switch fl.typ {
		case 'x':
			if len(data) < 1 {
				return nil, ErrShortData
			}
			data = data[1:]
			continue
		case 'b', 'h', 'i', 'l', 'q':
			if len(data) < 8 {
				return nil, ErrShortData
			}
			v, n = int64(binary.BigEndian.Uint64(data)^(1<<63)), 8
		case 'B', 'H', 'I', 'L', 'Q', 'r':
			if len(data) < 8 {
				return nil, ErrShortData
			}
			v, n = binary.BigEndian.Uint64(data), 8
		case 'S':
			end := bytes.IndexByte(data, 0)
			if end < 0 {
				return nil, ErrShortData
			}
			v, n = string(data[:end]), end+1
		case 's':
			if len(data) < fl.size {
				return nil, ErrShortData
			}
			v, n = string(bytes.TrimRight(data[:fl.size], "\x00")), fl.size
		case 't':
			if len(data) < 1 {
				return nil, ErrShortData
			}
			v, n = data[0], 1
		case 'u':
			if last {
				v, n = append([]byte(nil), data...), len(data)
				break
			}
			var p []byte
			if p, n, err = svarint.ReadBytes(data); err != nil {
				return nil, ErrShortData
			}
			v = append([]byte(nil), p...)
		}
		out = append(out, v)
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadValue, len(data))
	}
	return out, nil
}

var signedRange = map[byte][2]int64{
	'b': {math.MinInt8, math.MaxInt8},
	'h': {math.MinInt16, math.MaxInt16},
	'i': {math.MinInt32, math.MaxInt32},
	'l': {math.MinInt32, math.MaxInt32},
	'q': {math.MinInt64, math.MaxInt64},
}

var unsignedMax = map[byte]uint64{
	'B': math.MaxUint8,
	'H': math.MaxUint16,
	'I': math.MaxUint32,
	'L': math.MaxUint32,
	'Q': math.MaxUint64,
	'r': math.MaxUint64,
}

func appendField(buf []byte, fl field, v any, last bool) ([]byte, error) {
	switch fl.typ {
	case 'b', 'h', 'i', 'l', 'q':
		n, ok := asInt64(v)
		r := signedRange[fl.typ]
		if !ok || n < r[0] || n > r[1] {
			return nil, fmt.Errorf("%w: %v for %q", ErrBadValue, v, fl.typ)
		}
		return binary.BigEndian.AppendUint64(buf, uint64(n)^(1<<63)), nil
	case 'B', 'H', 'I', 'L', 'Q', 'r':
		n, ok := asUint64(v)
		if !ok || n > unsignedMax[fl.typ] {
			return nil, fmt.Errorf("%w: %v for %q", ErrBadValue, v, fl.typ)
		}
		return binary.BigEndian.AppendUint64(buf, n), nil
	case 'S':
		s, ok := asString(v)
		if !ok || strings.IndexByte(s, 0) >= 0 {
			return nil, fmt.Errorf("%w: %v for 'S'", ErrBadValue, v)
		}
		buf = append(buf, s...)
		return append(buf, 0), nil
	case 's':
		s, ok := asString(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v for 's'", ErrBadValue, v)
		}
		p := make([]byte, fl.size)
		copy(p, s)
		return append(buf, p...), nil
	case 't':
		n, ok := asUint64(v)
		if !ok || n > math.MaxUint8 {
			return nil, fmt.Errorf("%w: %v for 't'", ErrBadValue, v)
		}
		return append(buf, byte(n)), nil
	case 'u':
		var p []byte
		switch x := v.(type) {
		case []byte:
			p = x
		case string:
			p = []byte(x)
		default:
			return nil, fmt.Errorf("%w: %T for 'u'", ErrBadValue, v)
		}
		if last {
			return append(buf, p...), nil
		}
		return svarint.AppendBytes(buf, p), nil
	}
	return nil, fmt.Errorf("%w: type %q", ErrBadFormat, fl.typ)
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	n, ok := asInt64(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

// FromStrings converts text, one string per value field, into values Pack
// accepts. Integers are decimal and u fields take the string's bytes.
func (f *Format) FromStrings(strs ...string) ([]any, error) {
	vals := f.valueFields()
	if len(strs) != len(vals) {
		return nil, fmt.Errorf("%w: format %q takes %d values, got %d", ErrBadValue, f, len(vals), len(strs))
	}
	out := make([]any, len(vals))
	for i, fl := range vals {
		s := strs[i]
		var err error
		switch fl.typ {
		case 'b', 'h', 'i', 'l', 'q':
			out[i], err = strconv.ParseInt(s, 10, 64)
		case 'B', 'H', 'I', 'L', 'Q', 'r':
			out[i], err = strconv.ParseUint(s, 10, 64)
		case 't':
			var n uint64
			n, err = strconv.ParseUint(s, 10, 8)
			out[i] = uint8(n)
		case 'u':
			out[i] = []byte(s)
		default:
			out[i] = s
		}
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrBadValue, i, err)
		}
	}
	return out, nil
}
