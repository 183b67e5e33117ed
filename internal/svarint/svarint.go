// Package svarint implements the big-endian variable-length integers used in
// page cells: seven bits per byte with the high bit set on every byte but the
// last, except that a ninth byte carries a full eight bits.
package svarint

import (
	"errors"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// MaxLen is the longest encoding of a 64-bit value.
const MaxLen = 9

// ErrTruncated is returned by Read when buf ends inside a varint.
var ErrTruncated = errors.New("svarint: truncated")

// Length returns the number of bytes needed to encode x.
func Length[T constraints.Integer](x T) int {
	xl := 64 - bits.LeadingZeros64(uint64(x))
	if xl > 56 {
		return 9
	}
	if xl == 0 {
		return 1
	}
	return (xl + 6) / 7
}

// Append appends the encoding of x to buf.
func Append[T constraints.Integer](buf []byte, x T) []byte {
	n := Length(x)
	buf = append(buf, make([]byte, n)...)
	Put(buf[len(buf)-n:], x)
	return buf
}

// Put writes the encoding of x into buf, which must hold Length(x) bytes.
func Put[T constraints.Integer](buf []byte, x T) {
	u := uint64(x)
	n := Length(x)
	if n == 9 {
		buf[8] = byte(u)
		u >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(u&0x7f) | 0x80
			u >>= 7
		}
		return
	}
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(u & 0x7f)
		if i != n-1 {
			buf[i] |= 0x80
		}
		u >>= 7
	}
}

// Read decodes a varint from the start of buf, returning the value and the
// number of bytes consumed.
func Read(buf []byte) (uint64, int, error) {
	var x uint64
	for i := 0; i < MaxLen; i++ {
		if i >= len(buf) {
			return 0, 0, ErrTruncated
		}
		b := buf[i]
		if i == 8 {
			return x<<8 | uint64(b), 9, nil
		}
		x = x<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return x, i + 1, nil
		}
	}
	return x, MaxLen, nil
}

// AppendBytes appends p prefixed by its length.
func AppendBytes(buf, p []byte) []byte {
	buf = Append(buf, len(p))
	return append(buf, p...)
}

// ReadBytes reads a length-prefixed byte string from the start of buf. The
// returned slice aliases buf.
func ReadBytes(buf []byte) ([]byte, int, error) {
	l, n, err := Read(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(buf)-n) < l {
		return nil, 0, ErrTruncated
	}
	end := n + int(l)
	return buf[n:end], end, nil
}
