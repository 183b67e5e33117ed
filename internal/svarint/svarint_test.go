package svarint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1 << 21, 1<<28 - 1, 1 << 35, 1 << 49, 1<<56 - 1, 1 << 56, math.MaxUint64}
	for _, v := range values {
		buf := Append(nil, v)
		assert.Len(t, buf, Length(v), "value %d", v)
		got, n, err := Read(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestKnownEncodings(t *testing.T) {
	assert.Equal(t, []byte{0x00}, Append(nil, 0))
	assert.Equal(t, []byte{0x7f}, Append(nil, 0x7f))
	assert.Equal(t, []byte{0x81, 0x00}, Append(nil, 0x80))
	assert.Equal(t, 9, Length(uint64(math.MaxUint64)))
}

func TestReadTruncated(t *testing.T) {
	_, _, err := Read([]byte{0x81})
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = ReadBytes([]byte{0x05, 'a', 'b'})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBytes(t *testing.T) {
	buf := AppendBytes(nil, []byte("13"))
	buf = AppendBytes(buf, []byte{})
	p, n, err := ReadBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("13"), p)
	p, _, err = ReadBytes(buf[n:])
	require.NoError(t, err)
	assert.Empty(t, p)
}
