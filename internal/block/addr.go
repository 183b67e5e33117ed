package block

import (
	"encoding/binary"
	"fmt"
)

// AddrSize is the encoded size of an Addr.
const AddrSize = 16

// Addr locates a page: its byte offset, its size (both multiples of the
// allocation size) and the checksum of its image. The zero Addr means
// "no page".
type Addr struct {
	Offset   uint64
	Size     uint32
	Checksum uint32
}

// IsZero reports whether a is the empty address.
func (a Addr) IsZero() bool { return a.Offset == 0 && a.Size == 0 }

// End returns the offset just past the page.
func (a Addr) End() uint64 { return a.Offset + uint64(a.Size) }

func (a Addr) String() string {
	if a.IsZero() {
		return "[none]"
	}
	return fmt.Sprintf("[%d-%d, %d, %#08x]", a.Offset, a.End(), a.Size, a.Checksum)
}

// AppendAddr appends the encoding of a to buf.
func AppendAddr(buf []byte, a Addr) []byte {
	buf = binary.BigEndian.AppendUint64(buf, a.Offset)
	buf = binary.BigEndian.AppendUint32(buf, a.Size)
	return binary.BigEndian.AppendUint32(buf, a.Checksum)
}

// DecodeAddr decodes an address from the first AddrSize bytes of buf.
func DecodeAddr(buf []byte) Addr {
	return Addr{
		Offset:   binary.BigEndian.Uint64(buf),
		Size:     binary.BigEndian.Uint32(buf[8:]),
		Checksum: binary.BigEndian.Uint32(buf[12:]),
	}
}
