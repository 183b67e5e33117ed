package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Page types.
const (
	PageDescriptor uint8 = 1
	PageFreeList   uint8 = 2
	PageInterior   uint8 = 5
	PageLeaf       uint8 = 13
)

// Page flags.
const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
)

// PageHeaderSize is the size of the header at the start of every page.
const PageHeaderSize = 16

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// PageHeader is the fixed header of a page.
type PageHeader struct {
	Type     uint8
	Flags    uint8
	Level    uint8
	Entries  uint32
	DataLen  uint32
	Checksum uint32
}

// EncodePage returns a page image holding hdr followed by data. The
// checksum field is left zero; the Manager fills it when writing.
func EncodePage(hdr PageHeader, data []byte) []byte {
	buf := make([]byte, PageHeaderSize+len(data))
	buf[0] = hdr.Type
	buf[1] = hdr.Flags
	buf[2] = hdr.Level
	binary.BigEndian.PutUint32(buf[4:], hdr.Entries)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(data)))
	copy(buf[PageHeaderSize:], data)
	return buf
}

// DecodePageHeader parses the header of a page image and checks that it is
// self-consistent with the image length.
func DecodePageHeader(buf []byte) (PageHeader, error) {
	if len(buf) < PageHeaderSize {
		return PageHeader{}, fmt.Errorf("%w: %d bytes is shorter than a page header", types.ErrCorruptPage, len(buf))
	}
	hdr := PageHeader{
		Type:     buf[0],
		Flags:    buf[1],
		Level:    buf[2],
		Entries:  binary.BigEndian.Uint32(buf[4:]),
		DataLen:  binary.BigEndian.Uint32(buf[8:]),
		Checksum: binary.BigEndian.Uint32(buf[12:]),
	}
	switch hdr.Type {
	case PageDescriptor, PageFreeList, PageInterior, PageLeaf:
	default:
		return hdr, fmt.Errorf("%w: unknown page type %d", types.ErrCorruptPage, hdr.Type)
	}
	if int64(hdr.DataLen) > int64(len(buf)-PageHeaderSize) {
		return hdr, fmt.Errorf("%w: data length %d exceeds page size %d", types.ErrCorruptPage, hdr.DataLen, len(buf))
	}
	if hdr.Type == PageLeaf && hdr.Level != 0 {
		return hdr, fmt.Errorf("%w: leaf page at level %d", types.ErrCorruptPage, hdr.Level)
	}
	if hdr.Type == PageInterior && hdr.Level == 0 {
		return hdr, fmt.Errorf("%w: interior page at level 0", types.ErrCorruptPage)
	}
	return hdr, nil
}

// PageData returns the cell area of a page image.
func PageData(buf []byte, hdr PageHeader) []byte {
	return buf[PageHeaderSize : PageHeaderSize+int(hdr.DataLen)]
}

// Checksum computes the checksum of a page image with its checksum field
// treated as zero.
func Checksum(buf []byte) uint32 {
	var zero [4]byte
	h := crc32.Update(0, castagnoli, buf[:12])
	h = crc32.Update(h, castagnoli, zero[:])
	return crc32.Update(h, castagnoli, buf[16:])
}

func setChecksum(buf []byte, sum uint32) {
	binary.BigEndian.PutUint32(buf[12:], sum)
}
