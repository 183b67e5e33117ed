package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Magic identifies a data file.
var Magic = [8]byte{'C', 'E', 'L', 'L', 'A', 'R', 'D', 'B'}

// FormatVersion is the on-disk format version written by this package.
const FormatVersion = 1

// Header slot geometry within block 0.
const (
	headerSize   = 92
	headerSlotB  = 256
	headerRegion = 512
)

// header is the decoded file header.
type header struct {
	version        uint16
	allocationSize uint32
	checksum       ChecksumMode
	root           Addr
	freeList       Addr
	descriptor     Addr
	fileSize       uint64
	generation     uint64
}

func (h header) encode() []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, h.version)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, h.allocationSize)
	buf = append(buf, byte(h.checksum), 0, 0, 0, 0, 0, 0, 0)
	buf = AppendAddr(buf, h.root)
	buf = AppendAddr(buf, h.freeList)
	buf = AppendAddr(buf, h.descriptor)
	buf = binary.BigEndian.AppendUint64(buf, h.fileSize)
	buf = binary.BigEndian.AppendUint64(buf, h.generation)
	return binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf, castagnoli))
}

// decodeHeader decodes one header slot. A slot of zeroes decodes as
// errEmptySlot so that a freshly created file with one written slot opens.
func decodeHeader(buf []byte) (header, error) {
	if bytes.Equal(buf[:headerSize], make([]byte, headerSize)) {
		return header{}, errEmptySlot
	}
	if !bytes.Equal(buf[:8], Magic[:]) {
		return header{}, fmt.Errorf("%w: bad magic %q", types.ErrIncompatibleLayout, buf[:8])
	}
	want := binary.BigEndian.Uint32(buf[headerSize-4:])
	if got := crc32.Checksum(buf[:headerSize-4], castagnoli); got != want {
		return header{}, fmt.Errorf("%w: file header", types.ErrChecksumMismatch)
	}
	h := header{
		version:        binary.BigEndian.Uint16(buf[8:]),
		allocationSize: binary.BigEndian.Uint32(buf[12:]),
		checksum:       ChecksumMode(buf[16]),
		root:           DecodeAddr(buf[24:]),
		freeList:       DecodeAddr(buf[40:]),
		descriptor:     DecodeAddr(buf[56:]),
		fileSize:       binary.BigEndian.Uint64(buf[72:]),
		generation:     binary.BigEndian.Uint64(buf[80:]),
	}
	if h.version != FormatVersion {
		return header{}, fmt.Errorf("%w: format version %d", types.ErrIncompatibleLayout, h.version)
	}
	return h, nil
}

var errEmptySlot = fmt.Errorf("%w: empty header slot", types.ErrCorruptPage)

// pickHeader returns the valid slot with the higher generation.
func pickHeader(block0 []byte) (header, error) {
	a, errA := decodeHeader(block0[:headerSlotB])
	b, errB := decodeHeader(block0[headerSlotB:headerRegion])
	switch {
	case errA == nil && errB == nil:
		if b.generation > a.generation {
			return b, nil
		}
		return a, nil
	case errA == nil:
		return a, nil
	case errB == nil:
		return b, nil
	case errA == errEmptySlot:
		return header{}, errB
	default:
		return header{}, errA
	}
}

// slotOffset returns where the header of a generation is written; slots
// alternate so the previous header survives a torn write.
func slotOffset(generation uint64) int64 {
	if generation%2 == 0 {
		return 0
	}
	return headerSlotB
}
