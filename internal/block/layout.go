// Package block manages the physical data files: the file header with its
// checkpoint descriptor, page addresses, checksums and the allocation
// bookkeeping of free and used extents.
//
// A file is a sequence of allocation units. Block 0 holds two copies of
// the file header; the copy with the highest valid write generation is
// current. Every other byte belongs either to a page reachable from the
// current checkpoint, to the descriptor page, to the free-list page or to
// a free extent.
//
// See docs/ARCHITECTURE.md § Data Files.
package block

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Allocation size limits.
const (
	MinAllocationSize = 512
	MaxAllocationSize = 128 << 20
)

// ChecksumMode selects which pages carry a verified checksum.
type ChecksumMode uint8

const (
	ChecksumOff ChecksumMode = iota
	ChecksumOn
	// ChecksumUncompressed checksums pages stored without compression.
	ChecksumUncompressed
	// ChecksumUnencrypted checksums pages stored without encryption.
	ChecksumUnencrypted
)

var checksumNames = map[ChecksumMode]string{
	ChecksumOff:          "off",
	ChecksumOn:           "on",
	ChecksumUncompressed: "uncompressed",
	ChecksumUnencrypted:  "unencrypted",
}

func (c ChecksumMode) String() string {
	if s, ok := checksumNames[c]; ok {
		return s
	}
	return fmt.Sprintf("checksum(%d)", uint8(c))
}

// ParseChecksum parses a checksum mode name. Unknown names fail with
// types.ErrIncompatibleLayout.
func ParseChecksum(s string) (ChecksumMode, error) {
	for mode, name := range checksumNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported checksum mode %q", types.ErrIncompatibleLayout, s)
}

// Covers reports whether a page stored with the given flags carries a
// checksum under this mode.
func (c ChecksumMode) Covers(flags uint8) bool {
	switch c {
	case ChecksumOn:
		return true
	case ChecksumUncompressed:
		return flags&FlagCompressed == 0
	case ChecksumUnencrypted:
		return flags&FlagEncrypted == 0
	default:
		return false
	}
}

// Layout is the physical layout a file is created with or declared to have.
type Layout struct {
	AllocationSize  int64
	Checksum        ChecksumMode
	LeafPageMax     int64
	InternalPageMax int64
	// FirstFit allocates from the lowest free extent that fits rather than
	// the smallest.
	FirstFit bool
}

// ValidAllocationSize reports whether n is a power of two within limits.
func ValidAllocationSize(n int64) bool {
	return n >= MinAllocationSize && n <= MaxAllocationSize && n&(n-1) == 0
}

// Validate checks that the layout can be serviced. A bad allocation size is
// an incompatible layout; page maxima that are not multiples of the
// allocation size are an allocation size mismatch.
func (l Layout) Validate() error {
	if !ValidAllocationSize(l.AllocationSize) {
		return fmt.Errorf("%w: allocation size %d is not a power of two in [%d, %d]",
			types.ErrIncompatibleLayout, l.AllocationSize, MinAllocationSize, MaxAllocationSize)
	}
	if _, ok := checksumNames[l.Checksum]; !ok {
		return fmt.Errorf("%w: checksum mode %d", types.ErrIncompatibleLayout, l.Checksum)
	}
	for name, max := range map[string]int64{"leaf_page_max": l.LeafPageMax, "internal_page_max": l.InternalPageMax} {
		if max <= 0 || max%l.AllocationSize != 0 {
			return fmt.Errorf("%w: %s %d is not a multiple of allocation size %d",
				types.ErrAllocationSizeMismatch, name, max, l.AllocationSize)
		}
	}
	return nil
}

// roundUp rounds n up to a multiple of the allocation size.
func (l Layout) roundUp(n int64) int64 {
	a := l.AllocationSize
	return (n + a - 1) / a * a
}
