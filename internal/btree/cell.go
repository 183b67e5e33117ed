// Package btree stores the records of one data file as a B-tree of leaf and
// interior pages.
//
// Records are held in memory as a sorted slice once a tree is loaded.
// Flush writes a fresh copy of the tree and releases the pages of the
// previous one, so the checkpoint on disk stays readable until the caller
// makes the new root durable with block.Manager.Checkpoint.
//
// See docs/ARCHITECTURE.md § Data Files.
package btree

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/svarint"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Item is one record.
type Item struct {
	Key   []byte
	Value []byte
}

// Child is one cell of an interior page: the smallest key reachable
// through the child and the child's address.
type Child struct {
	Key  []byte
	Addr block.Addr
}

func appendLeafCell(buf []byte, it Item) []byte {
	buf = svarint.AppendBytes(buf, it.Key)
	return svarint.AppendBytes(buf, it.Value)
}

func leafCellSize(it Item) int {
	return svarint.Length(len(it.Key)) + len(it.Key) + svarint.Length(len(it.Value)) + len(it.Value)
}

func appendInteriorCell(buf []byte, c Child) []byte {
	buf = svarint.AppendBytes(buf, c.Key)
	return block.AppendAddr(buf, c.Addr)
}

func interiorCellSize(c Child) int {
	return svarint.Length(len(c.Key)) + len(c.Key) + block.AddrSize
}

// DecodeLeaf decodes the n cells of a leaf page. The returned slices alias
// data.
func DecodeLeaf(data []byte, n uint32) ([]Item, error) {
	items := make([]Item, 0, n)
	for i := uint32(0); i < n; i++ {
		k, m, err := svarint.ReadBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf cell %d key: %v", types.ErrCorruptPage, i, err)
		}
		data = data[m:]
		v, m, err := svarint.ReadBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf cell %d value: %v", types.ErrCorruptPage, i, err)
		}
		data = data[m:]
		items = append(items, Item{Key: k, Value: v})
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d bytes after %d leaf cells", types.ErrCorruptPage, len(data), n)
	}
	return items, nil
}

// DecodeInterior decodes the n cells of an interior page.
func DecodeInterior(data []byte, n uint32) ([]Child, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: interior page without children", types.ErrCorruptPage)
	}
	children := make([]Child, 0, n)
	for i := uint32(0); i < n; i++ {
		k, m, err := svarint.ReadBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%w: interior cell %d key: %v", types.ErrCorruptPage, i, err)
		}
		data = data[m:]
		if len(data) < block.AddrSize {
			return nil, fmt.Errorf("%w: interior cell %d address truncated", types.ErrCorruptPage, i)
		}
		children = append(children, Child{Key: k, Addr: block.DecodeAddr(data)})
		data = data[block.AddrSize:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d bytes after %d interior cells", types.ErrCorruptPage, len(data), n)
	}
	return children, nil
}
