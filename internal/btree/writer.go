package btree

import (
	"github.com/mesh-intelligence/cellar/internal/block"
)

// writer lays a sorted record set out as pages, leaves first.
type writer struct {
	mgr     *block.Manager
	layout  block.Layout
	written []block.Addr
}

func (w *writer) write(items []Item) (block.Addr, error) {
	level, err := w.leaves(items)
	if err != nil {
		return block.Addr{}, err
	}
	for depth := uint8(1); len(level) > 1; depth++ {
		if level, err = w.interior(level, depth); err != nil {
			return block.Addr{}, err
		}
	}
	return level[0].Addr, nil
}

func (w *writer) leaves(items []Item) ([]Child, error) {
	limit := int(w.layout.LeafPageMax) - block.PageHeaderSize
	var (
		out   []Child
		cells []byte
		first []byte
		n     uint32
	)
	flush := func() error {
		addr, err := w.page(block.PageHeader{Type: block.PageLeaf, Entries: n}, cells)
		if err != nil {
			return err
		}
		out = append(out, Child{Key: first, Addr: addr})
		cells, first, n = nil, nil, 0
		return nil
	}
	for _, it := range items {
		if n > 0 && len(cells)+leafCellSize(it) > limit {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if n == 0 {
			first = it.Key
		}
		cells = appendLeafCell(cells, it)
		n++
	}
	if n > 0 || len(out) == 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (w *writer) interior(children []Child, level uint8) ([]Child, error) {
	limit := int(w.layout.InternalPageMax) - block.PageHeaderSize
	var (
		out   []Child
		cells []byte
		first []byte
		n     uint32
	)
	flush := func() error {
		addr, err := w.page(block.PageHeader{Type: block.PageInterior, Level: level, Entries: n}, cells)
		if err != nil {
			return err
		}
		out = append(out, Child{Key: first, Addr: addr})
		cells, first, n = nil, nil, 0
		return nil
	}
	for _, c := range children {
		// Keep at least two children per page so every level shrinks.
		if n > 1 && len(cells)+interiorCellSize(c) > limit {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if n == 0 {
			first = c.Key
		}
		cells = appendInteriorCell(cells, c)
		n++
	}
	if n > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (w *writer) page(hdr block.PageHeader, cells []byte) (block.Addr, error) {
	addr, err := w.mgr.Write(block.EncodePage(hdr, cells))
	if err != nil {
		return block.Addr{}, err
	}
	w.written = append(w.written, addr)
	return addr, nil
}
