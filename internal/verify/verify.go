// Package verify walks the page tree of a data file and checks that it is
// structurally sound: checksums match, page headers agree with their
// contents, keys are in order and no two pages share space.
//
// Verification never writes to the file.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Report summarises a successful verification.
type Report struct {
	Path          string
	LeafPages     int
	InteriorPages int
	Depth         int
	Records       int64
	Bytes         int64 // bytes held by tree pages
	FreeBytes     int64
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: %d records, %d leaf and %d interior pages, depth %d, %d bytes in use, %d free",
		r.Path, r.Records, r.LeafPages, r.InteriorPages, r.Depth, r.Bytes, r.FreeBytes)
}

type walker struct {
	ctx     context.Context
	mgr     *block.Manager
	report  *Report
	spans   []span
	lastKey []byte
	seen    bool
}

type span struct {
	off, end uint64
	what     string
}

// Verify checks the checkpointed tree of mgr. It returns the first problem
// found: types.ErrChecksumMismatch, types.ErrOrderingViolation or
// types.ErrCorruptPage, wrapped with the page address. Cancelling ctx stops
// the walk between pages.
func Verify(ctx context.Context, mgr *block.Manager) (*Report, error) {
	w := &walker{ctx: ctx, mgr: mgr, report: &Report{Path: mgr.Path()}}
	for _, a := range mgr.Reserved() {
		w.spans = append(w.spans, span{off: a.Offset, end: a.End(), what: "reserved"})
		if a.Offset != 0 {
			w.report.FreeBytes += int64(a.Size)
		}
	}

	root := mgr.Root()
	if !root.IsZero() {
		depth, err := w.visit(root, nil, nil, -1)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", mgr.Path(), err)
		}
		w.report.Depth = depth
	}
	if err := w.checkOverlap(); err != nil {
		return nil, fmt.Errorf("verify %s: %w", mgr.Path(), err)
	}

	logging.WithComponent("verify").Debug("verified", "path", mgr.Path(),
		"records", w.report.Records, "depth", w.report.Depth)
	return w.report, nil
}

// visit checks the subtree at addr, whose keys must lie in [low, high)
// (nil bounds are open), and returns its depth.
func (w *walker) visit(addr block.Addr, low, high []byte, level int) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	buf, err := w.mgr.ReadRaw(addr)
	if err != nil {
		return 0, err
	}
	if err := w.mgr.VerifyChecksum(addr, buf); err != nil {
		return 0, err
	}
	ph, err := block.DecodePageHeader(buf)
	if err != nil {
		return 0, fmt.Errorf("page at %s: %w", addr, err)
	}
	if ph.Flags&block.FlagCompressed != 0 {
		return 0, fmt.Errorf("%w: compressed page at %s", types.ErrIncompatibleLayout, addr)
	}
	if level >= 0 && int(ph.Level) != level {
		return 0, fmt.Errorf("%w: page at %s has level %d, parent expects %d", types.ErrCorruptPage, addr, ph.Level, level)
	}
	w.spans = append(w.spans, span{off: addr.Offset, end: addr.End(), what: fmt.Sprintf("page %s", addr)})
	w.report.Bytes += int64(addr.Size)
	data := block.PageData(buf, ph)

	switch ph.Type {
	case block.PageLeaf:
		w.report.LeafPages++
		items, err := btree.DecodeLeaf(data, ph.Entries)
		if err != nil {
			return 0, fmt.Errorf("page at %s: %w", addr, err)
		}
		for i, it := range items {
			if err := w.checkKey(addr, i, it.Key, low, high); err != nil {
				return 0, err
			}
		}
		w.report.Records += int64(len(items))
		return 1, nil

	case block.PageInterior:
		w.report.InteriorPages++
		children, err := btree.DecodeInterior(data, ph.Entries)
		if err != nil {
			return 0, fmt.Errorf("page at %s: %w", addr, err)
		}
		depth := 0
		for i, c := range children {
			if i > 0 && bytes.Compare(children[i-1].Key, c.Key) >= 0 {
				return 0, fmt.Errorf("%w: page at %s separator %d is not above separator %d",
					types.ErrOrderingViolation, addr, i, i-1)
			}
			if !inBounds(c.Key, low, high) {
				return 0, fmt.Errorf("%w: page at %s separator %d lies outside its parent range",
					types.ErrOrderingViolation, addr, i)
			}
			childLow, childHigh := c.Key, high
			if i+1 < len(children) {
				childHigh = children[i+1].Key
			}
			if i == 0 && low != nil {
				childLow = low
			}
			d, err := w.visit(c.Addr, childLow, childHigh, int(ph.Level)-1)
			if err != nil {
				return 0, err
			}
			if i > 0 && d != depth {
				return 0, fmt.Errorf("%w: page at %s has subtrees of depth %d and %d", types.ErrCorruptPage, addr, depth, d)
			}
			depth = d
		}
		return depth + 1, nil

	default:
		return 0, fmt.Errorf("%w: page at %s has type %d inside the tree", types.ErrCorruptPage, addr, ph.Type)
	}
}

func (w *walker) checkKey(addr block.Addr, i int, key, low, high []byte) error {
	if w.seen && bytes.Compare(w.lastKey, key) >= 0 {
		return fmt.Errorf("%w: page at %s cell %d key %x does not follow %x",
			types.ErrOrderingViolation, addr, i, key, w.lastKey)
	}
	if !inBounds(key, low, high) {
		return fmt.Errorf("%w: page at %s cell %d key %x lies outside its parent range",
			types.ErrOrderingViolation, addr, i, key)
	}
	w.lastKey, w.seen = key, true
	return nil
}

func inBounds(key, low, high []byte) bool {
	if low != nil && bytes.Compare(key, low) < 0 {
		return false
	}
	return high == nil || bytes.Compare(key, high) < 0
}

func (w *walker) checkOverlap() error {
	sort.Slice(w.spans, func(i, j int) bool { return w.spans[i].off < w.spans[j].off })
	for i := 1; i < len(w.spans); i++ {
		prev, cur := w.spans[i-1], w.spans[i]
		if cur.off < prev.end {
			return fmt.Errorf("%w: %s overlaps %s", types.ErrCorruptPage, cur.what, prev.what)
		}
	}
	return nil
}
