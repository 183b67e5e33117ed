package btree

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Tree is the record set of one data file.
type Tree struct {
	mgr *block.Manager

	mu    sync.RWMutex
	items []Item
	pages []block.Addr // pages of the tree as last loaded or flushed
	dirty bool
}

// Load reads every page reachable from the manager's checkpoint root.
// Pages are checksum verified as they are read.
func Load(mgr *block.Manager) (*Tree, error) {
	t := &Tree{mgr: mgr}
	root := mgr.Root()
	if root.IsZero() {
		return t, nil
	}
	if err := t.load(root, 0, -1); err != nil {
		return nil, fmt.Errorf("loading %s: %w", mgr.Path(), err)
	}
	return t, nil
}

func (t *Tree) load(addr block.Addr, depth, level int) error {
	buf, err := t.mgr.ReadVerified(addr)
	if err != nil {
		return err
	}
	ph, err := block.DecodePageHeader(buf)
	if err != nil {
		return err
	}
	if level >= 0 && int(ph.Level) != level {
		return fmt.Errorf("%w: page at %s has level %d, expected %d", types.ErrCorruptPage, addr, ph.Level, level)
	}
	t.pages = append(t.pages, addr)
	data := block.PageData(buf, ph)
	switch ph.Type {
	case block.PageLeaf:
		items, err := DecodeLeaf(data, ph.Entries)
		if err != nil {
			return err
		}
		for _, it := range items {
			t.items = append(t.items, Item{Key: bytes.Clone(it.Key), Value: bytes.Clone(it.Value)})
		}
	case block.PageInterior:
		children, err := DecodeInterior(data, ph.Entries)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := t.load(c.Addr, depth+1, int(ph.Level)-1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: page type %d in tree at %s", types.ErrCorruptPage, ph.Type, addr)
	}
	return nil
}

// Manager returns the block manager the tree is stored in.
func (t *Tree) Manager() *block.Manager { return t.mgr }

func (t *Tree) search(key []byte) (int, bool) {
	i := sort.Search(len(t.items), func(i int) bool { return bytes.Compare(t.items[i].Key, key) >= 0 })
	return i, i < len(t.items) && bytes.Equal(t.items[i].Key, key)
}

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.search(key)
	if !ok {
		return nil, false
	}
	return t.items[i].Value, true
}

// Put inserts or replaces a record.
func (t *Tree) Put(key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it := Item{Key: bytes.Clone(key), Value: bytes.Clone(value)}
	// Slices handed out by Seek and Items are never written to.
	i, ok := t.search(key)
	if ok {
		items := slices.Clone(t.items)
		items[i] = it
		t.items = items
	} else {
		t.items = slices.Insert(slices.Clip(t.items), i, it)
	}
	t.dirty = true
}

// Remove deletes the record stored under key.
func (t *Tree) Remove(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.search(key)
	if !ok {
		return false
	}
	t.items = slices.Delete(slices.Clone(t.items), i, i+1)
	t.dirty = true
	return true
}

// Len returns the number of records.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Dirty reports whether the tree has changed since it was loaded or flushed.
func (t *Tree) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// Seek returns the records from the first key not less than key onwards.
// The returned slice must not be modified.
func (t *Tree) Seek(key []byte) []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, _ := t.search(key)
	return t.items[i:len(t.items):len(t.items)]
}

// Items returns every record in key order. The slice must not be modified.
func (t *Tree) Items() []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items[:len(t.items):len(t.items)]
}

// Flush writes the tree to new pages and returns the new root. The pages
// of the previous version are freed; the caller makes the root durable
// with block.Manager.Checkpoint. A clean tree returns its current root.
func (t *Tree) Flush() (block.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return t.mgr.Root(), nil
	}

	w := writer{mgr: t.mgr, layout: t.mgr.Layout()}
	root, err := w.write(t.items)
	if err != nil {
		for _, a := range w.written {
			t.mgr.Free(a)
		}
		return block.Addr{}, err
	}
	for _, a := range t.pages {
		t.mgr.Free(a)
	}
	t.pages = w.written
	t.dirty = false
	return root, nil
}

// Touch marks the tree modified so the next Flush rewrites it. It is used
// when a flushed root could not be made durable.
func (t *Tree) Touch() {
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}
