package catalog

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Op is the kind of a staged catalog edit.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Edit is one staged change to the catalog.
type Edit struct {
	Op     Op
	URI    types.URI
	Config *confstr.Record // nil for OpRemove
}

// Batch is an ordered list of staged edits, indexed by URI. At most one
// edit per URI is kept: staging a removal of a staged insert cancels the
// insert. A Batch is applied with Store.Apply or discarded as a whole.
type Batch struct {
	edits []Edit
	index map[string]int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{index: make(map[string]int)}
}

// Insert stages a new entry. It fails with types.ErrNameInUse when the URI
// already has a staged insert.
func (b *Batch) Insert(uri types.URI, cfg *confstr.Record) error {
	key := uri.String()
	if i, ok := b.index[key]; ok {
		if b.edits[i].Op == OpInsert {
			return fmt.Errorf("%w: %s is already staged", types.ErrNameInUse, key)
		}
		// remove then insert replaces the entry
		b.drop(i)
		b.append(Edit{Op: OpRemove, URI: uri})
	}
	b.append(Edit{Op: OpInsert, URI: uri, Config: cfg.Clone()})
	return nil
}

// Remove stages the removal of an entry.
func (b *Batch) Remove(uri types.URI) {
	key := uri.String()
	if i, ok := b.index[key]; ok {
		e := b.edits[i]
		b.drop(i)
		if e.Op == OpInsert {
			return
		}
	}
	b.append(Edit{Op: OpRemove, URI: uri})
}

func (b *Batch) append(e Edit) {
	b.edits = append(b.edits, e)
	b.index[e.URI.String()] = len(b.edits) - 1
}

func (b *Batch) drop(i int) {
	delete(b.index, b.edits[i].URI.String())
	b.edits = append(b.edits[:i], b.edits[i+1:]...)
	for j := i; j < len(b.edits); j++ {
		b.index[b.edits[j].URI.String()] = j
	}
}

// Lookup returns the edit staged for uri.
func (b *Batch) Lookup(uri types.URI) (Edit, bool) {
	i, ok := b.index[uri.String()]
	if !ok {
		return Edit{}, false
	}
	return b.edits[i], true
}

// Edits returns the staged edits in staging order.
func (b *Batch) Edits() []Edit {
	return append([]Edit(nil), b.edits...)
}

// Len returns the number of staged edits.
func (b *Batch) Len() int { return len(b.edits) }

// Reset discards every staged edit.
func (b *Batch) Reset() {
	b.edits = nil
	b.index = make(map[string]int)
}

// ApplyTo applies the staged edits to a view in place.
func (b *Batch) ApplyTo(v View) {
	for _, e := range b.edits {
		switch e.Op {
		case OpInsert:
			v[e.URI.String()] = e.Config
		case OpRemove:
			delete(v, e.URI.String())
		}
	}
}
