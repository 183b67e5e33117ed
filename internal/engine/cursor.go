package engine

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/pack"
	"github.com/mesh-intelligence/cellar/internal/wal"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Cursor reads and writes the records of a committed file or table. Keys
// and values are packed with the object's key_format and value_format.
//
// A table cursor spreads each value across the files of the table's
// column groups and reassembles it on read. Writes apply at once; they are
// not part of the session's transaction. On objects configured with
// log=(enabled=true) they are logged first when the connection has a
// write-ahead log.
type Cursor struct {
	s      *Session
	uri    types.URI
	keyFmt *pack.Format
	valFmt *pack.Format
	parts  []part

	snap   []btree.Item
	pos    int
	key    []byte
	value  []byte
	closed bool
}

// part is one file holding some of a cursor's value columns.
type part struct {
	h      *handle
	idx    []int // positions of the file's columns in the full value
	format *pack.Format
}

// OpenCursor opens a cursor on a file: or table: URI. Objects staged by an
// uncommitted transaction are not visible.
func (s *Session) OpenCursor(uriText string) (*Cursor, error) {
	uri, err := types.ParseURI(uriText)
	if err != nil {
		return nil, err
	}
	c := s.conn
	cfg, err := c.store.Get(uri)
	if err != nil {
		return nil, err
	}
	cur := &Cursor{s: s, uri: uri, pos: -1}

	switch uri.Kind {
	case types.KindFile:
		if cur.keyFmt, cur.valFmt, err = formats(cfg); err != nil {
			return nil, err
		}
		h, err := c.handle(uri)
		if err != nil {
			return nil, err
		}
		cur.parts = []part{{h: h, format: cur.valFmt}}

	case types.KindTable:
		schema, err := catalog.TableSchema(uri.Name, cfg)
		if err != nil {
			return nil, err
		}
		cur.keyFmt, cur.valFmt = schema.KeyFormat, schema.ValueFormat
		groups := schema.ColGroups
		if len(groups) == 0 {
			groups = []string{""}
		}
		for _, g := range groups {
			p, err := c.groupPart(types.ColGroupURI(uri.Name, g), schema)
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", uri, err)
			}
			cur.parts = append(cur.parts, p)
		}

	default:
		return nil, fmt.Errorf("%w: cursors open on file: and table: objects, not %s", types.ErrInvalidURI, uri)
	}

	for _, p := range cur.parts {
		p.h.acquire()
	}
	return cur, nil
}

func (c *Connection) groupPart(cg types.URI, schema *catalog.Schema) (part, error) {
	cfg, err := c.store.Get(cg)
	if err != nil {
		return part{}, err
	}
	cols, err := cfg.GetList("columns")
	if err != nil {
		return part{}, err
	}
	idx, err := schema.GroupIndices(cols)
	if err != nil {
		return part{}, err
	}
	vf, err := schema.GroupValueFormat(cols)
	if err != nil {
		return part{}, err
	}
	h, err := c.handle(sourceOf(cg, cfg))
	if err != nil {
		return part{}, err
	}
	return part{h: h, idx: idx, format: vf}, nil
}

func formats(cfg *confstr.Record) (*pack.Format, *pack.Format, error) {
	kf, _ := cfg.GetString("key_format")
	key, err := pack.ParseFormat(kf)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key_format=%s: %v", types.ErrIncompatibleLayout, kf, err)
	}
	vf, _ := cfg.GetString("value_format")
	val, err := pack.ParseFormat(vf)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: value_format=%s: %v", types.ErrIncompatibleLayout, vf, err)
	}
	return key, val, nil
}

// URI returns the object the cursor is open on.
func (c *Cursor) URI() types.URI { return c.uri }

// direct reports whether values are stored unsplit in a single file.
func (c *Cursor) direct() bool {
	if len(c.parts) != 1 {
		return false
	}
	idx := c.parts[0].idx
	for i, n := range idx {
		if n != i {
			return false
		}
	}
	return idx == nil || len(idx) == c.valFmt.Len()
}

// split divides a packed value into one packed value per part.
func (c *Cursor) split(value []byte) ([][]byte, error) {
	if c.direct() {
		return [][]byte{value}, nil
	}
	vals, err := c.valFmt.Unpack(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.uri, err)
	}
	out := make([][]byte, len(c.parts))
	for i, p := range c.parts {
		sub := make([]any, len(p.idx))
		for j, n := range p.idx {
			sub[j] = vals[n]
		}
		if out[i], err = p.format.Pack(sub...); err != nil {
			return nil, fmt.Errorf("%s: %w", p.h.uri, err)
		}
	}
	return out, nil
}

// assemble reads key from every part and packs the full value.
func (c *Cursor) assemble(key []byte) ([]byte, error) {
	if c.direct() {
		v, ok := c.parts[0].h.tree.Get(key)
		if !ok {
			return nil, types.ErrKeyNotFound
		}
		return v, nil
	}
	vals := make([]any, c.valFmt.Len())
	for _, p := range c.parts {
		raw, ok := p.h.tree.Get(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no record for the key", types.ErrKeyNotFound, p.h.uri)
		}
		sub, err := p.format.Unpack(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.h.uri, err)
		}
		for j, n := range p.idx {
			vals[n] = sub[j]
		}
	}
	return c.valFmt.Pack(vals...)
}

func (c *Cursor) check() error {
	if c.closed {
		return fmt.Errorf("%w: cursor on %s", types.ErrConnectionClosed, c.uri)
	}
	return nil
}

// Set inserts or replaces the record for key.
func (c *Cursor) Set(key, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	vals, err := c.split(value)
	if err != nil {
		return err
	}
	return c.apply(wal.OpPut, key, vals)
}

// Remove deletes the record for key. It returns types.ErrKeyNotFound when
// there is none.
func (c *Cursor) Remove(key []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := c.parts[0].h.tree.Get(key); !ok {
		return fmt.Errorf("%w: %s", types.ErrKeyNotFound, c.uri)
	}
	return c.apply(wal.OpRemove, key, nil)
}

// apply logs and applies one change to every part.
func (c *Cursor) apply(op string, key []byte, vals [][]byte) error {
	conn := c.s.conn
	conn.writeMu.RLock()
	defer conn.writeMu.RUnlock()

	if conn.log != nil {
		var txn string
		if c.s.txn != nil {
			txn = c.s.txn.id
		}
		var recs []wal.Record
		for i, p := range c.parts {
			if !p.h.logged {
				continue
			}
			r := wal.Record{Txn: txn, FileID: p.h.fileID.String(), URI: p.h.uri.String(), Op: op, Key: key}
			if vals != nil {
				r.Value = vals[i]
			}
			recs = append(recs, r)
		}
		if len(recs) > 0 {
			if err := conn.log.Append(recs...); err != nil {
				return fmt.Errorf("logging change to %s: %w", c.uri, err)
			}
		}
	}
	for i, p := range c.parts {
		switch op {
		case wal.OpPut:
			p.h.tree.Put(key, vals[i])
		case wal.OpRemove:
			p.h.tree.Remove(key)
		}
	}
	return nil
}

// Search positions the cursor on key. It returns types.ErrKeyNotFound
// when there is no such record.
func (c *Cursor) Search(key []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	v, err := c.assemble(key)
	if err != nil {
		return err
	}
	c.key, c.value = key, v
	return nil
}

// Next moves to the next record in key order. The records visited are
// those present when iteration started. It returns
// types.ErrCursorExhausted after the last record.
func (c *Cursor) Next() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.pos < 0 {
		c.snap = c.parts[0].h.tree.Items()
	}
	c.pos++
	if c.pos >= len(c.snap) {
		c.key, c.value = nil, nil
		c.pos = len(c.snap)
		return types.ErrCursorExhausted
	}
	it := c.snap[c.pos]
	v := it.Value
	if !c.direct() {
		var err error
		if v, err = c.assemble(it.Key); err != nil {
			return err
		}
	}
	c.key, c.value = it.Key, v
	return nil
}

// Reset returns the cursor to its unpositioned state.
func (c *Cursor) Reset() {
	c.snap, c.pos, c.key, c.value = nil, -1, nil, nil
}

// Key returns the key of the current record.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the packed value of the current record.
func (c *Cursor) Value() []byte { return c.value }

// Put packs key and value with the object's formats and sets the record.
func (c *Cursor) Put(key, value []any) error {
	k, err := c.keyFmt.Pack(key...)
	if err != nil {
		return fmt.Errorf("%s key: %w", c.uri, err)
	}
	v, err := c.valFmt.Pack(value...)
	if err != nil {
		return fmt.Errorf("%s value: %w", c.uri, err)
	}
	return c.Set(k, v)
}

// Get packs key, searches for it and returns the unpacked value.
func (c *Cursor) Get(key ...any) ([]any, error) {
	k, err := c.keyFmt.Pack(key...)
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", c.uri, err)
	}
	if err := c.Search(k); err != nil {
		return nil, err
	}
	return c.valFmt.Unpack(c.value)
}

// Entry returns the current record unpacked.
func (c *Cursor) Entry() (key, value []any, err error) {
	if c.key == nil {
		return nil, nil, fmt.Errorf("%w: cursor on %s is not positioned", types.ErrKeyNotFound, c.uri)
	}
	if key, err = c.keyFmt.Unpack(c.key); err != nil {
		return nil, nil, err
	}
	if value, err = c.valFmt.Unpack(c.value); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

// Close releases the cursor's files.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, p := range c.parts {
		p.h.release()
	}
	return nil
}

// KeyFormat returns the format keys are packed with.
func (c *Cursor) KeyFormat() *pack.Format { return c.keyFmt }

// ValueFormat returns the format values are packed with.
func (c *Cursor) ValueFormat() *pack.Format { return c.valFmt }
