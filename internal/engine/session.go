package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Session is a single-goroutine context for catalog operations and
// cursors. Use one session per goroutine.
type Session struct {
	conn *Connection
	id   uuid.UUID
	txn  *Txn // explicit transaction, if any
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Begin starts an explicit transaction. Catalog changes made until Commit
// or Rollback are staged in it.
func (s *Session) Begin() error {
	if s.txn != nil {
		return types.ErrTxnActive
	}
	s.txn = newTxn(s.conn)
	logging.WithTxn("engine", s.txn.id).Debug("begin", "session", s.id)
	return nil
}

// Commit commits the explicit transaction.
func (s *Session) Commit() error {
	if s.txn == nil {
		return types.ErrTxnDone
	}
	t := s.txn
	s.txn = nil
	return t.Commit()
}

// Rollback discards the explicit transaction.
func (s *Session) Rollback() error {
	if s.txn == nil {
		return types.ErrTxnDone
	}
	t := s.txn
	s.txn = nil
	return t.Rollback()
}

// InTxn reports whether an explicit transaction is active.
func (s *Session) InTxn() bool { return s.txn != nil }

// run calls fn in the explicit transaction, or in a transaction of its own
// that commits when fn succeeds.
func (s *Session) run(fn func(t *Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	t := newTxn(s.conn)
	if err := fn(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

// Close rolls back an active transaction.
func (s *Session) Close() error {
	if s.txn != nil {
		return s.Rollback()
	}
	return nil
}

// Create adds an object to the catalog. A table without column groups
// also gets its default column group and data file; a column group gets
// its data file. Creating an existing object fails with types.ErrNameInUse.
func (s *Session) Create(uriText, config string) error {
	uri, err := types.ParseURI(uriText)
	if err != nil {
		return err
	}
	cfg, err := confstr.Parse(config)
	if err != nil {
		return err
	}
	return s.run(func(t *Txn) error {
		v, err := t.view()
		if err != nil {
			return err
		}
		objs, err := catalog.Plan(uri, cfg, v)
		if err != nil {
			return err
		}
		uris := make([]types.URI, len(objs))
		for i, o := range objs {
			uris[i] = o.URI
		}
		if err := t.claim(uris); err != nil {
			return err
		}

		trees := make(map[string]*btree.Tree)
		fail := func(err error) error {
			for _, tr := range trees {
				tr.Manager().Close()
			}
			return err
		}
		for _, o := range objs {
			if o.URI.Kind != types.KindFile {
				continue
			}
			tr, err := s.createFile(t, o, objs, v)
			if err != nil {
				return fail(err)
			}
			trees[o.URI.String()] = tr
		}
		if err := t.stage(objs, trees); err != nil {
			return fail(err)
		}
		logging.WithURI("engine", uri.String()).Debug("created", "entries", len(objs))
		return nil
	})
}

// createFile creates the data file for a planned file entry. Its
// descriptor records the file entry and the group and table it backs.
func (s *Session) createFile(t *Txn, file catalog.Object, objs []catalog.Object, v catalog.View) (*btree.Tree, error) {
	layout, err := catalog.FileLayout(file.Config)
	if err != nil {
		return nil, err
	}
	d := &catalog.Descriptor{File: file.Config}
	for _, o := range objs {
		if o.URI.Kind == types.KindColGroup {
			d.ColGroup = &catalog.Object{URI: o.URI, Config: o.Config}
			tableURI := types.TableURI(o.URI.Table())
			for _, p := range objs {
				if p.URI == tableURI {
					d.Table = &catalog.Object{URI: p.URI, Config: p.Config}
				}
			}
			if d.Table == nil {
				if cfg, ok := v[tableURI.String()]; ok {
					d.Table = &catalog.Object{URI: tableURI, Config: cfg}
				}
			}
		}
	}

	path := s.conn.path(file.URI)
	mgr, err := block.Create(path, layout, d.String())
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", file.URI, err)
	}
	t.created = append(t.created, path)
	tr, err := btree.Load(mgr)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	return tr, nil
}

// Drop removes an object from the catalog. Dropping a table removes its
// column groups and their files; dropping a column group removes its file.
// Data files are deleted when the drop commits. An object with open
// cursors fails with types.ErrObjectBusy.
func (s *Session) Drop(uriText string) error {
	uri, err := types.ParseURI(uriText)
	if err != nil {
		return err
	}
	return s.run(func(t *Txn) error {
		v, err := t.view()
		if err != nil {
			return err
		}
		if _, ok := v[uri.String()]; !ok {
			return fmt.Errorf("%w: %s", types.ErrNotFound, uri)
		}
		victims := []types.URI{uri}
		switch uri.Kind {
		case types.KindTable:
			for key, cfg := range v {
				u, err := types.ParseURI(key)
				if err != nil || u.Kind != types.KindColGroup || u.Table() != uri.Name {
					continue
				}
				victims = append(victims, u, sourceOf(u, cfg))
			}
		case types.KindColGroup:
			victims = append(victims, sourceOf(uri, v[uri.String()]))
		}
		if err := t.hold(victims); err != nil {
			return err
		}

		for _, u := range victims {
			if u.Kind != types.KindFile {
				continue
			}
			s.conn.mu.Lock()
			h, open := s.conn.handles[u.String()]
			s.conn.mu.Unlock()
			if open && h.busy() {
				return fmt.Errorf("%w: %s has open cursors", types.ErrObjectBusy, u)
			}
		}
		for _, u := range victims {
			if _, ok := v[u.String()]; !ok {
				continue
			}
			t.batch.Remove(u)
			if u.Kind != types.KindFile {
				continue
			}
			if tr, ok := t.trees[u.String()]; ok {
				// created or imported by this transaction
				tr.Manager().Close()
				delete(t.trees, u.String())
			}
			t.dropped = append(t.dropped, u)
		}
		return nil
	})
}

// sourceOf returns the file backing a column group.
func sourceOf(cg types.URI, cfg *confstr.Record) types.URI {
	if src, ok := cfg.GetString("source"); ok {
		if u, err := types.ParseURI(src); err == nil {
			return u
		}
	}
	return types.DefaultSource(cg)
}
