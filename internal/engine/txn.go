package engine

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Txn is a catalog transaction. It owns the staged catalog edits, the data
// files created or attached for them and the URIs it has reserved.
// Nothing it holds is visible outside it until Commit.
type Txn struct {
	id   string
	conn *Connection

	batch    *catalog.Batch
	trees    map[string]*btree.Tree // staged files by URI
	created  []string               // paths of files created by this transaction
	dropped  []types.URI            // committed files removed by this transaction
	reserved []types.URI
	complete []string // tables that must be whole at commit
	done     bool
}

func newTxn(c *Connection) *Txn {
	return &Txn{
		id:    uuid.Must(uuid.NewV7()).String(),
		conn:  c,
		batch: catalog.NewBatch(),
		trees: make(map[string]*btree.Tree),
	}
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.id }

// view returns the catalog as this transaction sees it.
func (t *Txn) view() (catalog.View, error) {
	v, err := t.conn.store.View()
	if err != nil {
		return nil, err
	}
	t.batch.ApplyTo(v)
	return v, nil
}

// exists reports whether uri names an entry visible to this transaction.
func (t *Txn) exists(uri types.URI) (bool, error) {
	if e, ok := t.batch.Lookup(uri); ok {
		return e.Op == catalog.OpInsert, nil
	}
	return t.conn.store.Has(uri)
}

// claim reserves uris, all of which must be free of entries.
func (t *Txn) claim(uris []types.URI) error {
	for _, u := range uris {
		ok, err := t.exists(u)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", types.ErrNameInUse, u)
		}
	}
	return t.hold(uris)
}

// hold reserves uris against other transactions.
func (t *Txn) hold(uris []types.URI) error {
	if err := t.conn.reserve(t.id, uris); err != nil {
		return err
	}
	for _, u := range uris {
		if !slices.Contains(t.reserved, u) {
			t.reserved = append(t.reserved, u)
		}
	}
	return nil
}

// stage adds the edits of one call. Either all are staged or none.
func (t *Txn) stage(objs []catalog.Object, trees map[string]*btree.Tree) error {
	b := t.batch
	for i, o := range objs {
		if err := b.Insert(o.URI, o.Config); err != nil {
			for _, prev := range objs[:i] {
				b.Remove(prev.URI)
			}
			return err
		}
	}
	for k, tr := range trees {
		t.trees[k] = tr
	}
	return nil
}

func (t *Txn) markComplete(table string) {
	if !slices.Contains(t.complete, table) {
		t.complete = append(t.complete, table)
	}
}

// Commit applies every staged edit in one catalog transaction. On failure
// the transaction is rolled back and the catalog is left as it was.
func (t *Txn) Commit() error {
	if t.done {
		return types.ErrTxnDone
	}
	log := logging.WithTxn("engine", t.id)
	if t.batch.Len() == 0 {
		t.finish()
		return nil
	}

	c := t.conn
	// Drops wait for checkpoints so a dropped file is not flushed after it
	// is closed.
	c.ckptMu.Lock()
	defer c.ckptMu.Unlock()

	if err := c.store.Apply(t.batch, t.complete...); err != nil {
		log.Info("commit failed, rolling back", "error", err)
		t.abort()
		return err
	}

	c.mu.Lock()
	var closing []*handle
	for _, u := range t.dropped {
		if h, ok := c.handles[u.String()]; ok {
			closing = append(closing, h)
			delete(c.handles, u.String())
		}
	}
	var commitErr error
	for key, tr := range t.trees {
		uri, _ := types.ParseURI(key)
		id, err := c.store.FileID(uri)
		if err != nil {
			commitErr = errors.Join(commitErr, err)
			tr.Manager().Close()
			continue
		}
		cfg, err := c.store.Get(uri)
		if err != nil {
			commitErr = errors.Join(commitErr, err)
			tr.Manager().Close()
			continue
		}
		c.handles[key] = newHandle(uri, id, cfg, tr)
	}
	c.mu.Unlock()

	for _, h := range closing {
		h.tree.Manager().Close()
	}
	for _, u := range t.dropped {
		if err := os.Remove(c.path(u)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("removing dropped file", "uri", u, "error", err)
		}
	}
	log.Debug("committed", "edits", t.batch.Len(), "files", len(t.trees), "dropped", len(t.dropped))
	t.trees = nil
	t.finish()
	return commitErr
}

// Rollback discards every staged edit and closes and forgets every file
// staged by the transaction.
func (t *Txn) Rollback() error {
	if t.done {
		return types.ErrTxnDone
	}
	t.abort()
	return nil
}

func (t *Txn) abort() {
	for _, tr := range t.trees {
		tr.Manager().Close()
	}
	for _, p := range t.created {
		os.Remove(p)
	}
	logging.WithTxn("engine", t.id).Debug("rolled back", "edits", t.batch.Len())
	t.trees = nil
	t.batch.Reset()
	t.finish()
}

func (t *Txn) finish() {
	t.conn.unreserve(t.id, t.reserved)
	t.reserved = nil
	t.done = true
}

// entry returns the configuration of uri as this transaction sees it.
func (t *Txn) entry(uri types.URI) (*confstr.Record, error) {
	if e, ok := t.batch.Lookup(uri); ok {
		if e.Op == catalog.OpRemove {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, uri)
		}
		return e.Config, nil
	}
	return t.conn.store.Get(uri)
}
