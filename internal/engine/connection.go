// Package engine ties the catalog, the data files and the write-ahead log
// into a database connection. Sessions create, drop, import, verify and
// checkpoint objects and open cursors on them.
//
// Catalog changes go through transactions: a session either groups calls
// between Begin and Commit or runs each call in a transaction of its own.
// Staged changes touch neither the catalog nor the set of open files until
// commit, so a checkpoint never sees them.
//
// See docs/ARCHITECTURE.md § Engine.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/internal/wal"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// LockFileName marks a data directory as open.
const LockFileName = "cellar.lock"

// Connection is an open database.
type Connection struct {
	cfg   types.Config
	store *catalog.Store
	log   *wal.Log // nil when the log is disabled

	// writeMu is held shared by record writes and exclusively by
	// checkpoints, so a checkpoint sees no half-logged change.
	writeMu sync.RWMutex
	ckptMu  sync.Mutex

	mu       sync.Mutex
	handles  map[string]*handle // committed files by URI
	reserved map[string]string  // URI -> id of the transaction holding it
	closed   bool
}

// handle is an open, committed data file.
type handle struct {
	uri    types.URI
	fileID uuid.UUID
	cfg    *confstr.Record
	tree   *btree.Tree
	logged bool

	mu      sync.Mutex
	cursors int
}

func (h *handle) acquire() {
	h.mu.Lock()
	h.cursors++
	h.mu.Unlock()
}

func (h *handle) release() {
	h.mu.Lock()
	h.cursors--
	h.mu.Unlock()
}

func (h *handle) busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursors > 0
}

// Open opens the database in cfg.DataDir, creating it if needed, and
// replays changes logged since the last checkpoint.
func Open(cfg types.Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	store, err := catalog.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:      cfg,
		store:    store,
		handles:  make(map[string]*handle),
		reserved: make(map[string]string),
	}
	if cfg.WAL.Enabled {
		if c.log, err = wal.Open(cfg.DataDir); err != nil {
			store.Close()
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(cfg.DataDir, LockFileName), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	if err := c.recover(); err != nil {
		c.shutdown()
		return nil, err
	}
	logging.WithComponent("engine").Info("opened database", "data_dir", cfg.DataDir, "wal", cfg.WAL.Enabled)
	return c, nil
}

// recover replays logged changes into the files they belong to.
func (c *Connection) recover() error {
	if c.log == nil {
		return nil
	}
	recs := c.log.Pending()
	if len(recs) == 0 {
		return nil
	}
	log := logging.WithComponent("engine")
	applied := 0
	for _, r := range recs {
		uri, err := types.ParseURI(r.URI)
		if err != nil {
			return fmt.Errorf("log record %d: %w", r.LSN, err)
		}
		h, err := c.handle(uri)
		if err != nil {
			log.Warn("skipping log record for missing object", "lsn", r.LSN, "uri", r.URI, "error", err)
			continue
		}
		if h.fileID.String() != r.FileID {
			continue
		}
		switch r.Op {
		case wal.OpPut:
			h.tree.Put(r.Key, r.Value)
		case wal.OpRemove:
			h.tree.Remove(r.Key)
		}
		applied++
	}
	log.Info("replayed log", "records", len(recs), "applied", applied)
	return nil
}

// Config returns the connection configuration.
func (c *Connection) Config() types.Config { return c.cfg }

// OpenSession returns a new session.
func (c *Connection) OpenSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.ErrConnectionClosed
	}
	return &Session{conn: c, id: uuid.Must(uuid.NewV7())}, nil
}

// path returns the location of a data file.
func (c *Connection) path(file types.URI) string {
	return filepath.Join(c.cfg.DataDir, file.Name)
}

// handle returns the open handle of a committed file, attaching the file
// on first use.
func (c *Connection) handle(file types.URI) (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.ErrConnectionClosed
	}
	if h, ok := c.handles[file.String()]; ok {
		return h, nil
	}
	cfg, err := c.store.Get(file)
	if err != nil {
		return nil, err
	}
	layout, err := catalog.FileLayout(cfg)
	if err != nil {
		return nil, err
	}
	id, err := c.store.FileID(file)
	if err != nil {
		return nil, err
	}
	mgr, err := block.Attach(c.path(file), layout, block.AttachOptions{TolerateAllocationMismatch: c.cfg.TolerateAllocationMismatch})
	if err != nil {
		return nil, err
	}
	if cp, ok, err := c.store.CheckpointOf(file); err == nil && ok && cp.Root != mgr.Root() {
		logging.WithURI("engine", file.String()).Warn("file root differs from the catalog checkpoint",
			"file_root", mgr.Root(), "catalog_root", cp.Root, "catalog_generation", cp.Generation)
	}
	tree, err := btree.Load(mgr)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	h := newHandle(file, id, cfg, tree)
	c.handles[file.String()] = h
	return h, nil
}

func newHandle(file types.URI, id uuid.UUID, cfg *confstr.Record, tree *btree.Tree) *handle {
	logged, _ := cfg.GetBool("log.enabled")
	return &handle{uri: file, fileID: id, cfg: cfg, tree: tree, logged: logged}
}

// reserve claims uris for a transaction. It fails with types.ErrNameInUse
// when another transaction holds one of them; on failure nothing is
// claimed.
func (c *Connection) reserve(txnID string, uris []types.URI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range uris {
		if owner, ok := c.reserved[u.String()]; ok && owner != txnID {
			return fmt.Errorf("%w: %s is being changed by another transaction", types.ErrNameInUse, u)
		}
	}
	for _, u := range uris {
		c.reserved[u.String()] = txnID
	}
	return nil
}

func (c *Connection) unreserve(txnID string, uris []types.URI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range uris {
		if c.reserved[u.String()] == txnID {
			delete(c.reserved, u.String())
		}
	}
}

// Close checkpoints every open file and closes the database.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.checkpoint()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdown()
	if err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	logging.WithComponent("engine").Info("closed database", "data_dir", c.cfg.DataDir)
	return nil
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	handles := c.handles
	c.handles = map[string]*handle{}
	c.mu.Unlock()
	for _, h := range handles {
		h.tree.Manager().Close()
	}
	if c.log != nil {
		c.log.Close()
	}
	c.store.Close()
	os.Remove(filepath.Join(c.cfg.DataDir, LockFileName))
}
