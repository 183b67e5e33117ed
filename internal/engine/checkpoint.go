package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Checkpoint makes every committed change durable. Each modified file
// gets a new root and header generation, the catalog records the root of
// every open file and the write-ahead log is emptied.
//
// Objects staged by an uncommitted transaction are not part of a
// checkpoint.
func (s *Session) Checkpoint() error {
	c := s.conn
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return types.ErrConnectionClosed
	}
	return c.checkpoint()
}

func (c *Connection) checkpoint() error {
	c.ckptMu.Lock()
	defer c.ckptMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	handles := make([]*handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()
	slices.SortFunc(handles, func(a, b *handle) int { return strings.Compare(a.uri.String(), b.uri.String()) })

	log := logging.WithComponent("checkpoint")
	start := time.Now()
	var errs error
	flushed := 0
	for _, h := range handles {
		wrote, err := c.checkpointFile(h)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("checkpointing %s: %w", h.uri, err))
			continue
		}
		if wrote {
			flushed++
		}
	}
	if errs != nil {
		// The log still covers every change that did not reach a file.
		log.Error("checkpoint failed", "error", errs)
		return errs
	}
	if c.log != nil {
		if err := c.log.Truncate(); err != nil {
			return fmt.Errorf("truncating log: %w", err)
		}
	}
	log.Info("checkpoint complete", "files", len(handles), "flushed", flushed, "elapsed", time.Since(start))
	return nil
}

// checkpointFile writes a dirty file's tree and header and records the
// file's root in the catalog when it changed.
func (c *Connection) checkpointFile(h *handle) (bool, error) {
	mgr := h.tree.Manager()
	wrote := false
	if h.tree.Dirty() {
		root, err := h.tree.Flush()
		if err != nil {
			return false, err
		}
		if err := mgr.Checkpoint(root); err != nil {
			h.tree.Touch()
			return false, err
		}
		wrote = true
	}
	cp, ok, err := c.store.CheckpointOf(h.uri)
	if err != nil {
		return wrote, err
	}
	if ok && cp.Root == mgr.Root() && cp.Generation == mgr.Generation() {
		return wrote, nil
	}
	return wrote, c.store.RecordCheckpoint(h.uri, catalog.Checkpoint{
		Root:       mgr.Root(),
		Generation: mgr.Generation(),
		WrittenAt:  time.Now(),
	})
}
