// Package catalog stores the catalog of a database: one configuration
// entry per object URI, the identity of every registered data file and the
// root each file was last checkpointed at.
//
// The catalog lives in a SQLite database inside the data directory so that
// a batch of staged edits commits or rolls back as one transaction.
//
// See docs/ARCHITECTURE.md § Catalog.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// FileName is the name of the catalog database inside the data directory.
const FileName = "cellar.db"

// Entry is one catalog row as exposed by the metadata cursor.
type Entry struct {
	URI    string
	Config string
}

// Checkpoint is the durable root recorded for a data file.
type Checkpoint struct {
	Root       block.Addr
	Generation uint64
	WrittenAt  time.Time
}

// Store is the catalog database.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens or creates the catalog in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating catalog schema: %w", err)
		}
	}
	logging.WithComponent("catalog").Debug("opened catalog", "path", path)
	return &Store{db: db}, nil
}

// Close closes the catalog database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Text returns the configuration text stored for uri.
func (s *Store) Text(uri types.URI) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", types.ErrConnectionClosed
	}
	var text string
	err := s.db.QueryRow(`SELECT config FROM metadata WHERE uri = ?`, uri.String()).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", types.ErrNotFound, uri)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", uri, err)
	}
	return text, nil
}

// Get returns the parsed configuration stored for uri.
func (s *Store) Get(uri types.URI) (*confstr.Record, error) {
	text, err := s.Text(uri)
	if err != nil {
		return nil, err
	}
	return confstr.Parse(text)
}

// Has reports whether uri has an entry.
func (s *Store) Has(uri types.URI) (bool, error) {
	_, err := s.Text(uri)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every entry sorted by URI.
func (s *Store) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, types.ErrConnectionClosed
	}
	return listEntries(s.db)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func listEntries(q queryer) ([]Entry, error) {
	rows, err := q.Query(`SELECT uri, config FROM metadata ORDER BY uri`)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.URI, &e.Config); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func viewOf(q queryer) (View, error) {
	entries, err := listEntries(q)
	if err != nil {
		return nil, err
	}
	v := make(View, len(entries))
	for _, e := range entries {
		rec, err := confstr.Parse(e.Config)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %s: %w", e.URI, err)
		}
		v[e.URI] = rec
	}
	return v, nil
}

// View returns every entry parsed.
func (s *Store) View() (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, types.ErrConnectionClosed
	}
	return viewOf(s.db)
}

// Apply commits a batch in one transaction. An insert of an existing URI
// fails with types.ErrNameInUse and a removal of a missing one with
// types.ErrNotFound. After the edits, CheckIntegrity runs over the
// resulting catalog with the tables in complete; any failure leaves the
// catalog unchanged.
func (s *Store) Apply(b *Batch, complete ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return types.ErrConnectionClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning catalog transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range b.edits {
		key := e.URI.String()
		switch e.Op {
		case OpInsert:
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM metadata WHERE uri = ?`, key).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", types.ErrNameInUse, key)
			}
			if _, err := tx.Exec(`INSERT INTO metadata (uri, kind, config, created_at) VALUES (?, ?, ?, ?)`,
				key, string(e.URI.Kind), e.Config.String(), now); err != nil {
				return fmt.Errorf("inserting %s: %w", key, err)
			}
			if e.URI.Kind == types.KindFile {
				if _, err := tx.Exec(`INSERT INTO files (uri, file_id) VALUES (?, ?)`,
					key, uuid.Must(uuid.NewV7()).String()); err != nil {
					return fmt.Errorf("registering %s: %w", key, err)
				}
			}
		case OpRemove:
			res, err := tx.Exec(`DELETE FROM metadata WHERE uri = ?`, key)
			if err != nil {
				return fmt.Errorf("removing %s: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %s", types.ErrNotFound, key)
			}
		}
	}

	v, err := viewOf(tx)
	if err != nil {
		return err
	}
	if err := CheckIntegrity(v, complete...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing catalog: %w", err)
	}
	return nil
}

// FileID returns the identity assigned to a file entry when it was
// registered.
func (s *Store) FileID(uri types.URI) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return uuid.Nil, types.ErrConnectionClosed
	}
	var id string
	err := s.db.QueryRow(`SELECT file_id FROM files WHERE uri = ?`, uri.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: %s", types.ErrNotFound, uri)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

// RecordCheckpoint stores the durable root of a file.
func (s *Store) RecordCheckpoint(uri types.URI, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return types.ErrConnectionClosed
	}
	_, err := s.db.Exec(`INSERT INTO checkpoints (uri, root_offset, root_size, root_checksum, generation, written_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET root_offset = excluded.root_offset, root_size = excluded.root_size,
			root_checksum = excluded.root_checksum, generation = excluded.generation, written_at = excluded.written_at`,
		uri.String(), int64(cp.Root.Offset), int64(cp.Root.Size), int64(cp.Root.Checksum),
		int64(cp.Generation), cp.WrittenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording checkpoint of %s: %w", uri, err)
	}
	return nil
}

// CheckpointOf returns the checkpoint recorded for uri; ok is false when
// none has been recorded.
func (s *Store) CheckpointOf(uri types.URI) (cp Checkpoint, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return Checkpoint{}, false, types.ErrConnectionClosed
	}
	var (
		off, size, sum, gen int64
		at                  string
	)
	err = s.db.QueryRow(`SELECT root_offset, root_size, root_checksum, generation, written_at
		FROM checkpoints WHERE uri = ?`, uri.String()).Scan(&off, &size, &sum, &gen, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp.Root = block.Addr{Offset: uint64(off), Size: uint32(size), Checksum: uint32(sum)}
	cp.Generation = uint64(gen)
	cp.WrittenAt, _ = time.Parse(time.RFC3339Nano, at)
	return cp, true, nil
}
