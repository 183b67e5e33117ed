// Package wal implements the write-ahead log: one JSON record per line,
// appended and synced before a change is applied to an in-memory tree and
// discarded once a checkpoint has made every logged change durable.
//
// See docs/ARCHITECTURE.md § Write-Ahead Log.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/mesh-intelligence/cellar/internal/logging"
)

// FileName is the name of the log inside the data directory.
const FileName = "cellar.wal"

// Operations recorded in the log.
const (
	OpPut    = "put"
	OpRemove = "remove"
)

// Record is one logged change to a data file. FileID ties the record to
// the catalog registration of the file, so records of a file that was
// dropped and replaced under the same URI are never replayed into the
// replacement.
type Record struct {
	LSN    uint64 `json:"lsn"`
	Txn    string `json:"txn,omitempty"`
	FileID string `json:"file_id"`
	URI    string `json:"uri"`
	Op     string `json:"op"`
	Key    []byte `json:"key"`
	Value  []byte `json:"value,omitempty"`
}

// Log is an open write-ahead log.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	pending []Record
	lastLSN uint64
}

// Open opens the log in dir, creating it if needed. Records already in the
// log are returned by Pending until the next Truncate.
func Open(dir string) (*Log, error) {
	path := filepath.Join(dir, FileName)
	recs, torn, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if torn >= 0 {
		if err := os.Truncate(path, torn); err != nil {
			return nil, fmt.Errorf("trimming %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	l := &Log{path: path, f: f, w: bufio.NewWriter(f), pending: recs}
	for _, r := range recs {
		l.lastLSN = max(l.lastLSN, r.LSN)
	}
	if len(recs) > 0 {
		logging.WithComponent("wal").Info("log holds changes since the last checkpoint",
			"path", path, "records", len(recs), "last_lsn", l.lastLSN)
	}
	return l, nil
}

// readRecords reads the log. A line that does not decode ends the log:
// it is the remains of an append interrupted by a crash. torn is the
// offset the log must be cut back to, or -1.
func readRecords(path string) (recs []Record, torn int64, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, -1, nil
	}
	if err != nil {
		return nil, -1, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var off int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var r Record
		if len(line) > 0 && (!json.Valid(line) || json.Unmarshal(line, &r) != nil) {
			logging.WithComponent("wal").Warn("ignoring torn log tail", "path", path, "after_records", len(recs))
			return recs, off, nil
		}
		off += int64(len(line)) + 1
		if len(line) > 0 {
			recs = append(recs, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, -1, fmt.Errorf("scanning %s: %w", path, err)
	}
	return recs, -1, nil
}

// Pending returns the records found when the log was opened.
func (l *Log) Pending() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.pending...)
}

// LastLSN returns the highest LSN written or read.
func (l *Log) LastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLSN
}

// Append assigns LSNs to recs, writes them and syncs the log.
func (l *Log) Append(recs ...Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	for i := range recs {
		l.lastLSN++
		recs[i].LSN = l.lastLSN
		line, err := json.Marshal(recs[i])
		if err != nil {
			return fmt.Errorf("encoding log record: %w", err)
		}
		if _, err := l.w.Write(line); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		if err := l.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", l.path, err)
	}
	return nil
}

// Truncate empties the log once a checkpoint covers every record in it.
// The empty log replaces the old one with the temp-file, fsync, rename
// sequence so a crash leaves one or the other.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".wal-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	l.f.Close()
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.f = nil
		return fmt.Errorf("reopening %s: %w", l.path, err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.pending = nil
	return nil
}

// Close closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
