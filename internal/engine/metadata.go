package engine

import (
	"fmt"
	"sort"

	"github.com/mesh-intelligence/cellar/internal/catalog"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// MetadataCursor is the read-only "metadata:" cursor: catalog entries keyed
// by URI and valued by configuration text, in URI order. It reads the
// catalog as committed when the cursor was opened.
type MetadataCursor struct {
	entries []catalog.Entry
	pos     int
}

// OpenMetadataCursor opens a cursor over the committed catalog.
func (s *Session) OpenMetadataCursor() (*MetadataCursor, error) {
	entries, err := s.conn.store.List()
	if err != nil {
		return nil, err
	}
	return &MetadataCursor{entries: entries, pos: -1}, nil
}

// Next moves to the next entry; types.ErrCursorExhausted follows the last.
func (m *MetadataCursor) Next() error {
	if m.pos < len(m.entries) {
		m.pos++
	}
	if m.pos == len(m.entries) {
		return types.ErrCursorExhausted
	}
	return nil
}

// Search positions the cursor on uri.
func (m *MetadataCursor) Search(uri string) error {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].URI >= uri })
	if i == len(m.entries) || m.entries[i].URI != uri {
		return fmt.Errorf("%w: %s", types.ErrNotFound, uri)
	}
	m.pos = i
	return nil
}

// Reset returns the cursor to its unpositioned state.
func (m *MetadataCursor) Reset() { m.pos = -1 }

// Key returns the URI of the current entry.
func (m *MetadataCursor) Key() string {
	if m.pos < 0 || m.pos >= len(m.entries) {
		return ""
	}
	return m.entries[m.pos].URI
}

// Value returns the configuration text of the current entry.
func (m *MetadataCursor) Value() string {
	if m.pos < 0 || m.pos >= len(m.entries) {
		return ""
	}
	return m.entries[m.pos].Config
}

// Close releases the cursor.
func (m *MetadataCursor) Close() error {
	m.entries = nil
	return nil
}

// Metadata returns the committed configuration text of uri.
func (s *Session) Metadata(uriText string) (string, error) {
	uri, err := types.ParseURI(uriText)
	if err != nil {
		return "", err
	}
	return s.conn.store.Text(uri)
}
