package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellar/internal/block"
)

func testLayout() block.Layout {
	return block.Layout{
		AllocationSize:  512,
		Checksum:        block.ChecksumOn,
		LeafPageMax:     512,
		InternalPageMax: 512,
	}
}

func createManager(t *testing.T) (*block.Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.wt")
	m, err := block.Create(path, testLayout(), "")
	require.NoError(t, err)
	return m, path
}

func checkpoint(t *testing.T, tr *Tree) {
	t.Helper()
	root, err := tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Manager().Checkpoint(root))
}

func TestEmptyTree(t *testing.T) {
	m, _ := createManager(t)
	defer m.Close()

	tr, err := Load(m)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.Dirty())
	_, ok := tr.Get([]byte("k"))
	assert.False(t, ok)
}

func TestPutGetRemove(t *testing.T) {
	m, _ := createManager(t)
	defer m.Close()
	tr, err := Load(m)
	require.NoError(t, err)

	tr.Put([]byte("b"), []byte("2"))
	tr.Put([]byte("a"), []byte("1"))
	tr.Put([]byte("c"), []byte("3"))
	tr.Put([]byte("b"), []byte("two"))
	assert.True(t, tr.Dirty())
	assert.Equal(t, 3, tr.Len())

	v, ok := tr.Get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, "two", string(v))

	snapshot := tr.Items()
	assert.True(t, tr.Remove([]byte("a")))
	assert.False(t, tr.Remove([]byte("a")))
	assert.Len(t, snapshot, 3, "earlier snapshot unchanged")
	assert.Equal(t, "a", string(snapshot[0].Key))

	rest := tr.Seek([]byte("bb"))
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Key))
}

func TestFlushAndReload(t *testing.T) {
	m, path := createManager(t)
	tr, err := Load(m)
	require.NoError(t, err)

	// Enough records to need several leaves and an interior level.
	for i := 0; i < 500; i++ {
		tr.Put([]byte(fmt.Sprintf("key%05d", i)), []byte(fmt.Sprintf("value%d", i)))
	}
	checkpoint(t, tr)
	assert.False(t, tr.Dirty())
	require.NoError(t, m.Close())

	m, err = block.Attach(path, testLayout(), block.AttachOptions{})
	require.NoError(t, err)
	defer m.Close()

	buf, err := m.ReadVerified(m.Root())
	require.NoError(t, err)
	ph, err := block.DecodePageHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, block.PageInterior, ph.Type)

	tr, err = Load(m)
	require.NoError(t, err)
	require.Equal(t, 500, tr.Len())
	for i, it := range tr.Items() {
		assert.Equal(t, fmt.Sprintf("key%05d", i), string(it.Key))
		assert.Equal(t, fmt.Sprintf("value%d", i), string(it.Value))
	}
}

func TestRewriteReleasesOldPages(t *testing.T) {
	m, _ := createManager(t)
	defer m.Close()
	tr, err := Load(m)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		tr.Put([]byte(fmt.Sprintf("k%03d", i)), make([]byte, 20))
	}
	checkpoint(t, tr)
	size := m.Size()

	// Rewriting the same content repeatedly reuses released space.
	for round := 0; round < 5; round++ {
		tr.Put([]byte("k000"), []byte("changed"))
		checkpoint(t, tr)
	}
	assert.LessOrEqual(t, m.Size(), 3*size)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	cells := appendLeafCell(nil, Item{Key: []byte("k"), Value: []byte("v")})
	_, err := DecodeLeaf(append(cells, 0), 1)
	assert.Error(t, err)

	items, err := DecodeLeaf(cells, 1)
	require.NoError(t, err)
	assert.Equal(t, "v", string(items[0].Value))

	_, err = DecodeInterior(nil, 0)
	assert.Error(t, err)
}
