package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellar/internal/block"
	"github.com/mesh-intelligence/cellar/internal/btree"
	"github.com/mesh-intelligence/cellar/internal/svarint"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

func testLayout() block.Layout {
	return block.Layout{
		AllocationSize:  512,
		Checksum:        block.ChecksumOn,
		LeafPageMax:     512,
		InternalPageMax: 512,
	}
}

func buildFile(t *testing.T, n int) (string, *block.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.wt")
	m, err := block.Create(path, testLayout(), "")
	require.NoError(t, err)
	tr, err := btree.Load(m)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		tr.Put([]byte(fmt.Sprintf("key%05d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	root, err := tr.Flush()
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(root))
	return path, m
}

func TestVerifyHealthyTree(t *testing.T) {
	_, m := buildFile(t, 400)
	defer m.Close()

	rep, err := Verify(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(400), rep.Records)
	assert.Greater(t, rep.LeafPages, 1)
	assert.GreaterOrEqual(t, rep.InteriorPages, 1)
	assert.GreaterOrEqual(t, rep.Depth, 2)
	assert.Contains(t, rep.String(), "400 records")
}

func TestVerifyEmptyFile(t *testing.T) {
	m, err := block.Create(filepath.Join(t.TempDir(), "e.wt"), testLayout(), "")
	require.NoError(t, err)
	defer m.Close()

	rep, err := Verify(context.Background(), m)
	require.NoError(t, err)
	assert.Zero(t, rep.Records)
	assert.Zero(t, rep.Depth)
}

func TestVerifyChecksumMismatch(t *testing.T) {
	path, m := buildFile(t, 400)
	root := m.Root()
	require.NoError(t, m.Close())

	// Damage a byte inside the root page.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x5a}, int64(root.Offset)+block.PageHeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err = block.Attach(path, testLayout(), block.AttachOptions{})
	require.NoError(t, err)
	defer m.Close()

	_, err = Verify(context.Background(), m)
	assert.ErrorIs(t, err, types.ErrChecksumMismatch)
}

func TestVerifyOrderingViolation(t *testing.T) {
	m, err := block.Create(filepath.Join(t.TempDir(), "o.wt"), testLayout(), "")
	require.NoError(t, err)
	defer m.Close()

	var cells []byte
	for _, k := range []string{"a", "c", "b"} {
		cells = svarint.AppendBytes(cells, []byte(k))
		cells = svarint.AppendBytes(cells, []byte("v"))
	}
	root, err := m.Write(block.EncodePage(block.PageHeader{Type: block.PageLeaf, Entries: 3}, cells))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(root))

	_, err = Verify(context.Background(), m)
	assert.ErrorIs(t, err, types.ErrOrderingViolation)
}

func TestVerifyEntryCountMismatch(t *testing.T) {
	m, err := block.Create(filepath.Join(t.TempDir(), "c.wt"), testLayout(), "")
	require.NoError(t, err)
	defer m.Close()

	cells := svarint.AppendBytes(nil, []byte("a"))
	cells = svarint.AppendBytes(cells, []byte("v"))
	root, err := m.Write(block.EncodePage(block.PageHeader{Type: block.PageLeaf, Entries: 2}, cells))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(root))

	_, err = Verify(context.Background(), m)
	assert.ErrorIs(t, err, types.ErrCorruptPage)
}

func TestVerifyPageInFreeSpace(t *testing.T) {
	m, err := block.Create(filepath.Join(t.TempDir(), "f.wt"), testLayout(), "")
	require.NoError(t, err)
	defer m.Close()

	cells := svarint.AppendBytes(nil, []byte("a"))
	cells = svarint.AppendBytes(cells, []byte("v"))
	root, err := m.Write(block.EncodePage(block.PageHeader{Type: block.PageLeaf, Entries: 1}, cells))
	require.NoError(t, err)
	m.Free(root)
	require.NoError(t, m.Checkpoint(root))

	_, err = Verify(context.Background(), m)
	assert.ErrorIs(t, err, types.ErrCorruptPage)
}

func TestVerifyCancelled(t *testing.T) {
	_, m := buildFile(t, 10)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Verify(ctx, m)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyIsReadOnly(t *testing.T) {
	path, m := buildFile(t, 50)
	defer m.Close()
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = Verify(context.Background(), m)
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
