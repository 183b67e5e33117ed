package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellar/internal/logging"
	"github.com/mesh-intelligence/cellar/internal/wal"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

func TestMain(m *testing.M) {
	logging.Discard()
	os.Exit(m.Run())
}

func openDB(t *testing.T, dir string, opts ...func(*types.Config)) *Connection {
	t.Helper()
	cfg := types.Config{DataDir: dir}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := Open(cfg)
	require.NoError(t, err)
	return c
}

func withWAL(cfg *types.Config) { cfg.WAL.Enabled = true }

func newSession(t *testing.T, c *Connection) *Session {
	t.Helper()
	s, err := c.OpenSession()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// catalogOf returns every committed catalog entry.
func catalogOf(t *testing.T, s *Session) map[string]string {
	t.Helper()
	m, err := s.OpenMetadataCursor()
	require.NoError(t, err)
	defer m.Close()
	out := make(map[string]string)
	for {
		err := m.Next()
		if errors.Is(err, types.ErrCursorExhausted) {
			return out
		}
		require.NoError(t, err)
		out[m.Key()] = m.Value()
	}
}

func put(t *testing.T, s *Session, uri string, key, value []any) {
	t.Helper()
	cur, err := s.OpenCursor(uri)
	require.NoError(t, err)
	defer cur.Close()
	require.NoError(t, cur.Put(key, value))
}

func get(t *testing.T, s *Session, uri string, key ...any) []any {
	t.Helper()
	cur, err := s.OpenCursor(uri)
	require.NoError(t, err)
	defer cur.Close()
	vals, err := cur.Get(key...)
	require.NoError(t, err)
	return vals
}

func TestCreateTable(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s := newSession(t, c)

	require.NoError(t, s.Create("table:t", "key_format=S,value_format=Si,columns=(k,name,n)"))
	entries := catalogOf(t, s)
	assert.Contains(t, entries, "table:t")
	assert.Contains(t, entries, "colgroup:t")
	assert.Contains(t, entries, "file:t.wt")
	assert.FileExists(t, filepath.Join(c.Config().DataDir, "t.wt"))

	err := s.Create("table:t", "key_format=S,value_format=Si,columns=(k,name,n)")
	assert.ErrorIs(t, err, types.ErrNameInUse)
}

func TestCreateRollback(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s := newSession(t, c)

	require.NoError(t, s.Begin())
	require.NoError(t, s.Create("file:scratch.wt", ""))
	require.NoError(t, s.Rollback())

	assert.Empty(t, catalogOf(t, s))
	assert.NoFileExists(t, filepath.Join(c.Config().DataDir, "scratch.wt"))
	assert.ErrorIs(t, s.Commit(), types.ErrTxnDone)
}

func TestStagedObjectsInvisible(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s1 := newSession(t, c)
	s2 := newSession(t, c)

	require.NoError(t, s1.Begin())
	require.NoError(t, s1.Create("file:staged.wt", ""))

	_, err := s2.OpenCursor("file:staged.wt")
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = s2.Create("file:staged.wt", "")
	assert.ErrorIs(t, err, types.ErrNameInUse, "name is reserved by s1")

	require.NoError(t, s1.Commit())
	cur, err := s2.OpenCursor("file:staged.wt")
	require.NoError(t, err)
	cur.Close()
}

func TestCursorColumnGroups(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s := newSession(t, c)

	require.NoError(t, s.Create("table:cg", "key_format=r,value_format=SiS,columns=(k,a,b,c),colgroups=(g1,g2)"))
	require.NoError(t, s.Create("colgroup:cg:g1", "columns=(a,c)"))
	require.NoError(t, s.Create("colgroup:cg:g2", "columns=(b)"))

	put(t, s, "table:cg", []any{1}, []any{"a1", 10, "c1"})
	put(t, s, "table:cg", []any{2}, []any{"a2", 20, "c2"})

	assert.Equal(t, []any{"a2", int64(20), "c2"}, get(t, s, "table:cg", 2))
	assert.Equal(t, []any{"a1", "c1"}, get(t, s, "file:cg_g1.wt", 1))
	assert.Equal(t, []any{int64(10)}, get(t, s, "file:cg_g2.wt", 1))

	cur, err := s.OpenCursor("table:cg")
	require.NoError(t, err)
	defer cur.Close()
	var keys []any
	for {
		err := cur.Next()
		if errors.Is(err, types.ErrCursorExhausted) {
			break
		}
		require.NoError(t, err)
		k, _, err := cur.Entry()
		require.NoError(t, err)
		keys = append(keys, k[0])
	}
	assert.Equal(t, []any{uint64(1), uint64(2)}, keys)
}

func TestCursorRemove(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s := newSession(t, c)
	require.NoError(t, s.Create("file:r.wt", "key_format=i,value_format=S"))

	cur, err := s.OpenCursor("file:r.wt")
	require.NoError(t, err)
	defer cur.Close()
	require.NoError(t, cur.Put([]any{1}, []any{"one"}))

	k, err := cur.keyFmt.Pack(1)
	require.NoError(t, err)
	require.NoError(t, cur.Remove(k))
	assert.ErrorIs(t, cur.Remove(k), types.ErrKeyNotFound)
	_, err = cur.Get(1)
	assert.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestDrop(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s := newSession(t, c)
	require.NoError(t, s.Create("table:d", "key_format=i,value_format=S"))
	put(t, s, "table:d", []any{1}, []any{"x"})

	cur, err := s.OpenCursor("table:d")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Drop("table:d"), types.ErrObjectBusy)
	cur.Close()

	require.NoError(t, s.Drop("table:d"))
	assert.Empty(t, catalogOf(t, s))
	assert.NoFileExists(t, filepath.Join(c.Config().DataDir, "d.wt"))
	assert.ErrorIs(t, s.Drop("table:d"), types.ErrNotFound)
}

func TestCheckpointRecordsRoot(t *testing.T) {
	c := openDB(t, t.TempDir())
	defer c.Close()
	s := newSession(t, c)
	require.NoError(t, s.Create("file:c.wt", "key_format=i,value_format=S"))
	put(t, s, "file:c.wt", []any{7}, []any{"seven"})

	require.NoError(t, s.Checkpoint())
	h, err := c.handle(types.FileURI("c.wt"))
	require.NoError(t, err)
	cp, ok, err := c.store.CheckpointOf(types.FileURI("c.wt"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.tree.Manager().Root(), cp.Root)
	assert.False(t, cp.Root.IsZero())
}

func TestWALReplay(t *testing.T) {
	dir := t.TempDir()
	c := openDB(t, dir, withWAL)
	s := newSession(t, c)
	require.NoError(t, s.Create("file:w.wt", "key_format=i,value_format=S"))
	require.NoError(t, s.Checkpoint())
	put(t, s, "file:w.wt", []any{1}, []any{"logged"})
	// Simulate a crash: nothing is flushed.
	c.shutdown()

	c = openDB(t, dir, withWAL)
	s = newSession(t, c)
	assert.Equal(t, []any{"logged"}, get(t, s, "file:w.wt", 1))
	require.NoError(t, c.Close())

	l, err := wal.Open(dir)
	require.NoError(t, err)
	defer l.Close()
	assert.Empty(t, l.Pending(), "checkpoint on close empties the log")
}

func TestWALSkipsUnloggedObjects(t *testing.T) {
	dir := t.TempDir()
	c := openDB(t, dir, withWAL)
	s := newSession(t, c)
	require.NoError(t, s.Create("file:nolog.wt", "key_format=i,value_format=S,log=(enabled=false)"))
	require.NoError(t, s.Checkpoint())
	put(t, s, "file:nolog.wt", []any{1}, []any{"lost"})
	c.shutdown()

	c = openDB(t, dir, withWAL)
	defer c.Close()
	s = newSession(t, c)
	cur, err := s.OpenCursor("file:nolog.wt")
	require.NoError(t, err)
	defer cur.Close()
	_, err = cur.Get(1)
	assert.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestStageable(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"t.wt", true},
		{"blocks_g1.wt", true},
		{LockFileName, false},
		{"cellar.db", false},
		{"cellar.db-wal", false},
		{"cellar.wal", false},
		{".stage-1.tmp", false},
		{"x.tmp", false},
		{"cellarTmplog.0001", false},
		{"cellarPreplog.0001", false},
		{"other.lock", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stageable(tt.name))
		})
	}
}

func TestStageFiles(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	for _, name := range []string{"a.wt", "b.wt", "cellar.db", "cellar.lock"} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(name), 0o644))
	}

	copied, err := StageFiles(src, dst)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.wt", "b.wt"}, copied)
	data, err := os.ReadFile(filepath.Join(dst, "a.wt"))
	require.NoError(t, err)
	assert.Equal(t, "a.wt", string(data))
	assert.NoFileExists(t, filepath.Join(dst, "cellar.db"))

	_, err = StageFiles(src, dst, "a.wt")
	assert.Error(t, err, "existing files are not overwritten")
	_, err = StageFiles(src, dst, "cellar.lock")
	assert.Error(t, err)
}
