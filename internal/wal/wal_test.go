package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, l.Pending())

	require.NoError(t, l.Append(
		Record{FileID: "f1", URI: "file:a", Op: OpPut, Key: []byte("13"), Value: []byte("\x01\x02xxx\x03\x04")},
		Record{FileID: "f1", URI: "file:a", Op: OpRemove, Key: []byte("14")},
	))
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()
	recs := l.Pending()
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].LSN)
	assert.Equal(t, []byte("\x01\x02xxx\x03\x04"), recs[0].Value)
	assert.Equal(t, OpRemove, recs[1].Op)
	assert.Equal(t, uint64(2), l.LastLSN())

	require.NoError(t, l.Append(Record{FileID: "f1", URI: "file:a", Op: OpPut, Key: []byte("k")}))
	assert.Equal(t, uint64(3), l.LastLSN())
}

func TestTornTailIgnored(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(Record{FileID: "f", URI: "file:a", Op: OpPut, Key: []byte("a")}))
	require.NoError(t, l.Close())

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"lsn":2,"file_id":"f","ur`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	assert.Len(t, l.Pending(), 1)

	// Appends after the cut are readable.
	require.NoError(t, l.Append(Record{FileID: "f", URI: "file:a", Op: OpPut, Key: []byte("b")}))
	require.NoError(t, l.Close())
	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()
	assert.Len(t, l.Pending(), 2)
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(Record{FileID: "f", URI: "file:a", Op: OpPut, Key: []byte("a")}))
	require.NoError(t, l.Truncate())
	assert.Empty(t, l.Pending())

	require.NoError(t, l.Append(Record{FileID: "f", URI: "file:a", Op: OpPut, Key: []byte("b")}))
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()
	recs := l.Pending()
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("b"), recs[0].Key)
	assert.Equal(t, uint64(2), recs[0].LSN, "LSNs keep increasing across truncation")
}
