package sendfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestFileCache_HitSharesEntry(t *testing.T) {
	fc := NewFileCache(4)
	defer fc.Close()
	path := write(t, t.TempDir(), "a.html", "hello")

	e1, err := fc.Get(path)
	require.NoError(t, err)
	e2, err := fc.Get(path)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Equal(t, int64(5), e1.Size)
	assert.Equal(t, path, e1.Buf.Name)
	assert.Equal(t, 1, fc.Len())
	fc.Release(e1)
	fc.Release(e2)
}

func TestFileCache_ReopensChangedFile(t *testing.T) {
	fc := NewFileCache(4)
	defer fc.Close()
	path := write(t, t.TempDir(), "a.txt", "one")

	e1, err := fc.Get(path)
	require.NoError(t, err)
	fc.Release(e1)

	require.NoError(t, os.WriteFile(path, []byte("three"), 0o600))
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(time.Second)))

	e2, err := fc.Get(path)
	require.NoError(t, err)
	assert.NotSame(t, e1, e2)
	assert.Equal(t, int64(5), e2.Size)
	fc.Release(e2)
}

func TestFileCache_EvictedEntryStaysOpenWhileReferenced(t *testing.T) {
	fc := NewFileCache(1)
	defer fc.Close()
	dir := t.TempDir()

	a, err := fc.Get(write(t, dir, "a", "aaaa"))
	require.NoError(t, err)
	b, err := fc.Get(write(t, dir, "b", "bb"))
	require.NoError(t, err)
	assert.Equal(t, 1, fc.Len())

	p := make([]byte, 4)
	n, err := a.File.ReadAt(p, 0)
	require.NoError(t, err, "evicted but referenced")
	assert.Equal(t, "aaaa", string(p[:n]))

	fc.Release(a)
	_, err = a.File.ReadAt(p, 0)
	assert.Error(t, err, "closed with its last reference")
	fc.Release(b)
}

func TestFileCache_Missing(t *testing.T) {
	fc := NewFileCache(1)
	_, err := fc.Get(filepath.Join(t.TempDir(), "none"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", ContentType("/x/index.html"))
	assert.Equal(t, "application/octet-stream", ContentType("blob"))
}
