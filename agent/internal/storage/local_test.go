package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2026", "march"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "2026", "DSCF0001.RAF"), make([]byte, 128), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "2026", "march", "DSCF0002.raf"), make([]byte, 64), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644))
	return root
}

func TestLocalWalk(t *testing.T) {
	root := seedTree(t)
	a, err := newLocal(root)
	require.NoError(t, err)

	files, err := a.Walk(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)

	byPath := map[string]int64{}
	for _, f := range files {
		byPath[f.Path] = f.Size
		assert.Equal(t, f.LastModified, f.LastModified.Truncate(time.Second),
			"mtimes are second precision")
		assert.Equal(t, time.UTC, f.LastModified.Location())
	}
	assert.Equal(t, int64(128), byPath["2026/DSCF0001.RAF"], "paths are slash-relative")
	assert.Equal(t, int64(64), byPath["2026/march/DSCF0002.raf"])
	assert.Equal(t, int64(2), byPath["notes.txt"])
}

func TestLocalWalkSkipsSymlinks(t *testing.T) {
	root := seedTree(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linked")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "secret-link")))

	a, err := newLocal(root)
	require.NoError(t, err)
	files, err := a.Walk(context.Background())
	require.NoError(t, err)

	for _, f := range files {
		assert.NotContains(t, f.Path, "secret",
			"symlinks must not pull files from outside the root")
		assert.NotContains(t, f.Path, "linked")
	}
	assert.Len(t, files, 3)
}

func TestLocalWalkHonorsCancellation(t *testing.T) {
	a, err := newLocal(seedTree(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Walk(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalFetch(t *testing.T) {
	a, err := newLocal(seedTree(t))
	require.NoError(t, err)

	data, err := a.Fetch(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestLocalFetchRejectsEscape(t *testing.T) {
	a, err := newLocal(seedTree(t))
	require.NoError(t, err)

	for _, p := range []string{"../etc/passwd", "2026/../../outside", ".."} {
		_, err := a.Fetch(context.Background(), p)
		require.Error(t, err, "path %q", p)
		assert.Contains(t, err.Error(), "escapes", "path %q", p)
	}
}

func TestLocalTestConnection(t *testing.T) {
	a, err := newLocal(seedTree(t))
	require.NoError(t, err)
	assert.NoError(t, a.TestConnection(context.Background()))

	empty, err := newLocal(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, empty.TestConnection(context.Background()), "empty directories are reachable")

	missing, err := newLocal(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Error(t, missing.TestConnection(context.Background()))
}

func TestNewRejectsUnsupportedBackends(t *testing.T) {
	var cfg wire.JobConfig
	cfg.CollectionType = "gcs"
	cfg.CollectionPath = "bucket/prefix"

	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	cfg.CollectionType = "floppy"
	_, err = New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection type")
}

func TestNewLocalRequiresPath(t *testing.T) {
	_, err := newLocal("")
	assert.Error(t, err)
}
