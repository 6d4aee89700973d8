package releases

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestNewID(t *testing.T) {
	ts := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	id := NewID(ts, "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0")
	assert.Equal(t, "20260825T143005-a1b2c3d", id)
}

func TestNewID_Sortable(t *testing.T) {
	early := NewID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "aaaaaaa")
	late := NewID(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), "bbbbbbb")
	assert.Less(t, early, late)
}

func TestMaterialize_CopiesAndExcludes(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"app.py":                  "from flask import Flask",
		"static/style.css":        "body {}",
		".git/config":             "[core]",
		".git/objects/ab/cdef":    "blob",
		"lib/__pycache__/mod.pyc": "bytecode",
		"lib/mod.py":              "x = 1",
	})

	store := NewStore(t.TempDir())
	dest, err := store.Materialize(src, "20260825T000000-abc1234", []string{"**/.git/**", "**/__pycache__/**"})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dest, "app.py"))
	assert.FileExists(t, filepath.Join(dest, "static", "style.css"))
	assert.FileExists(t, filepath.Join(dest, "lib", "mod.py"))
	assert.NoDirExists(t, filepath.Join(dest, ".git"))
	assert.NoDirExists(t, filepath.Join(dest, "lib", "__pycache__"))
}

func TestMaterialize_ReplacesPartialRelease(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"app.py": "new"})

	store := NewStore(t.TempDir())
	id := "20260825T000000-abc1234"

	// Leftover from a run that died mid-copy.
	stale := filepath.Join(store.Path(id), "stale.py")
	require.NoError(t, os.MkdirAll(store.Path(id), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err := store.Materialize(src, id, nil)
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(store.Path(id), "app.py"))
}

func TestActivate_SymlinkSwap(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"app.py": "v1"})

	store := NewStore(t.TempDir())
	_, err := store.Materialize(src, "20260825T000000-aaaaaaa", nil)
	require.NoError(t, err)
	_, err = store.Materialize(src, "20260825T000100-bbbbbbb", nil)
	require.NoError(t, err)

	require.NoError(t, store.Activate("20260825T000000-aaaaaaa"))
	current, err := store.Current()
	require.NoError(t, err)
	assert.Equal(t, "20260825T000000-aaaaaaa", current)

	// Swapping to a newer release replaces the link atomically.
	require.NoError(t, store.Activate("20260825T000100-bbbbbbb"))
	current, err = store.Current()
	require.NoError(t, err)
	assert.Equal(t, "20260825T000100-bbbbbbb", current)

	// The link resolves inside the root.
	target, err := os.Readlink(store.CurrentLink())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("releases", "20260825T000100-bbbbbbb"), target)
}

func TestActivate_UnknownRelease(t *testing.T) {
	store := NewStore(t.TempDir())
	err := store.Activate("20260825T000000-nothere")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrent_NoRelease(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Current()
	assert.ErrorIs(t, err, ErrNoCurrent)
}

func TestPrevious(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"app.py": "v"})

	store := NewStore(t.TempDir())
	ids := []string{
		"20260825T000000-aaaaaaa",
		"20260825T000100-bbbbbbb",
		"20260825T000200-ccccccc",
	}
	for _, id := range ids {
		_, err := store.Materialize(src, id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.Activate(ids[2]))

	prev, err := store.Previous()
	require.NoError(t, err)
	assert.Equal(t, ids[1], prev)
}

func TestPrevious_NothingOlder(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"app.py": "v"})

	store := NewStore(t.TempDir())
	_, err := store.Materialize(src, "20260825T000000-aaaaaaa", nil)
	require.NoError(t, err)
	require.NoError(t, store.Activate("20260825T000000-aaaaaaa"))

	_, err = store.Previous()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrune_KeepsNewestAndCurrent(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"app.py": "v"})

	store := NewStore(t.TempDir())
	ids := []string{
		"20260825T000000-aaaaaaa",
		"20260825T000100-bbbbbbb",
		"20260825T000200-ccccccc",
		"20260825T000300-ddddddd",
	}
	for _, id := range ids {
		_, err := store.Materialize(src, id, nil)
		require.NoError(t, err)
	}

	// Current pinned to the oldest release; prune must not remove it.
	require.NoError(t, store.Activate(ids[0]))

	removed, err := store.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, removed)

	remaining, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3], ids[2], ids[0]}, remaining)
}

func TestList_EmptyRoot(t *testing.T) {
	store := NewStore(t.TempDir())
	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
