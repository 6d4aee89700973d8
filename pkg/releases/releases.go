// Package releases manages the on-host release layout.
//
// Layout under the deployment root:
//
//	<root>/releases/<id>/   materialized release trees
//	<root>/current          symlink to the active release
//
// Release IDs are timestamp-prefixed so lexical order equals
// chronological order. Activation is an atomic symlink swap: a restarted
// service either sees the old tree or the new one, never a mix.
package releases

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoCurrent indicates no release has been activated yet.
var ErrNoCurrent = errors.New("no current release")

// ErrNotFound indicates the named release does not exist.
var ErrNotFound = errors.New("release not found")

// idTimeFormat keeps release IDs lexically sortable.
const idTimeFormat = "20060102T150405"

// Store manages releases under a deployment root.
type Store struct {
	root string
}

// NewStore creates a Store for the given deployment root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the deployment root.
func (s *Store) Root() string {
	return s.root
}

// ReleasesDir returns the directory holding release trees.
func (s *Store) ReleasesDir() string {
	return filepath.Join(s.root, "releases")
}

// CurrentLink returns the path of the current symlink.
func (s *Store) CurrentLink() string {
	return filepath.Join(s.root, "current")
}

// Path returns the directory of the named release.
func (s *Store) Path(id string) string {
	return filepath.Join(s.ReleasesDir(), id)
}

// NewID builds a release ID from a timestamp and commit SHA.
func NewID(ts time.Time, sha string) string {
	short := sha
	if len(short) > 7 {
		short = short[:7]
	}
	return ts.UTC().Format(idTimeFormat) + "-" + short
}

// Materialize copies a checkout into a new release directory.
//
// Paths matching any exclude pattern (doublestar globs, matched against
// the slash-separated path relative to srcDir) are skipped. The release
// directory is created fresh; a partially written release from an earlier
// failed run with the same ID is removed first.
func (s *Store) Materialize(srcDir, id string, excludes []string) (string, error) {
	dest := s.Path(id)

	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("releases: clean %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("releases: create %s: %w", dest, err)
	}

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		slashRel := filepath.ToSlash(rel)
		if excluded(slashRel, d.IsDir(), excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
	if err != nil {
		return "", fmt.Errorf("releases: materialize %s: %w", id, err)
	}

	return dest, nil
}

// Activate atomically points the current symlink at the named release.
//
// The symlink is written to a temporary name and renamed over current, so
// readers never observe a missing or half-written link.
func (s *Store) Activate(id string) error {
	dest := s.Path(id)
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("releases: activate %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("releases: activate %s: %w", id, err)
	}

	// Relative target keeps the link valid if the root is remounted.
	target := filepath.Join("releases", id)
	tmp := filepath.Join(s.root, ".current.tmp")

	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releases: activate %s: %w", id, err)
	}
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("releases: activate %s: %w", id, err)
	}
	if err := os.Rename(tmp, s.CurrentLink()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("releases: activate %s: %w", id, err)
	}
	return nil
}

// Current returns the ID of the active release.
func (s *Store) Current() (string, error) {
	target, err := os.Readlink(s.CurrentLink())
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCurrent
		}
		return "", fmt.Errorf("releases: read current: %w", err)
	}
	return filepath.Base(target), nil
}

// List returns all release IDs, newest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.ReleasesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("releases: list: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Previous returns the newest release older than the active one.
//
// This is the release a failed verify rolls back to.
func (s *Store) Previous() (string, error) {
	current, err := s.Current()
	if err != nil {
		return "", err
	}
	ids, err := s.List()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if id < current {
			return id, nil
		}
	}
	return "", ErrNotFound
}

// Prune removes the oldest releases beyond keep. The active release is
// never removed, even when it falls outside the keep window.
func (s *Store) Prune(keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(ids) <= keep {
		return nil, nil
	}

	current, err := s.Current()
	if err != nil && !errors.Is(err, ErrNoCurrent) {
		return nil, err
	}

	var removed []string
	for _, id := range ids[keep:] {
		if id == current {
			continue
		}
		if err := os.RemoveAll(s.Path(id)); err != nil {
			return removed, fmt.Errorf("releases: prune %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// excluded reports whether a relative path matches any exclude pattern.
//
// A directory is also excluded when a pattern of the form "<prefix>/**"
// matches it, so the walk can skip the whole subtree instead of creating
// an empty directory and filtering its files one by one.
func excluded(slashRel string, isDir bool, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, slashRel); err == nil && ok {
			return true
		}
		if isDir && strings.HasSuffix(p, "/**") {
			if ok, err := doublestar.Match(strings.TrimSuffix(p, "/**"), slashRel); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func copyFile(src, dest string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
