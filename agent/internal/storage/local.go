package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// localAdapter walks a directory tree on the agent's filesystem.
type localAdapter struct {
	root string
}

func newLocal(root string) (*localAdapter, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: local collection without a path")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %s: %w", root, err)
	}
	return &localAdapter{root: filepath.Clean(abs)}, nil
}

// Walk lists every regular file under the root. Symlinks are skipped so
// a link cannot pull files from outside the authorized tree; mtimes are
// truncated to seconds so local and bucket listings hash identically.
func (a *localAdapter) Walk(ctx context.Context) ([]types.FileInfo, error) {
	var files []types.FileInfo

	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		files = append(files, types.FileInfo{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime().UTC().Truncate(time.Second),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: walk %s: %w", a.root, err)
	}
	return files, nil
}

// Fetch reads one file relative to the root. The cleaned path must stay
// inside the root.
func (a *localAdapter) Fetch(ctx context.Context, path string) ([]byte, error) {
	full := filepath.Join(a.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(a.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("storage: path %q escapes collection root", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// TestConnection verifies the root exists and is a readable directory.
func (a *localAdapter) TestConnection(ctx context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("storage: %s: %w", a.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", a.root)
	}
	f, err := os.Open(a.root)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", a.root, err)
	}
	defer f.Close()
	// An empty directory returns io.EOF, which is fine.
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("storage: list %s: %w", a.root, err)
	}
	return nil
}

// Root returns the canonical absolute collection root.
func (a *localAdapter) Root() string { return a.root }
