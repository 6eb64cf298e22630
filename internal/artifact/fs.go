package artifact

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
)

const (
	fsScheme = "fs://"
	spoolDir = ".spool"
)

// FSStore keeps artifacts under a base directory. Locators hold the key
// only, so the directory can move without rewriting attachment rows.
type FSStore struct {
	baseDir string
	now     func() time.Time
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem store rooted at baseDir.
func NewFSStore(baseDir string) (*FSStore, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("artifact base directory is empty")
	}
	return &FSStore{baseDir: filepath.Clean(trimmed), now: time.Now}, nil
}

// Put writes r to a spool file and renames it into place, so a reader never
// sees a partial artifact.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if err := ValidateKey(key); err != nil {
		return Object{}, err
	}

	spool := filepath.Join(s.baseDir, spoolDir)
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return Object{}, fmt.Errorf("create spool directory: %w", err)
	}
	tmp, err := os.CreateTemp(spool, "put-*")
	if err != nil {
		return Object{}, fmt.Errorf("create spool file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write artifact %q: %w", key, err)
	}
	if size >= 0 && written != size {
		return Object{}, fmt.Errorf("write artifact %q: wrote %d bytes, want %d", key, written, size)
	}

	dst := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return Object{}, fmt.Errorf("move artifact %q into place: %w", key, err)
	}
	return Object{Locator: fsScheme + key, ContentType: contentType, Size: written}, nil
}

func (s *FSStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Cleanup removes spool files older than olderThan, left behind by a process
// that died mid-write.
func (s *FSStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, spoolDir))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spool directory: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		info, err := entry.Info()
		if err != nil {
			return removed, fmt.Errorf("read spool entry info %q: %w", entry.Name(), err)
		}
		if entry.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, spoolDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove spool file %q: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (s *FSStore) path(locator string) (string, error) {
	key, ok := strings.CutPrefix(locator, fsScheme)
	if !ok {
		return "", ErrForeignLocator
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
