// Package upload stores job input payloads on local disk. A stored payload
// is addressed by its path, which becomes the job's input reference.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	tmpPrefix = ".incoming-"

	// digestPrefixLen is how many hex characters of the content digest lead
	// the stored file name.
	digestPrefixLen = 16
)

// ErrTooLarge is returned by Save when the payload exceeds the size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Store is a directory of uploaded payloads.
type Store struct {
	baseDir string
	now     func() time.Time
}

// NewFSStore creates a filesystem-backed store rooted at baseDir.
func NewFSStore(baseDir string) (*Store, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("upload directory is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve upload directory: %w", err)
	}
	return &Store{baseDir: abs, now: time.Now}, nil
}

func (s *Store) Dir() string { return s.baseDir }

// Save streams r to disk, at most maxBytes (0 means unlimited), and returns
// the stored path. The file is named <digest>-<uuid><ext> so identical
// uploads stay distinguishable per job.
func (s *Store) Save(ctx context.Context, r io.Reader, ext string, maxBytes int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateExt(ext); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}

	digest := hex.EncodeToString(h.Sum(nil))[:digestPrefixLen]
	final := filepath.Join(s.baseDir, digest+"-"+uuid.NewString()+strings.ToLower(ext))
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("commit upload: %w", err)
	}
	keep = true
	return final, nil
}

// Load reads a stored payload.
func (s *Store) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload %q: %w", filepath.Base(path), err)
	}
	return data, nil
}

// Release deletes a stored payload. Releasing a missing file is not an error.
func (s *Store) Release(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload %q: %w", filepath.Base(path), err)
	}
	return nil
}

// CleanupIncomplete removes partial uploads older than olderThan, left
// behind when the process died mid-write. It returns the number removed.
func (s *Store) CleanupIncomplete(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read upload directory: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return removed, fmt.Errorf("read upload entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove partial upload %q: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// resolve checks that ref names a file directly inside the store.
func (s *Store) resolve(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("input reference is empty")
	}
	path := trimmed
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.baseDir, path)
	}
	path = filepath.Clean(path)
	if filepath.Dir(path) != s.baseDir {
		return "", fmt.Errorf("input reference %q is outside the upload directory", ref)
	}
	return path, nil
}

func validateExt(ext string) error {
	if ext == "" {
		return nil
	}
	if !strings.HasPrefix(ext, ".") || len(ext) > 10 || strings.ContainsAny(ext[1:], `./\`) {
		return fmt.Errorf("invalid file extension %q", ext)
	}
	return nil
}
