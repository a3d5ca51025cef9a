// Package local provides a directory-backed payload store.
//
// Files are written under a single root directory and the returned URI
// is the file's absolute path, which is what part rows record. Paths
// outside the root are refused so that a corrupted or hostile row cannot
// make the store read or remove arbitrary files.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/convstore/store"
)

var (
	// ErrOutsideRoot is returned for a URI that does not resolve into the
	// store's directory.
	ErrOutsideRoot = errors.New("local: path outside payload directory")

	// ErrQuotaExceeded is returned when an upload would exceed WithMaxSize.
	ErrQuotaExceeded = errors.New("local: payload directory full")
)

// Store implements store.PayloadStore on a local directory.
type Store struct {
	dir      string
	maxSize  int64
	filePerm os.FileMode
	logger   *slog.Logger

	mu    sync.RWMutex
	usage int64
}

// Ensure Store implements PayloadStore.
var _ store.PayloadStore = (*Store)(nil)

// New creates the payload directory if needed and returns a store on it.
func New(opts ...Option) (*Store, error) {
	o := &options{
		dir:      filepath.Join(os.TempDir(), "parts"),
		filePerm: 0o600,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	dir, err := filepath.Abs(o.dir)
	if err != nil {
		return nil, fmt.Errorf("resolve payload directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload directory: %w", err)
	}

	s := &Store{
		dir:      dir,
		maxSize:  o.maxSize,
		filePerm: o.filePerm,
		logger:   o.logger,
	}
	s.calculateUsage()
	return s, nil
}

// Dir returns the absolute payload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Usage returns the bytes currently held in the directory.
func (s *Store) Usage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

// Upload writes content to a new file and returns its absolute path.
// The file appears under its final name only once fully written.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	var src io.Reader = content
	if s.maxSize > 0 {
		// One byte past the remaining room is enough to detect overflow.
		src = io.LimitReader(content, s.remaining()+1)
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	if s.maxSize > 0 && !s.reserve(n) {
		return "", ErrQuotaExceeded
	}
	if s.maxSize == 0 {
		s.updateUsage(n)
	}

	if err := os.Chmod(tmpName, s.filePerm); err != nil {
		s.updateUsage(-n)
		return "", fmt.Errorf("chmod payload: %w", err)
	}
	final := filepath.Join(s.dir, s.fileName(filename))
	if err := os.Rename(tmpName, final); err != nil {
		s.updateUsage(-n)
		return "", fmt.Errorf("commit payload: %w", err)
	}
	committed = true

	s.logger.Debug("stored payload", "path", final, "content_type", contentType, "size", n)
	return final, nil
}

// Load opens the payload at uri.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load payload %s: %w", uri, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	return f, nil
}

// Delete removes the payload at uri. Removing a file that is already gone
// succeeds, so a released path can be retried safely.
func (s *Store) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(uri)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete payload: %w", err)
	}
	if statErr == nil {
		s.updateUsage(-info.Size())
	}

	s.logger.Debug("deleted payload", "path", path)
	return nil
}

// resolve maps uri to a cleaned path inside the payload directory.
func (s *Store) resolve(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	path := uri
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, uri)
	}
	return path, nil
}

// fileName derives a unique file name that keeps the original extension.
func (s *Store) fileName(filename string) string {
	name := "PART_" + uuid.New().String()
	if ext := filepath.Ext(filepath.Base(filename)); ext != "" && ext != "." {
		name += ext
	}
	return name
}

func (s *Store) remaining() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.maxSize - s.usage; r > 0 {
		return r
	}
	return 0
}

// reserve accounts n bytes if they fit under the cap.
func (s *Store) reserve(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage+n > s.maxSize {
		return false
	}
	s.usage += n
	return true
}

func (s *Store) updateUsage(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage += delta
	if s.usage < 0 {
		s.usage = 0
	}
}

// calculateUsage sums the sizes of files already in the directory.
func (s *Store) calculateUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	if err := filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	}); err != nil {
		s.logger.Warn("failed to calculate payload usage", "error", err)
	}
	s.usage = size
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
