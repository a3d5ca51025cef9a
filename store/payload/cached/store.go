// Package cached keeps local copies of payloads read from a remote
// payload store.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/convstore/store"
)

// ErrBackendRequired is returned by New without a backend.
var ErrBackendRequired = errors.New("cached: backend is required")

const fillPrefix = ".fill-"

// Store wraps a PayloadStore with a size-bounded local file cache. Loads
// are served from the cache while fresh; a miss is copied into the cache
// as the caller reads it. Uploads and deletes go to the backend, and a
// delete also drops the cached copy.
type Store struct {
	backend store.PayloadStore
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	size int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ store.PayloadStore = (*Store)(nil)

// New creates a cache in front of backend and starts its eviction loop.
// Call Close to stop it.
func New(backend store.PayloadStore, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	o := newOptions(opts...)
	if err := os.MkdirAll(o.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend: backend,
		dir:     o.dir,
		maxSize: o.maxSize,
		ttl:     o.ttl,
		logger:  o.logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.size = s.scan()
	go s.evictLoop()
	return s, nil
}

// Upload stores content in the backend. Nothing is cached until it is read.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	return s.backend.Upload(ctx, filename, contentType, content)
}

// Load returns the cached copy of uri if it is fresh, or reads it from the
// backend and caches it once the caller has read it to the end.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := s.entryPath(uri)
	if f := s.openFresh(path); f != nil {
		s.logger.Debug("payload cache hit", "uri", uri)
		return f, nil
	}

	s.logger.Debug("payload cache miss", "uri", uri)
	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.dir, fillPrefix+"*")
	if err != nil {
		s.logger.Warn("payload cache unavailable, serving uncached", "error", err)
		return rc, nil
	}
	return &fillReader{src: rc, tmp: tmp, path: path, s: s}, nil
}

// Delete drops the cached copy and deletes uri from the backend.
func (s *Store) Delete(ctx context.Context, uri string) error {
	s.remove(s.entryPath(uri))
	return s.backend.Delete(ctx, uri)
}

// Size returns the bytes currently cached.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Purge removes every cached payload.
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), fillPrefix) {
			s.remove(filepath.Join(s.dir, e.Name()))
		}
	}
	return nil
}

// Close stops the eviction loop. Cached files stay on disk.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *Store) entryPath(uri string) string {
	h := sha256.Sum256([]byte(uri))
	return filepath.Join(s.dir, hex.EncodeToString(h[:]))
}

// openFresh opens a cached entry that has been used within the TTL and
// marks it used. Stale entries are removed.
func (s *Store) openFresh(path string) *os.File {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if time.Since(info.ModTime()) >= s.ttl {
		s.remove(path)
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return f
}

func (s *Store) remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		s.logger.Warn("failed to remove cached payload", "path", path, "error", err)
		return
	}
	s.size -= info.Size()
	if s.size < 0 {
		s.size = 0
	}
}

// commit moves a completely read payload into the cache if it fits.
func (s *Store) commit(tmp, path string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced int64
	if info, err := os.Stat(path); err == nil {
		replaced = info.Size()
	}
	if s.size-replaced+n > s.maxSize {
		os.Remove(tmp)
		s.logger.Debug("payload cache full, not caching", "size", n)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		s.logger.Warn("failed to cache payload", "error", err)
		return
	}
	s.size += n - replaced
}

// scan sums the cached bytes and clears fills left by a previous process.
func (s *Store) scan() int64 {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to scan payload cache", "error", err)
		return 0
	}
	var size int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), fillPrefix) {
			os.Remove(filepath.Join(s.dir, e.Name()))
			continue
		}
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
	}
	return size
}

func (s *Store) evictLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to read payload cache", "error", err)
		return
	}
	var removed int
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), fillPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < s.ttl {
			continue
		}
		s.remove(filepath.Join(s.dir, e.Name()))
		removed++
	}
	if removed > 0 {
		s.logger.Info("evicted stale payloads", "count", removed)
	}
}

// fillReader copies what the caller reads into a temp file, which becomes
// the cache entry on Close if the payload was read to the end.
type fillReader struct {
	src    io.ReadCloser
	tmp    *os.File
	path   string
	s      *Store
	n      int64
	eof    bool
	broken bool
	closed bool
}

func (r *fillReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.broken {
		if _, werr := r.tmp.Write(p[:n]); werr != nil {
			r.s.logger.Warn("failed to write payload cache", "error", werr)
			r.broken = true
		}
		r.n += int64(n)
	}
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	return n, err
}

func (r *fillReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	srcErr := r.src.Close()
	tmpErr := r.tmp.Close()
	if !r.eof || r.broken || tmpErr != nil {
		os.Remove(r.tmp.Name())
		return srcErr
	}
	r.s.commit(r.tmp.Name(), r.path, r.n)
	return srcErr
}
