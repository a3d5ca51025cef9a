package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rbaliyan/convstore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(append([]Option{WithDir(t.TempDir())}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestUploadLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	uri, err := s.Upload(ctx, "photo.jpg", "image/jpeg", strings.NewReader("jpegdata"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(uri))
	assert.Equal(t, s.Dir(), filepath.Dir(uri))
	assert.Equal(t, ".jpg", filepath.Ext(uri))
	assert.EqualValues(t, 8, s.Usage())

	r, err := s.Load(ctx, uri)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))

	require.NoError(t, s.Delete(ctx, uri))
	assert.EqualValues(t, 0, s.Usage())
	_, err = os.Stat(uri)
	assert.True(t, os.IsNotExist(err))

	_, err = s.Load(ctx, uri)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Delete(context.Background(), filepath.Join(s.Dir(), "PART_gone")))
}

func TestRefusesPathsOutsideRoot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	outside := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o600))

	for _, uri := range []string{outside, "../victim", s.Dir(), ""} {
		t.Run(uri, func(t *testing.T) {
			assert.ErrorIs(t, s.Delete(ctx, uri), ErrOutsideRoot)
			_, err := s.Load(ctx, uri)
			assert.ErrorIs(t, err, ErrOutsideRoot)
		})
	}
	_, err := os.Stat(outside)
	assert.NoError(t, err)
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithMaxSize(10))

	_, err := s.Upload(ctx, "a.txt", "text/plain", strings.NewReader("123456"))
	require.NoError(t, err)

	_, err = s.Upload(ctx, "b.txt", "text/plain", strings.NewReader("123456"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.EqualValues(t, 6, s.Usage())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected upload must not leave a file")
}

func TestUsageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(WithDir(dir))
	require.NoError(t, err)
	_, err = s.Upload(ctx, "x", "application/octet-stream", strings.NewReader("abcd"))
	require.NoError(t, err)

	reopened, err := New(WithDir(dir))
	require.NoError(t, err)
	assert.EqualValues(t, 4, reopened.Usage())
}

func TestUploadHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestStore(t)
	_, err := s.Upload(ctx, "x", "text/plain", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
}
