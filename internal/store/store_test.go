package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpy-dev-ml/rbum/internal/models"
	"github.com/mpy-dev-ml/rbum/internal/sandbox"
)

// fakeSandbox is a controllable sandbox.Manager. The default behavior
// mints "bm:<path>" blobs that resolve back to the path.
type fakeSandbox struct {
	mu sync.Mutex

	createErr  error
	resolveFn  func(data []byte) (sandbox.Resolution, error)
	refreshErr error
	grant      bool

	createCalls  int
	refreshCalls int
	startCalls   int
	stopCalls    int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{grant: true}
}

func (f *fakeSandbox) CreateBookmark(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return []byte("bm:" + path), nil
}

func (f *fakeSandbox) ResolveBookmark(data []byte) (sandbox.Resolution, error) {
	f.mu.Lock()
	resolveFn := f.resolveFn
	f.mu.Unlock()
	if resolveFn != nil {
		return resolveFn(data)
	}
	path, ok := strings.CutPrefix(string(data), "bm:")
	if !ok {
		path, ok = strings.CutPrefix(string(data), "fresh:")
	}
	if !ok {
		return sandbox.Resolution{}, sandbox.ErrBookmarkInvalid
	}
	return sandbox.Resolution{Path: path}, nil
}

func (f *fakeSandbox) RefreshBookmark(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return []byte("fresh:" + path), nil
}

func (f *fakeSandbox) StartAccessing(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.grant, nil
}

func (f *fakeSandbox) StopAccessing(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}

func newTestStore(t *testing.T, sb sandbox.Manager) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), sb, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestFileStore_SaveGetListRoundTrip(t *testing.T) {
	sb := newFakeSandbox()
	s := newTestStore(t, sb)

	repo := models.NewRepository("documents", "/backups/documents")
	require.NoError(t, s.Save(repo))

	got, err := s.Get(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, got.ID)
	assert.Equal(t, "documents", got.Name)
	assert.Equal(t, "/backups/documents", got.Path)

	repos, err := s.List()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, repo.ID, repos[0].ID)

	// One probe per listed repository, always released.
	assert.Equal(t, 1, sb.startCalls)
	assert.Equal(t, 1, sb.stopCalls)
}

func TestFileStore_SaveUpserts(t *testing.T) {
	sb := newFakeSandbox()
	s := newTestStore(t, sb)

	repo := models.NewRepository("old-name", "/backups/a")
	require.NoError(t, s.Save(repo))

	repo.Name = "new-name"
	require.NoError(t, s.Save(repo))

	repos, err := s.List()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "new-name", repos[0].Name)
}

func TestFileStore_SaveBookmarkFailureKeepsRecord(t *testing.T) {
	sb := newFakeSandbox()
	sb.createErr = errors.New("permission was never granted")
	s := newTestStore(t, sb)

	repo := models.NewRepository("broken", "/backups/broken")
	err := s.Save(repo)

	var bmErr *BookmarkError
	require.ErrorAs(t, err, &bmErr)
	assert.Equal(t, repo.ID, bmErr.RepositoryID)
	assert.Equal(t, "create", bmErr.Op)

	// The record survives the failed bookmark step.
	got, err := s.Get(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, got.ID)

	_, err = s.Bookmark(repo.ID)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestFileStore_DeleteRemovesRecordAndBookmark(t *testing.T) {
	sb := newFakeSandbox()
	s := newTestStore(t, sb)

	repo := models.NewRepository("gone-soon", "/backups/gone")
	require.NoError(t, s.Save(repo))

	require.NoError(t, s.Delete(repo.ID))

	_, err := s.Get(repo.ID)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)

	_, err = s.Bookmark(repo.ID)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)

	repos, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestFileStore_DeleteMissing(t *testing.T) {
	s := newTestStore(t, newFakeSandbox())

	err := s.Delete(models.NewRepository("x", "/x").ID)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestFileStore_ListRefreshesStaleBookmarkOnce(t *testing.T) {
	sb := newFakeSandbox()
	sb.resolveFn = func(data []byte) (sandbox.Resolution, error) {
		path := strings.TrimPrefix(strings.TrimPrefix(string(data), "bm:"), "fresh:")
		// Only the original blob is stale; a refreshed one is fine.
		return sandbox.Resolution{Path: path, Stale: strings.HasPrefix(string(data), "bm:")}, nil
	}
	s := newTestStore(t, sb)

	repo := models.NewRepository("stale", "/backups/stale")
	require.NoError(t, s.Save(repo))

	repos, err := s.List()
	require.NoError(t, err)
	require.Len(t, repos, 1)

	s.WaitForRefreshes()
	assert.Equal(t, 1, sb.refreshCalls)

	data, err := s.Bookmark(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh:/backups/stale", string(data))

	// A second walk sees the refreshed blob and does not refresh again.
	_, err = s.List()
	require.NoError(t, err)
	s.WaitForRefreshes()
	assert.Equal(t, 1, sb.refreshCalls)
}

func TestFileStore_ListRefreshFailureKeepsStaleBookmark(t *testing.T) {
	sb := newFakeSandbox()
	sb.refreshErr = errors.New("grant revoked")
	sb.resolveFn = func(data []byte) (sandbox.Resolution, error) {
		path := strings.TrimPrefix(string(data), "bm:")
		return sandbox.Resolution{Path: path, Stale: true}, nil
	}
	s := newTestStore(t, sb)

	repo := models.NewRepository("stuck", "/backups/stuck")
	require.NoError(t, s.Save(repo))

	_, err := s.List()
	require.NoError(t, err)
	s.WaitForRefreshes()

	data, err := s.Bookmark(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "bm:/backups/stuck", string(data))
}

func TestFileStore_ListIncludesRepositoryOnDenial(t *testing.T) {
	sb := newFakeSandbox()
	sb.grant = false
	s := newTestStore(t, sb)

	repo := models.NewRepository("denied", "/backups/denied")
	require.NoError(t, s.Save(repo))

	repos, err := s.List()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, repo.ID, repos[0].ID)

	// Denied probes are never released.
	assert.Equal(t, 1, sb.startCalls)
	assert.Equal(t, 0, sb.stopCalls)
}

func TestFileStore_ListIncludesRepositoryOnResolveFailure(t *testing.T) {
	sb := newFakeSandbox()
	sb.resolveFn = func([]byte) (sandbox.Resolution, error) {
		return sandbox.Resolution{}, sandbox.ErrBookmarkUnresolvable
	}
	s := newTestStore(t, sb)

	repo := models.NewRepository("orphaned", "/backups/orphaned")
	require.NoError(t, s.Save(repo))

	repos, err := s.List()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, repo.ID, repos[0].ID)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	sb := newFakeSandbox()

	s1, err := NewFileStore(dir, sb, zerolog.Nop())
	require.NoError(t, err)

	repo := models.NewRepository("durable", "/backups/durable")
	require.NoError(t, s1.Save(repo))

	s2, err := NewFileStore(dir, sb, zerolog.Nop())
	require.NoError(t, err)

	got, err := s2.Get(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.Name, got.Name)

	data, err := s2.Bookmark(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "bm:/backups/durable", string(data))

	// Both files exist with owner-only permissions.
	for _, name := range []string{repositoriesFile, bookmarksFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), name)
	}
}

func TestFileStore_BookmarksPlistRoundTrip(t *testing.T) {
	// The bookmark blobs are binary and must survive the plist codec
	// byte for byte.
	dir := t.TempDir()
	s, err := NewFileStore(dir, sandbox.NewFileManager(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)

	target := t.TempDir()
	repo := models.NewRepository("real-bookmark", target)
	require.NoError(t, s.Save(repo))

	data, err := s.Bookmark(repo.ID)
	require.NoError(t, err)

	res, err := sandbox.NewFileManager(zerolog.Nop()).ResolveBookmark(data)
	require.NoError(t, err)
	assert.Equal(t, target, res.Path)
	assert.False(t, res.Stale)
}
