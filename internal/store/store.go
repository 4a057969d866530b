// Package store persists repository records and their bookmarks.
//
// Two files live side by side under the application support directory:
// repositories.json holds the repository records and bookmarks.plist maps
// repository IDs to bookmark blobs. A repository and its bookmark are kept
// as a pair; neither file ever holds an entry the other lacks for long.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"howett.net/plist"

	"github.com/mpy-dev-ml/rbum/internal/models"
	"github.com/mpy-dev-ml/rbum/internal/sandbox"
)

const (
	repositoriesFile = "repositories.json"
	bookmarksFile    = "bookmarks.plist"
)

// ErrRepositoryNotFound is returned when no repository has the given ID.
var ErrRepositoryNotFound = errors.New("repository not found")

// BookmarkError reports a failed bookmark operation during a store
// mutation. The repository record itself is left in place.
type BookmarkError struct {
	RepositoryID uuid.UUID
	Op           string
	Err          error
}

func (e *BookmarkError) Error() string {
	return fmt.Sprintf("bookmark %s for repository %s: %v", e.Op, e.RepositoryID, e.Err)
}

func (e *BookmarkError) Unwrap() error { return e.Err }

// Store is the repository persistence boundary.
type Store interface {
	Save(repo *models.Repository) error
	Get(id uuid.UUID) (*models.Repository, error)
	List() ([]*models.Repository, error)
	Delete(id uuid.UUID) error
	Bookmark(id uuid.UUID) ([]byte, error)
}

// FileStore keeps repositories.json and bookmarks.plist under one
// directory. A single mutex serialises every operation; the files are
// small enough that each operation loads and rewrites them whole.
type FileStore struct {
	dir     string
	sandbox sandbox.Manager
	logger  zerolog.Logger

	mu sync.Mutex

	// refreshWG tracks in-flight bookmark refreshes spawned by List.
	refreshWG  sync.WaitGroup
	refreshing map[uuid.UUID]bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir, creating it when needed.
func NewFileStore(dir string, sb sandbox.Manager, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{
		dir:        dir,
		sandbox:    sb,
		logger:     logger.With().Str("component", "store").Logger(),
		refreshing: make(map[uuid.UUID]bool),
	}, nil
}

// Save upserts the repository record and then mints or replaces its
// bookmark. When the bookmark step fails the record stays persisted and
// the failure is reported as a *BookmarkError.
func (s *FileStore) Save(repo *models.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range repos {
		if existing.ID == repo.ID {
			repos[i] = repo
			replaced = true
			break
		}
	}
	if !replaced {
		repos = append(repos, repo)
	}

	if err := s.saveRepositories(repos); err != nil {
		return err
	}

	data, err := s.sandbox.CreateBookmark(repo.Path)
	if err != nil {
		return &BookmarkError{RepositoryID: repo.ID, Op: "create", Err: err}
	}

	bookmarks, err := s.loadBookmarks()
	if err != nil {
		return &BookmarkError{RepositoryID: repo.ID, Op: "load", Err: err}
	}
	bookmarks[repo.ID.String()] = data
	if err := s.saveBookmarks(bookmarks); err != nil {
		return &BookmarkError{RepositoryID: repo.ID, Op: "persist", Err: err}
	}

	s.logger.Info().
		Str("repository_id", repo.ID.String()).
		Str("name", repo.Name).
		Msg("repository saved")

	return nil
}

// Get returns the repository with the given ID.
func (s *FileStore) Get(id uuid.UUID) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if repo.ID == id {
			return repo, nil
		}
	}
	return nil, ErrRepositoryNotFound
}

// List returns every stored repository. Each repository's bookmark is
// resolved and its path probed for access; failures are logged and never
// hide the repository from the caller. Stale bookmarks are refreshed in
// the background.
func (s *FileStore) List() ([]*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return nil, err
	}
	bookmarks, err := s.loadBookmarks()
	if err != nil {
		return nil, err
	}

	for _, repo := range repos {
		data, ok := bookmarks[repo.ID.String()]
		if !ok {
			s.logger.Warn().
				Str("repository_id", repo.ID.String()).
				Msg("repository has no bookmark")
			continue
		}

		res, err := s.sandbox.ResolveBookmark(data)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("repository_id", repo.ID.String()).
				Msg("bookmark resolution failed")
			continue
		}

		granted, err := s.sandbox.StartAccessing(res.Path)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("path", res.Path).
				Msg("access probe failed")
		} else if !granted {
			s.logger.Warn().Str("path", res.Path).Msg("access not granted")
		} else {
			s.sandbox.StopAccessing(res.Path)
		}

		if res.Stale && !s.refreshing[repo.ID] {
			s.refreshing[repo.ID] = true
			s.refreshWG.Add(1)
			go s.refreshBookmark(repo.ID, res.Path)
		}
	}

	return repos, nil
}

// Delete removes the repository record and its bookmark together.
func (s *FileStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return err
	}
	bookmarks, err := s.loadBookmarks()
	if err != nil {
		return err
	}

	idx := -1
	for i, repo := range repos {
		if repo.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrRepositoryNotFound
	}

	// Remove both entries before writing either file so the pair
	// disappears together.
	repos = append(repos[:idx], repos[idx+1:]...)
	delete(bookmarks, id.String())

	if err := s.saveRepositories(repos); err != nil {
		return err
	}
	if err := s.saveBookmarks(bookmarks); err != nil {
		return err
	}

	s.logger.Info().Str("repository_id", id.String()).Msg("repository deleted")
	return nil
}

// Bookmark returns the stored bookmark blob for the repository.
func (s *FileStore) Bookmark(id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookmarks, err := s.loadBookmarks()
	if err != nil {
		return nil, err
	}
	data, ok := bookmarks[id.String()]
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	return data, nil
}

// refreshBookmark mints a replacement bookmark for a stale entry and
// persists it. A failed refresh keeps the stale bookmark in place.
func (s *FileStore) refreshBookmark(id uuid.UUID, path string) {
	defer s.refreshWG.Done()

	data, err := s.sandbox.RefreshBookmark(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshing, id)

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("repository_id", id.String()).
			Msg("bookmark refresh failed, keeping stale bookmark")
		return
	}

	bookmarks, loadErr := s.loadBookmarks()
	if loadErr != nil {
		s.logger.Warn().Err(loadErr).Msg("bookmark refresh could not load bookmarks")
		return
	}
	bookmarks[id.String()] = data
	if saveErr := s.saveBookmarks(bookmarks); saveErr != nil {
		s.logger.Warn().Err(saveErr).Msg("bookmark refresh could not persist bookmarks")
		return
	}

	s.logger.Debug().Str("repository_id", id.String()).Msg("stale bookmark refreshed")
}

func (s *FileStore) loadRepositories() ([]*models.Repository, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, repositoriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repositories: %w", err)
	}

	var repos []*models.Repository
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, fmt.Errorf("parse repositories: %w", err)
	}
	return repos, nil
}

func (s *FileStore) saveRepositories(repos []*models.Repository) error {
	if repos == nil {
		repos = []*models.Repository{}
	}
	data, err := json.MarshalIndent(repos, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal repositories: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, repositoriesFile), data, 0600); err != nil {
		return fmt.Errorf("write repositories: %w", err)
	}
	return nil
}

func (s *FileStore) loadBookmarks() (map[string][]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, bookmarksFile))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, fmt.Errorf("read bookmarks: %w", err)
	}

	bookmarks := make(map[string][]byte)
	if _, err := plist.Unmarshal(data, &bookmarks); err != nil {
		return nil, fmt.Errorf("parse bookmarks: %w", err)
	}
	return bookmarks, nil
}

func (s *FileStore) saveBookmarks(bookmarks map[string][]byte) error {
	data, err := plist.Marshal(bookmarks, plist.BinaryFormat)
	if err != nil {
		return fmt.Errorf("marshal bookmarks: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, bookmarksFile), data, 0600); err != nil {
		return fmt.Errorf("write bookmarks: %w", err)
	}
	return nil
}

// WaitForRefreshes blocks until background bookmark refreshes finish.
func (s *FileStore) WaitForRefreshes() {
	s.refreshWG.Wait()
}
