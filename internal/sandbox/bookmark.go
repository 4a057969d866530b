// Package sandbox grants and tracks filesystem access through
// security-scoped bookmarks. A bookmark is an opaque blob minted for a
// path the user has granted access to; it can be resolved back to the
// path later and reports staleness when the underlying file has been
// replaced or moved.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"howett.net/plist"
)

var (
	// ErrBookmarkInvalid indicates the bookmark blob cannot be decoded.
	ErrBookmarkInvalid = errors.New("bookmark data invalid")
	// ErrBookmarkUnresolvable indicates the bookmarked path no longer exists.
	ErrBookmarkUnresolvable = errors.New("bookmark cannot be resolved")
)

// Resolution is the outcome of resolving a bookmark.
// Stale means the path still exists but no longer matches the file the
// bookmark was minted for; the caller should mint a replacement.
type Resolution struct {
	Path  string
	Stale bool
}

// Manager mints, resolves, and refreshes bookmarks, and brackets access
// to the paths they protect. Every successful StartAccessing must be
// paired with a StopAccessing.
type Manager interface {
	CreateBookmark(path string) ([]byte, error)
	ResolveBookmark(data []byte) (Resolution, error)
	RefreshBookmark(path string) ([]byte, error)
	StartAccessing(path string) (bool, error)
	StopAccessing(path string)
}

// bookmarkPayload is the serialized form of a bookmark. Device and inode
// pin the blob to the exact file it was minted for.
type bookmarkPayload struct {
	Path      string    `plist:"path"`
	Device    uint64    `plist:"device"`
	Inode     uint64    `plist:"inode"`
	CreatedAt time.Time `plist:"created_at"`
}

// FileManager implements Manager against the local filesystem.
type FileManager struct {
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]int
}

var _ Manager = (*FileManager)(nil)

// NewFileManager creates a bookmark manager.
func NewFileManager(logger zerolog.Logger) *FileManager {
	return &FileManager{
		logger: logger.With().Str("component", "sandbox").Logger(),
		active: make(map[string]int),
	}
}

// CreateBookmark mints a bookmark for path. The path must exist.
func (m *FileManager) CreateBookmark(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat bookmark target: %w", err)
	}

	payload := bookmarkPayload{
		Path:      path,
		CreatedAt: time.Now(),
	}
	payload.Device, payload.Inode = fileIdentity(info)

	data, err := plist.Marshal(payload, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("encode bookmark: %w", err)
	}

	m.logger.Debug().Str("path", path).Msg("bookmark created")
	return data, nil
}

// ResolveBookmark decodes data and checks it against the filesystem.
// A bookmark whose path is gone is unresolvable; one whose path now
// points at a different file resolves with Stale set.
func (m *FileManager) ResolveBookmark(data []byte) (Resolution, error) {
	var payload bookmarkPayload
	if _, err := plist.Unmarshal(data, &payload); err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrBookmarkInvalid, err)
	}
	if payload.Path == "" {
		return Resolution{}, ErrBookmarkInvalid
	}

	info, err := os.Stat(payload.Path)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrBookmarkUnresolvable, payload.Path)
	}

	device, inode := fileIdentity(info)
	stale := device != payload.Device || inode != payload.Inode

	if stale {
		m.logger.Debug().Str("path", payload.Path).Msg("bookmark resolved stale")
	}

	return Resolution{Path: payload.Path, Stale: stale}, nil
}

// RefreshBookmark mints a replacement bookmark for path.
func (m *FileManager) RefreshBookmark(path string) ([]byte, error) {
	data, err := m.CreateBookmark(path)
	if err != nil {
		return nil, fmt.Errorf("refresh bookmark: %w", err)
	}
	m.logger.Debug().Str("path", path).Msg("bookmark refreshed")
	return data, nil
}

// StartAccessing verifies path is readable and records the access.
// It returns false without an error when access is denied.
func (m *FileManager) StartAccessing(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			m.logger.Warn().Str("path", path).Msg("access denied")
			return false, nil
		}
		return false, fmt.Errorf("start accessing: %w", err)
	}
	f.Close()

	m.mu.Lock()
	m.active[path]++
	m.mu.Unlock()

	return true, nil
}

// StopAccessing releases one access recorded by StartAccessing.
func (m *FileManager) StopAccessing(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[path] > 0 {
		m.active[path]--
	}
	if m.active[path] == 0 {
		delete(m.active, path)
	}
}

// ActiveAccesses reports how many StartAccessing calls for path are
// still unbalanced.
func (m *FileManager) ActiveAccesses(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[path]
}

// fileIdentity extracts the device and inode that pin a bookmark to one
// specific file. Platforms without stat identities get zero values, which
// disables staleness detection rather than failing.
func fileIdentity(info os.FileInfo) (device, inode uint64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev), uint64(st.Ino)
	}
	return 0, 0
}
