// Package models defines the core data types shared across rBUM services.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Repository represents a restic repository managed by rBUM.
// Path is the repository location on disk; sandboxed access to it is
// granted through a security-scoped bookmark stored alongside the record.
type Repository struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRepository creates a new Repository with a fresh ID.
func NewRepository(name, path string) *Repository {
	return &Repository{
		ID:        uuid.New(),
		Name:      name,
		Path:      path,
		CreatedAt: time.Now(),
	}
}
