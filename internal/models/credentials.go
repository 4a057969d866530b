package models

import (
	"time"

	"github.com/google/uuid"
)

// RepositoryCredentials holds the secret material for one repository.
// Password is the restic repository password; it is only ever handed to
// restic through the process environment, never on the command line.
// KeyFileName is optional and names a key file relative to the repository.
type RepositoryCredentials struct {
	RepositoryID   uuid.UUID `json:"repository_id"`
	Password       string    `json:"password"`
	RepositoryPath string    `json:"repository_path"`
	KeyFileName    string    `json:"key_file_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// NewRepositoryCredentials creates credentials for the given repository.
func NewRepositoryCredentials(repoID uuid.UUID, password, repoPath string) *RepositoryCredentials {
	now := time.Now()
	return &RepositoryCredentials{
		RepositoryID:   repoID,
		Password:       password,
		RepositoryPath: repoPath,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
}

// Touch advances ModifiedAt. CreatedAt is never changed after construction.
func (c *RepositoryCredentials) Touch() {
	c.ModifiedAt = time.Now()
}
