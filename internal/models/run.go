package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of a backup run.
type RunStatus string

const (
	// RunStatusCompleted means the backup finished and a snapshot exists.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the backup ended with an error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means the backup was stopped before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// BackupRun records one backup execution for the history store.
type BackupRun struct {
	ID           uuid.UUID `json:"id"`
	RepositoryID uuid.UUID `json:"repository_id"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	Status       RunStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	FilesNew     int       `json:"files_new"`
	FilesChanged int       `json:"files_changed"`
	BytesAdded   int64     `json:"bytes_added"`
	Error        string    `json:"error,omitempty"`
}

// NewBackupRun creates a run record marked as started now.
func NewBackupRun(repoID uuid.UUID) *BackupRun {
	return &BackupRun{
		ID:           uuid.New(),
		RepositoryID: repoID,
		StartedAt:    time.Now(),
	}
}
