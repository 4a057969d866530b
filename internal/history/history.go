// Package history keeps a local record of backup runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mpy-dev-ml/rbum/internal/models"
)

// ErrRunNotFound is returned when no run matches the query.
var ErrRunNotFound = errors.New("backup run not found")

// SQLiteStore persists backup runs in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and migrates) the history database under dir.
func NewSQLiteStore(dir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dbPath := filepath.Join(dir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("history database opened")
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backup_runs (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			snapshot_id TEXT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			files_new INTEGER NOT NULL DEFAULT 0,
			files_changed INTEGER NOT NULL DEFAULT 0,
			bytes_added INTEGER NOT NULL DEFAULT 0,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_backup_runs_repository ON backup_runs(repository_id);
		CREATE INDEX IF NOT EXISTS idx_backup_runs_started_at ON backup_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished backup run.
func (s *SQLiteStore) Record(ctx context.Context, run *models.BackupRun) error {
	query := `
		INSERT INTO backup_runs (id, repository_id, snapshot_id, status, started_at, finished_at, files_new, files_changed, bytes_added, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(),
		run.RepositoryID.String(),
		nullString(run.SnapshotID),
		string(run.Status),
		run.StartedAt.Format(time.RFC3339),
		run.FinishedAt.Format(time.RFC3339),
		run.FilesNew,
		run.FilesChanged,
		run.BytesAdded,
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("insert backup run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", run.ID.String()).
		Str("status", string(run.Status)).
		Msg("backup run recorded")
	return nil
}

// List returns the most recent runs across all repositories.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*models.BackupRun, error) {
	query := selectRuns + ` ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query backup runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListForRepository returns the most recent runs for one repository.
func (s *SQLiteStore) ListForRepository(ctx context.Context, repoID uuid.UUID, limit int) ([]*models.BackupRun, error) {
	query := selectRuns + ` WHERE repository_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, repoID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query backup runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Latest returns the most recent run for the repository.
func (s *SQLiteStore) Latest(ctx context.Context, repoID uuid.UUID) (*models.BackupRun, error) {
	runs, err := s.ListForRepository(ctx, repoID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// Prune deletes runs that started before the cutoff and reports how
// many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM backup_runs WHERE started_at < ?`,
		olderThan.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune backup runs: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned runs: %w", err)
	}

	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("pruned old backup runs")
	}
	return removed, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectRuns = `
	SELECT id, repository_id, snapshot_id, status, started_at, finished_at, files_new, files_changed, bytes_added, error
	FROM backup_runs
`

func scanRuns(rows *sql.Rows) ([]*models.BackupRun, error) {
	var runs []*models.BackupRun
	for rows.Next() {
		var (
			run                   models.BackupRun
			id, repoID            string
			snapshotID, errText   sql.NullString
			startedAt, finishedAt string
			status                string
		)
		if err := rows.Scan(&id, &repoID, &snapshotID, &status, &startedAt, &finishedAt,
			&run.FilesNew, &run.FilesChanged, &run.BytesAdded, &errText); err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}

		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		parsedRepoID, err := uuid.Parse(repoID)
		if err != nil {
			return nil, fmt.Errorf("parse repository id: %w", err)
		}
		run.ID = parsedID
		run.RepositoryID = parsedRepoID
		run.Status = models.RunStatus(status)
		run.SnapshotID = snapshotID.String
		run.Error = errText.String

		if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}

		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup runs: %w", err)
	}
	return runs, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
