package backup

import (
	"errors"
	"fmt"
)

// ErrRepositoryNotInitialized is returned when the repository at the
// configured location has not been initialized.
var ErrRepositoryNotInitialized = errors.New("repository not initialized")

// ErrSnapshotNotFound is returned when a snapshot ID matches nothing.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrNoBackupPaths is returned when a backup is requested with an empty
// path list. No process is spawned.
var ErrNoBackupPaths = errors.New("no paths specified for backup")

// ErrNoSummary is returned when a backup exits cleanly without ever
// emitting a summary line.
var ErrNoSummary = errors.New("no backup summary found in output")

// CommandError means restic ran and exited non-zero. Stderr carries the
// tool's own complaint verbatim.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("restic exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("restic exited with code %d: %s", e.ExitCode, e.Stderr)
}

// OutputError means restic exited cleanly but its output did not decode
// into the expected shape. Distinct from CommandError so callers can
// tell "the tool failed" from "we misunderstood the tool".
type OutputError struct {
	Op  string
	Err error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("decode %s output: %v", e.Op, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// SourcePathError means a backup source path does not exist. Checked
// before any process spawns.
type SourcePathError struct {
	Path string
	Err  error
}

func (e *SourcePathError) Error() string {
	return fmt.Sprintf("backup source path %s: %v", e.Path, e.Err)
}

func (e *SourcePathError) Unwrap() error { return e.Err }
