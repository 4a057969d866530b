// Package backup drives the restic CLI: it builds command invocations,
// streams progress out of restic's JSON-lines output, and tracks each
// backup through its lifecycle.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpy-dev-ml/rbum/internal/models"
	"github.com/mpy-dev-ml/rbum/internal/process"
)

// Config tells restic which repository to talk to and how to unlock it.
// Both values travel to the child process as environment variables
// (RESTIC_REPOSITORY, RESTIC_PASSWORD), never as arguments, so they
// cannot leak through the process list.
type Config struct {
	Repository string
	Password   string
}

func (c Config) environ() map[string]string {
	return map[string]string{
		"RESTIC_REPOSITORY": c.Repository,
		"RESTIC_PASSWORD":   c.Password,
	}
}

// ConfigFromCredentials builds a Config from stored credentials.
func ConfigFromCredentials(creds *models.RepositoryCredentials) Config {
	return Config{
		Repository: creds.RepositoryPath,
		Password:   creds.Password,
	}
}

// Snapshot is one restic snapshot as reported by `snapshots --json`.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags,omitempty"`
}

// CheckResult reports the outcome of a repository integrity check.
type CheckResult struct {
	Errors   []string
	Duration time.Duration
}

// OK reports whether the check found no problems.
func (r *CheckResult) OK() bool { return len(r.Errors) == 0 }

// ForgetResult summarises a forget/prune pass.
type ForgetResult struct {
	SnapshotsKept    int      `json:"snapshots_kept"`
	SnapshotsRemoved int      `json:"snapshots_removed"`
	RemovedIDs       []string `json:"removed_ids,omitempty"`
}

// RepoStats holds repository-wide statistics from `stats --json`.
type RepoStats struct {
	TotalSize      int64 `json:"total_size"`
	TotalFileCount int   `json:"total_file_count"`
}

// RestoreOptions configures a restore operation.
type RestoreOptions struct {
	Target  string
	Include []string
	Exclude []string
}

// Restic builds and runs restic invocations through an Executor and
// translates exit codes and output into typed results.
type Restic struct {
	binary string
	exec   process.Executor
	logger zerolog.Logger
}

// NewRestic creates a service using the `restic` binary from PATH.
func NewRestic(exec process.Executor, logger zerolog.Logger) *Restic {
	return NewResticWithBinary("restic", exec, logger)
}

// NewResticWithBinary creates a service using a specific binary.
func NewResticWithBinary(binary string, exec process.Executor, logger zerolog.Logger) *Restic {
	if binary == "" {
		binary = "restic"
	}
	return &Restic{
		binary: binary,
		exec:   exec,
		logger: logger.With().Str("component", "restic").Logger(),
	}
}

// Init initializes a new repository at the configured location.
// An already-initialized repository is not an error.
func (r *Restic) Init(ctx context.Context, cfg Config) error {
	r.logger.Info().Str("repository", cfg.Repository).Msg("initializing repository")

	if _, err := r.run(ctx, cfg, []string{"init"}, nil); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) &&
			(strings.Contains(cmdErr.Stderr, "already exists") ||
				strings.Contains(cmdErr.Stderr, "already initialized")) {
			r.logger.Debug().Msg("repository already initialized")
			return nil
		}
		return fmt.Errorf("init repository: %w", err)
	}

	r.logger.Info().Msg("repository initialized")
	return nil
}

// Check verifies the repository's integrity.
func (r *Restic) Check(ctx context.Context, cfg Config) (*CheckResult, error) {
	return r.check(ctx, cfg, []string{"check", "--json"})
}

// CheckWithPassword verifies a repository identified entirely through
// arguments instead of the environment. This mode exists for callers
// probing a repository before any credentials are stored; the password
// is visible in the process list for the check's duration, so the
// environment-based Check is preferred wherever credentials exist.
func (r *Restic) CheckWithPassword(ctx context.Context, repository, password string) (*CheckResult, error) {
	args := []string{"check", "--json", "--repository", repository, "--password", password}
	return r.check(ctx, Config{}, args)
}

func (r *Restic) check(ctx context.Context, cfg Config, args []string) (*CheckResult, error) {
	r.logger.Debug().Msg("checking repository integrity")
	start := time.Now()

	out, err := r.run(ctx, cfg, args, nil)
	result := &CheckResult{Duration: time.Since(start)}

	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			if strings.Contains(cmdErr.Stderr, "repository does not exist") ||
				strings.Contains(cmdErr.Stderr, "unable to open config file") {
				return nil, ErrRepositoryNotInitialized
			}
			result.Errors = append(result.Errors, checkErrors(out)...)
			result.Errors = append(result.Errors, cmdErr.Stderr)
			return result, fmt.Errorf("check failed: %w", err)
		}
		return nil, fmt.Errorf("check failed: %w", err)
	}

	result.Errors = checkErrors(out)
	r.logger.Debug().Dur("duration", result.Duration).Int("errors", len(result.Errors)).Msg("repository check finished")
	return result, nil
}

// checkErrors extracts error messages from check's JSON-lines output.
// Unstructured lines are skipped.
func checkErrors(output string) []string {
	var errs []string
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		var msg struct {
			MessageType string `json:"message_type"`
			Message     string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.MessageType == "error" && msg.Message != "" {
			errs = append(errs, msg.Message)
		}
	}
	return errs
}

// Backup backs up paths into the repository and blocks until restic
// exits. Progress and phase callbacks fire per parsed status line while
// the process runs. The path list is validated before anything spawns:
// an empty list or a missing source path never starts a process.
func (r *Restic) Backup(ctx context.Context, cfg Config, paths, tags []string, onProgress ProgressFunc, onStatus StatusFunc) (*Summary, error) {
	if len(paths) == 0 {
		return nil, ErrNoBackupPaths
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, &SourcePathError{Path: path, Err: err}
		}
	}

	r.logger.Info().Strs("paths", paths).Strs("tags", tags).Msg("starting backup")

	args := []string{"backup"}
	args = append(args, paths...)
	args = append(args, "--json", "--verbose")
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}

	parser := NewProgressParser(onProgress, onStatus, r.logger)
	if _, err := r.run(ctx, cfg, args, parser.Parse); err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}

	summary := parser.Summary()
	if summary == nil {
		return nil, &OutputError{Op: "backup", Err: ErrNoSummary}
	}

	r.logger.Info().
		Str("snapshot_id", summary.SnapshotID).
		Int("files_new", summary.FilesNew).
		Int("files_changed", summary.FilesChanged).
		Int64("data_added", summary.DataAdded).
		Msg("backup completed")

	return summary, nil
}

// Snapshots lists every snapshot in the repository.
func (r *Restic) Snapshots(ctx context.Context, cfg Config) ([]Snapshot, error) {
	r.logger.Debug().Msg("listing snapshots")

	out, err := r.run(ctx, cfg, []string{"snapshots", "--json"}, nil)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) &&
			(strings.Contains(cmdErr.Stderr, "repository does not exist") ||
				strings.Contains(cmdErr.Stderr, "unable to open config file")) {
			return nil, ErrRepositoryNotInitialized
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal([]byte(out), &snapshots); err != nil {
		return nil, &OutputError{Op: "snapshots", Err: err}
	}

	r.logger.Debug().Int("count", len(snapshots)).Msg("snapshots listed")
	return snapshots, nil
}

// Forget applies the retention policy and prunes unreferenced data.
// Every retention bucket is optional; only non-zero buckets become
// flags.
func (r *Restic) Forget(ctx context.Context, cfg Config, policy models.RetentionPolicy) (*ForgetResult, error) {
	r.logger.Info().Interface("retention", policy).Msg("applying retention policy")

	args := []string{"forget", "--prune", "--json"}
	args = append(args, retentionArgs(policy)...)

	out, err := r.run(ctx, cfg, args, nil)
	if err != nil {
		return nil, fmt.Errorf("forget failed: %w", err)
	}

	result := parseForgetOutput(out)
	r.logger.Info().
		Int("snapshots_removed", result.SnapshotsRemoved).
		Int("snapshots_kept", result.SnapshotsKept).
		Msg("retention applied")
	return result, nil
}

// Restore restores a snapshot into opts.Target.
func (r *Restic) Restore(ctx context.Context, cfg Config, snapshotID string, opts RestoreOptions) error {
	r.logger.Info().
		Str("snapshot_id", snapshotID).
		Str("target", opts.Target).
		Msg("starting restore")

	args := []string{"restore", snapshotID, "--target", opts.Target}
	for _, include := range opts.Include {
		args = append(args, "--include", include)
	}
	for _, exclude := range opts.Exclude {
		args = append(args, "--exclude", exclude)
	}
	args = append(args, "--json")

	if _, err := r.run(ctx, cfg, args, nil); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "no matching ID") {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("restore failed: %w", err)
	}

	r.logger.Info().Msg("restore completed")
	return nil
}

// Stats returns repository-wide statistics.
func (r *Restic) Stats(ctx context.Context, cfg Config) (*RepoStats, error) {
	out, err := r.run(ctx, cfg, []string{"stats", "--json"}, nil)
	if err != nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}

	var stats RepoStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		return nil, &OutputError{Op: "stats", Err: err}
	}
	return &stats, nil
}

// Unlock removes stale locks left behind by interrupted operations.
func (r *Restic) Unlock(ctx context.Context, cfg Config) error {
	if _, err := r.run(ctx, cfg, []string{"unlock"}, nil); err != nil {
		return fmt.Errorf("unlock failed: %w", err)
	}
	return nil
}

// Version reports the installed restic version. No repository is
// needed, so no credentials travel to the process.
func (r *Restic) Version(ctx context.Context) (string, error) {
	out, err := r.run(ctx, Config{}, []string{"version"}, nil)
	if err != nil {
		return "", fmt.Errorf("restic version: %w", err)
	}

	// "restic 0.16.4 compiled with go1.21.6 on darwin/arm64"
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) >= 2 {
		return fields[1], nil
	}
	return strings.TrimSpace(out), nil
}

// run executes one restic invocation. A non-zero exit becomes a
// *CommandError carrying the captured stderr; spawn failures pass
// through from the executor.
func (r *Restic) run(ctx context.Context, cfg Config, args []string, onLine process.LineFunc) (string, error) {
	r.logger.Debug().Str("binary", r.binary).Strs("args", args).Msg("executing restic")

	result, err := r.exec.Execute(ctx, r.binary, args, cfg.environ(), onLine)
	if err != nil {
		return "", err
	}

	if result.ExitCode != 0 {
		stderr := strings.TrimSpace(result.Error)
		if stderr == "" {
			stderr = strings.TrimSpace(result.Output)
		}
		return result.Output, &CommandError{ExitCode: result.ExitCode, Stderr: stderr}
	}

	return result.Output, nil
}

// retentionArgs converts the policy into forget flags, one per
// non-zero bucket.
func retentionArgs(policy models.RetentionPolicy) []string {
	var args []string
	if policy.KeepLast > 0 {
		args = append(args, "--keep-last", strconv.Itoa(policy.KeepLast))
	}
	if policy.KeepHourly > 0 {
		args = append(args, "--keep-hourly", strconv.Itoa(policy.KeepHourly))
	}
	if policy.KeepDaily > 0 {
		args = append(args, "--keep-daily", strconv.Itoa(policy.KeepDaily))
	}
	if policy.KeepWeekly > 0 {
		args = append(args, "--keep-weekly", strconv.Itoa(policy.KeepWeekly))
	}
	if policy.KeepMonthly > 0 {
		args = append(args, "--keep-monthly", strconv.Itoa(policy.KeepMonthly))
	}
	if policy.KeepYearly > 0 {
		args = append(args, "--keep-yearly", strconv.Itoa(policy.KeepYearly))
	}
	return args
}

// forgetGroup is one group in forget's JSON output.
type forgetGroup struct {
	Keep   []forgetSnapshot `json:"keep"`
	Remove []forgetSnapshot `json:"remove"`
}

type forgetSnapshot struct {
	ID      string `json:"id"`
	ShortID string `json:"short_id"`
}

// parseForgetOutput tallies kept and removed snapshots from forget's
// output. restic emits either one JSON array or several objects on
// separate lines depending on version; both shapes are handled and
// anything unparseable contributes nothing.
func parseForgetOutput(output string) *ForgetResult {
	result := &ForgetResult{}

	var groups []forgetGroup
	if err := json.Unmarshal([]byte(output), &groups); err == nil {
		for _, group := range groups {
			tallyForgetGroup(result, group)
		}
		return result
	}

	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		var group forgetGroup
		if err := json.Unmarshal([]byte(line), &group); err != nil {
			continue
		}
		tallyForgetGroup(result, group)
	}
	return result
}

func tallyForgetGroup(result *ForgetResult, group forgetGroup) {
	result.SnapshotsKept += len(group.Keep)
	result.SnapshotsRemoved += len(group.Remove)
	for _, snap := range group.Remove {
		result.RemovedIDs = append(result.RemovedIDs, snap.ShortID)
	}
}
