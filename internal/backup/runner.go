package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mpy-dev-ml/rbum/internal/credentials"
	"github.com/mpy-dev-ml/rbum/internal/models"
	"github.com/mpy-dev-ml/rbum/internal/sandbox"
	"github.com/mpy-dev-ml/rbum/internal/store"
)

// ErrBackupInProgress is returned when a backup is requested for a
// repository that already has one running.
var ErrBackupInProgress = errors.New("backup already in progress for repository")

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// Recorder persists finished backup runs. Satisfied by the history
// store; tests substitute a fake.
type Recorder interface {
	Record(ctx context.Context, run *models.BackupRun) error
}

// BackupRequest identifies what to back up where.
type BackupRequest struct {
	RepositoryID uuid.UUID
	Paths        []string
	Tags         []string
}

// Runner coordinates one backup end to end: it resolves the repository
// and its credentials, brackets sandboxed access to the repository
// path, drives the status tracker while restic runs, and records the
// outcome in the history store.
type Runner struct {
	restic  *Restic
	store   store.Store
	creds   credentials.Manager
	sandbox sandbox.Manager
	history Recorder
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*inflight
}

type inflight struct {
	cancel  context.CancelFunc
	tracker *Tracker
}

// NewRunner creates a runner. history may be nil when no run history
// is wanted.
func NewRunner(restic *Restic, st store.Store, creds credentials.Manager, sb sandbox.Manager, history Recorder, logger zerolog.Logger) *Runner {
	return &Runner{
		restic:  restic,
		store:   st,
		creds:   creds,
		sandbox: sb,
		history: history,
		logger:  logger.With().Str("component", "runner").Logger(),
		running: make(map[uuid.UUID]*inflight),
	}
}

// Backup runs a backup for the requested repository and blocks until it
// finishes. Phase transitions reach onStatus in order; a failure is
// mirrored into the failed phase for observers and still returned to
// the caller.
func (r *Runner) Backup(ctx context.Context, req BackupRequest, onProgress ProgressFunc, onStatus StatusFunc) (*Summary, error) {
	tracker := NewTracker(onStatus)
	tracker.Transition(Status{Phase: PhasePreparing})

	cancelCtx, err := r.register(req.RepositoryID, tracker)
	if err != nil {
		tracker.Fail(err)
		return nil, err
	}
	defer r.unregister(req.RepositoryID)
	runCtx, stop := mergeContext(ctx, cancelCtx)
	defer stop()

	repo, err := r.store.Get(req.RepositoryID)
	if err != nil {
		tracker.Fail(err)
		return nil, fmt.Errorf("resolve repository: %w", err)
	}
	creds, err := r.creds.Retrieve(req.RepositoryID)
	if err != nil {
		tracker.Fail(err)
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}

	release := r.acquireAccess(repo)
	defer release()

	run := models.NewBackupRun(repo.ID)
	summary, err := r.restic.Backup(runCtx, ConfigFromCredentials(creds), req.Paths, req.Tags,
		onProgress,
		func(status Status) { tracker.Transition(status) },
	)

	if err != nil {
		if tracker.Current().Phase == PhaseCancelled || errors.Is(err, context.Canceled) {
			tracker.Cancel()
			run.Status = models.RunStatusCancelled
		} else {
			tracker.Fail(err)
			run.Status = models.RunStatusFailed
		}
		run.Error = err.Error()
		r.record(run)
		return nil, err
	}

	tracker.Transition(Status{Phase: PhaseCompleted})

	run.Status = models.RunStatusCompleted
	run.SnapshotID = summary.SnapshotID
	run.FilesNew = summary.FilesNew
	run.FilesChanged = summary.FilesChanged
	run.BytesAdded = summary.DataAdded
	r.record(run)

	return summary, nil
}

// Cancel stops the in-flight backup for the repository. The tracker
// flips to cancelled immediately and the child process is terminated
// through its context. Returns false when nothing was running.
func (r *Runner) Cancel(repoID uuid.UUID) bool {
	r.mu.Lock()
	inf, ok := r.running[repoID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	inf.tracker.Cancel()
	inf.cancel()
	r.logger.Info().Str("repository_id", repoID.String()).Msg("backup cancelled")
	return true
}

// Status returns the tracker status of an in-flight backup.
func (r *Runner) Status(repoID uuid.UUID) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inf, ok := r.running[repoID]
	if !ok {
		return Status{}, false
	}
	return inf.tracker.Current(), true
}

func (r *Runner) register(repoID uuid.UUID, tracker *Tracker) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.running[repoID]; exists {
		return nil, ErrBackupInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.running[repoID] = &inflight{cancel: cancel, tracker: tracker}
	return ctx, nil
}

func (r *Runner) unregister(repoID uuid.UUID) {
	r.mu.Lock()
	if inf, ok := r.running[repoID]; ok {
		inf.cancel()
		delete(r.running, repoID)
	}
	r.mu.Unlock()
}

// acquireAccess brackets sandboxed access to the repository path for
// the duration of the backup. Access problems are logged, not fatal;
// restic reports its own failure if the path is truly unreachable.
func (r *Runner) acquireAccess(repo *models.Repository) func() {
	data, err := r.store.Bookmark(repo.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("repository_id", repo.ID.String()).Msg("no bookmark for repository")
		return func() {}
	}

	res, err := r.sandbox.ResolveBookmark(data)
	if err != nil {
		r.logger.Warn().Err(err).Str("repository_id", repo.ID.String()).Msg("bookmark resolution failed")
		return func() {}
	}

	granted, err := r.sandbox.StartAccessing(res.Path)
	if err != nil || !granted {
		r.logger.Warn().Err(err).Str("path", res.Path).Msg("sandboxed access not granted")
		return func() {}
	}

	path := res.Path
	return func() { r.sandbox.StopAccessing(path) }
}

func (r *Runner) record(run *models.BackupRun) {
	if r.history == nil {
		return
	}
	run.FinishedAt = nowFunc()
	if err := r.history.Record(context.Background(), run); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record backup run")
	}
}

// mergeContext cancels the returned context when either parent is
// done, linking the caller's deadline to the per-run cancel handle.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-stopped:
		}
	}()
	return ctx, func() {
		close(stopped)
		cancel()
	}
}
