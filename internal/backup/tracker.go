package backup

import "sync"

// Phase is one stage of a backup's lifecycle.
type Phase string

const (
	// PhasePreparing is entered before the restic process spawns.
	PhasePreparing Phase = "preparing"
	// PhaseBacking means status lines are arriving; it re-enters itself
	// with fresh progress on every parsed status line.
	PhaseBacking Phase = "backing"
	// PhaseFinalising means restic has emitted its summary line.
	PhaseFinalising Phase = "finalising"
	// PhaseCompleted is terminal: the process exited cleanly.
	PhaseCompleted Phase = "completed"
	// PhaseFailed is terminal: the backup ended with an error.
	PhaseFailed Phase = "failed"
	// PhaseCancelled is terminal: the caller stopped the backup.
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether no further transition is valid from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Status is one observed backup state. Progress is set for backing,
// Err for failed.
type Status struct {
	Phase    Phase
	Progress *Progress
	Err      error
}

// Tracker holds the live status of one in-flight backup and guards its
// transitions. Once a terminal phase is reached every later transition
// is absorbed, so a stray late callback from the output reader cannot
// resurrect a finished backup.
type Tracker struct {
	mu       sync.Mutex
	current  Status
	observer StatusFunc
}

// NewTracker creates a tracker in the preparing phase. The observer is
// invoked for every accepted transition, outside the tracker's lock;
// it may be nil.
func NewTracker(observer StatusFunc) *Tracker {
	return &Tracker{
		current:  Status{Phase: PhasePreparing},
		observer: observer,
	}
}

// Transition moves the tracker to status. It returns false when the
// tracker is already in a terminal phase and the transition was
// dropped.
//
// The observer runs outside the lock, so two racing accepted
// transitions may reach it out of order; the tracker's own state is
// still updated in order and terminal phases stay final. Observers
// that need strict ordering should consult Current rather than the
// delivered status.
func (t *Tracker) Transition(status Status) bool {
	t.mu.Lock()
	if t.current.Phase.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.current = status
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer(status)
	}
	return true
}

// Fail records a terminal failure. The caller is still expected to
// propagate err; recording it here only informs observers.
func (t *Tracker) Fail(err error) bool {
	return t.Transition(Status{Phase: PhaseFailed, Err: err})
}

// Cancel records a terminal cancellation.
func (t *Tracker) Cancel() bool {
	return t.Transition(Status{Phase: PhaseCancelled})
}

// Current returns the latest status.
func (t *Tracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
