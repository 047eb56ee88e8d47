package progress

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrDuplicateOperation is returned when an operation id is already tracked.
	ErrDuplicateOperation = errors.New("operation already tracked")
	// ErrUnknownOperation is returned for ids the tracker has never seen or already cleaned up.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnknownStep is returned when a step id does not belong to the operation.
	ErrUnknownStep = errors.New("unknown step")
)

// DefaultRetention is how long terminal operations are kept before Cleanup sweeps them.
const DefaultRetention = time.Hour

type operation struct {
	id        string
	name      string
	status    string
	steps     []*Step
	stepIndex map[string]int
	current   string
	opErr     string
	startedAt time.Time
	endedAt   *time.Time
	notified  bool
}

// Tracker tracks named operations composed of weighted steps. It is safe for
// one writer and many concurrent readers.
type Tracker struct {
	mu        sync.RWMutex
	ops       map[string]*operation
	retention time.Duration
	onEvent   func(State)
}

// NewTracker constructs a Tracker. onEvent, when non-nil, is invoked with a
// snapshot after every state change; the terminal snapshot for an operation is
// delivered exactly once.
func NewTracker(retention time.Duration, onEvent func(State)) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		ops:       make(map[string]*operation),
		retention: retention,
		onEvent:   onEvent,
	}
}

// StartOperation begins tracking an operation with the given ordered steps.
func (t *Tracker) StartOperation(id, name string, steps []StepSpec) (State, error) {
	if id == "" {
		return State{}, errors.New("operation id is required")
	}
	if len(steps) == 0 {
		return State{}, errors.New("at least one step is required")
	}

	op := &operation{
		id:        id,
		name:      name,
		status:    OpInProgress,
		steps:     make([]*Step, 0, len(steps)),
		stepIndex: make(map[string]int, len(steps)),
		startedAt: time.Now().UTC(),
	}
	for i, spec := range steps {
		if spec.Weight <= 0 {
			return State{}, fmt.Errorf("step %q: weight must be positive", spec.ID)
		}
		if _, dup := op.stepIndex[spec.ID]; dup {
			return State{}, fmt.Errorf("step %q: duplicate id", spec.ID)
		}
		op.steps = append(op.steps, &Step{
			ID:     spec.ID,
			Name:   spec.Name,
			Weight: spec.Weight,
			Status: StepPending,
		})
		op.stepIndex[spec.ID] = i
	}

	t.mu.Lock()
	if _, exists := t.ops[id]; exists {
		t.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrDuplicateOperation, id)
	}
	t.ops[id] = op
	snap := snapshot(op)
	t.mu.Unlock()

	t.emit(snap)
	return snap, nil
}

// StartStep marks a step in-progress and makes it the operation's current step.
func (t *Tracker) StartStep(id, stepID string) error {
	return t.mutate(id, stepID, func(op *operation, step *Step) {
		now := time.Now().UTC()
		step.Status = StepInProgress
		step.StartedAt = &now
		op.current = stepID
	})
}

// CompleteStep marks a step completed and finishes the operation once every
// step is completed or skipped.
func (t *Tracker) CompleteStep(id, stepID string, metadata map[string]any) error {
	return t.mutate(id, stepID, func(op *operation, step *Step) {
		now := time.Now().UTC()
		step.Status = StepCompleted
		step.Progress = 0
		step.EndedAt = &now
		if metadata != nil {
			step.Metadata = metadata
		}
		maybeFinish(op)
	})
}

// FailStep marks a step failed. The operation itself keeps running; callers
// decide whether to FailOperation.
func (t *Tracker) FailStep(id, stepID string, stepErr error) error {
	return t.mutate(id, stepID, func(op *operation, step *Step) {
		now := time.Now().UTC()
		step.Status = StepFailed
		step.EndedAt = &now
		if stepErr != nil {
			step.Error = stepErr.Error()
		}
	})
}

// SkipStep marks a step skipped; its weight counts as fully contributed so
// overall progress does not stall.
func (t *Tracker) SkipStep(id, stepID, reason string) error {
	return t.mutate(id, stepID, func(op *operation, step *Step) {
		now := time.Now().UTC()
		step.Status = StepSkipped
		step.Progress = 0
		step.EndedAt = &now
		if reason != "" {
			if step.Metadata == nil {
				step.Metadata = map[string]any{}
			}
			step.Metadata["reason"] = reason
		}
		maybeFinish(op)
	})
}

// UpdateStepProgress records partial completion (0-100) of an in-progress step.
func (t *Tracker) UpdateStepProgress(id, stepID string, fraction float64, metadata map[string]any) error {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 100 {
		fraction = 100
	}
	return t.mutate(id, stepID, func(op *operation, step *Step) {
		step.Progress = fraction
		if metadata != nil {
			step.Metadata = metadata
		}
	})
}

// FailOperation forces the operation into a failed terminal state.
func (t *Tracker) FailOperation(id string, opErr error) error {
	return t.mutateOp(id, func(op *operation) {
		now := time.Now().UTC()
		op.status = OpFailed
		op.endedAt = &now
		if opErr != nil {
			op.opErr = opErr.Error()
		}
	})
}

// CancelOperation forces a cancelled terminal state and skips every
// non-terminal step with a cancellation reason.
func (t *Tracker) CancelOperation(id string) error {
	return t.mutateOp(id, func(op *operation) {
		now := time.Now().UTC()
		op.status = OpCancelled
		op.endedAt = &now
		for _, step := range op.steps {
			if step.Status == StepPending || step.Status == StepInProgress {
				step.Status = StepSkipped
				step.Progress = 0
				step.EndedAt = &now
				if step.Metadata == nil {
					step.Metadata = map[string]any{}
				}
				step.Metadata["reason"] = "operation cancelled"
			}
		}
	})
}

// Get returns a snapshot of the operation, if tracked.
func (t *Tracker) Get(id string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	if !ok {
		return State{}, false
	}
	return snapshot(op), true
}

// Cleanup removes a specific terminal operation. Removing an in-flight
// operation is an error.
func (t *Tracker) Cleanup(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if !terminal(op.status) {
		return fmt.Errorf("operation %s still in progress", id)
	}
	delete(t.ops, id)
	return nil
}

// Sweep removes all terminal operations older than the retention threshold and
// returns how many were removed.
func (t *Tracker) Sweep() int {
	cutoff := time.Now().UTC().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, op := range t.ops {
		if terminal(op.status) && op.endedAt != nil && op.endedAt.Before(cutoff) {
			delete(t.ops, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) mutate(id, stepID string, fn func(*operation, *Step)) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	idx, ok := op.stepIndex[stepID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownStep, id, stepID)
	}
	wasTerminal := terminal(op.status) && op.notified
	fn(op, op.steps[idx])
	snap, notify := t.snapshotForEmit(op, wasTerminal)
	t.mu.Unlock()

	if notify {
		t.emit(snap)
	}
	return nil
}

func (t *Tracker) mutateOp(id string, fn func(*operation)) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if terminal(op.status) {
		t.mu.Unlock()
		return nil
	}
	fn(op)
	snap, notify := t.snapshotForEmit(op, false)
	t.mu.Unlock()

	if notify {
		t.emit(snap)
	}
	return nil
}

// snapshotForEmit builds the event snapshot under the lock and decides whether
// to deliver it, ensuring the terminal snapshot fires exactly once.
func (t *Tracker) snapshotForEmit(op *operation, wasTerminal bool) (State, bool) {
	if wasTerminal {
		return State{}, false
	}
	if terminal(op.status) {
		op.notified = true
	}
	return snapshot(op), true
}

// emit runs outside the tracker lock so a slow subscriber cannot block writers.
func (t *Tracker) emit(snap State) {
	if t.onEvent != nil {
		t.onEvent(snap)
	}
}

func maybeFinish(op *operation) {
	if terminal(op.status) {
		return
	}
	for _, step := range op.steps {
		if step.Status != StepCompleted && step.Status != StepSkipped {
			return
		}
	}
	now := time.Now().UTC()
	op.status = OpCompleted
	op.endedAt = &now
}

func terminal(status string) bool {
	return status == OpCompleted || status == OpFailed || status == OpCancelled
}

func snapshot(op *operation) State {
	steps := make([]Step, len(op.steps))
	completed := 0
	allDone := true
	var totalWeight, contributed float64
	for i, step := range op.steps {
		s := *step
		if step.Metadata != nil {
			s.Metadata = make(map[string]any, len(step.Metadata))
			for k, v := range step.Metadata {
				s.Metadata[k] = v
			}
		}
		steps[i] = s

		totalWeight += step.Weight
		switch step.Status {
		case StepCompleted, StepSkipped:
			contributed += step.Weight
			completed++
		case StepInProgress:
			contributed += step.Weight * step.Progress / 100
			allDone = false
		default:
			allDone = false
		}
	}

	overall := 0
	if totalWeight > 0 {
		overall = int(math.Round(100 * contributed / totalWeight))
	}
	// Rounding must not report 100 while work remains.
	if overall >= 100 && !allDone {
		overall = 99
	}

	state := State{
		ID:             op.id,
		Name:           op.name,
		Status:         op.status,
		Steps:          steps,
		CurrentStep:    op.current,
		CompletedSteps: completed,
		TotalSteps:     len(op.steps),
		Overall:        overall,
		Error:          op.opErr,
		StartedAt:      op.startedAt,
		EndedAt:        op.endedAt,
	}

	if op.status == OpInProgress && overall > 0 {
		elapsed := time.Since(op.startedAt)
		left := time.Duration(float64(elapsed)/(float64(overall)/100)) - elapsed
		if left < 0 {
			left = 0
		}
		state.EstimatedLeft = &left
	}

	return state
}
