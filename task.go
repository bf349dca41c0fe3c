package macrostep

import (
	"context"
	"sync"
	"time"
)

// State is the step driver's state.
type State int

const (
	StateIdle State = iota
	StateStepRunning
	StateDraining
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStepRunning:
		return "step-running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarizes a finished run.
type Result struct {
	RunID string
	State State

	// Steps is the number of steps that started.
	Steps int
	// Units counts every work unit across all steps.
	Units int

	Expanded    int
	Refreshed   int
	Failed      int
	Invalidated int
	Unchanged   int

	Batches   int
	Cancelled bool
	Duration  time.Duration
}

// Task is a handle on a background run.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	progress Progress
	result   Result
	err      error
}

func newTask(cancel context.CancelFunc) *Task {
	return &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Progress returns the completed fraction of the current step, in [0, 1].
func (t *Task) Progress() float64 {
	return t.Snapshot().Fraction()
}

// Snapshot returns the latest progress update.
func (t *Task) Snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Cancel asks the run to stop at the next batch or step boundary.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the run has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run finishes and returns its result.
func (t *Task) Wait() (Result, error) {
	<-t.done
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result, t.err
}

func (t *Task) setProgress(p Progress) {
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

// finish records the outcome and signals completion. Only the first call
// has any effect.
func (t *Task) finish(res Result, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.result = res
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}
