package macrostep

// stagesPerUnit is the initial estimate for every work unit.
const stagesPerUnit = 3

// Progress is one progress update. Completed never decreases within a step;
// Estimated shrinks as units turn out to be no-ops.
type Progress struct {
	Step      int
	State     State
	Completed int
	Estimated int
}

// Fraction returns Completed/Estimated, or 1 when nothing is estimated.
func (p Progress) Fraction() float64 {
	if p.Estimated <= 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Estimated)
}

// ProgressFunc observes progress updates.
type ProgressFunc func(Progress)

type progressEvent struct {
	completed int
	estimate  int // added to the estimate
	state     *State
}

// tracker aggregates progress for one step. Its counters are owned by a
// single goroutine; workers and the writer only send events.
type tracker struct {
	events  chan progressEvent
	stopped chan struct{}
}

func newTracker(step int, units int, publish func(Progress)) *tracker {
	t := &tracker{
		events:  make(chan progressEvent, 64),
		stopped: make(chan struct{}),
	}
	p := Progress{Step: step, State: StateStepRunning, Estimated: units * stagesPerUnit}
	publish(p)
	go func() {
		defer close(t.stopped)
		for ev := range t.events {
			p.Completed += ev.completed
			p.Estimated += ev.estimate
			if ev.state != nil {
				p.State = *ev.state
			}
			publish(p)
		}
	}()
	return t
}

// resolved reports a unit through stage 1. A no-op needs no further stages.
func (t *tracker) resolved(noop bool) {
	ev := progressEvent{completed: 1}
	if noop {
		ev.estimate = -(stagesPerUnit - 1)
	}
	t.events <- ev
}

// advanced reports n units through one later stage.
func (t *tracker) advanced(n int) {
	if n > 0 {
		t.events <- progressEvent{completed: n}
	}
}

func (t *tracker) state(s State) {
	t.events <- progressEvent{state: &s}
}

// close drains outstanding events and stops the aggregator.
func (t *tracker) close() {
	close(t.events)
	<-t.stopped
}
