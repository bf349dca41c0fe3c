package watch

import (
	"context"
	"errors"

	"github.com/jward/macrostep"
)

// Starter starts a background expansion run. *macrostep.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context) (*macrostep.Task, error)
}

// Loop runs an expansion once at start and again for every batch received
// on changes. A batch arriving while a run is in flight supersedes it: the
// run is cancelled at its next batch boundary and waited for before the
// new one starts. done, if non-nil, is called with every finished run,
// including superseded ones.
//
// Loop returns when ctx is done or changes is closed, after the last run
// finishes.
func Loop(ctx context.Context, s Starter, changes <-chan []string, done func(macrostep.Result, error)) error {
	var current *macrostep.Task
	finished := make(chan struct{})

	start := func() error {
		t, err := s.Start(ctx)
		if err != nil {
			return err
		}
		current = t
		finished = make(chan struct{})
		go func(t *macrostep.Task, finished chan struct{}) {
			res, err := t.Wait()
			if done != nil {
				done(res, err)
			}
			close(finished)
		}(t, finished)
		return nil
	}
	stop := func() {
		if current == nil {
			return
		}
		current.Cancel()
		<-finished
		current = nil
	}
	defer stop()

	if err := start(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			stop()
			if err := start(); err != nil && !errors.Is(err, macrostep.ErrRunInProgress) {
				return err
			}
		}
	}
}
