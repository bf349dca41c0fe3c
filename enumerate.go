package macrostep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jward/macrostep/internal/store"
)

// workUnit is one item of a step. A nil Invocation marks an invalidation:
// the record's invocation no longer exists. Definition is filled in by
// stage 1.
type workUnit struct {
	Invocation *Invocation
	Definition *Definition
	Record     *ExpansionRecord
}

// id returns the invocation ID the unit is about.
func (u workUnit) id() string {
	if u.Invocation != nil {
		return u.Invocation.ID
	}
	return u.Record.InvocationID
}

// step is the set of units at one expansion depth.
type step struct {
	depth int
	units []workUnit

	// invocations is the number of units with a live invocation.
	invocations int

	// violations are records whose blob went missing from the content store.
	violations []string

	// last is set when no deeper step can follow.
	last bool
}

// enumerator yields steps lazily. Each call to next must happen under the
// engine's read guard and after the previous step has been committed, since
// step k reads the blobs written for step k-1.
type enumerator struct {
	source   Source
	index    Index
	content  ContentStore
	maxSteps int
	logger   *slog.Logger

	depth    int
	prevLive []string
	done     bool
}

func (e *Engine) newEnumerator(logger *slog.Logger) *enumerator {
	return &enumerator{
		source:   e.source,
		index:    e.index,
		content:  e.content,
		maxSteps: e.maxSteps,
		logger:   logger,
	}
}

// next returns the next step, or false once enumeration has ended.
func (en *enumerator) next(ctx context.Context) (step, bool, error) {
	if en.done {
		return step{}, false, nil
	}
	if en.depth >= en.maxSteps {
		en.done = true
		en.logger.Debug("step bound reached", "max_steps", en.maxSteps)
		return step{}, false, nil
	}
	k := en.depth
	st := step{depth: k}

	var parents map[string]string
	if k > 0 {
		var err error
		parents, st.violations, err = en.parentTexts(ctx)
		if err != nil {
			return step{}, false, err
		}
		if len(st.violations) > 0 {
			en.done = true
			return st, true, nil
		}
	}

	invs, err := en.source.Enumerate(ctx, k, parents)
	if err != nil {
		return step{}, false, fmt.Errorf("enumerate step %d: %w", k, err)
	}
	records, err := en.index.RecordsFrom(ctx, k)
	if err != nil {
		return step{}, false, fmt.Errorf("enumerate step %d: records: %w", k, err)
	}
	byID := make(map[string]*ExpansionRecord, len(records))
	for i := range records {
		byID[records[i].InvocationID] = &records[i]
	}

	live := make(map[string]bool, len(invs))
	en.prevLive = en.prevLive[:0]
	for i := range invs {
		inv := &invs[i]
		if live[inv.ID] {
			en.logger.Warn("duplicate invocation id", "invocation", inv.ID)
			continue
		}
		live[inv.ID] = true
		en.prevLive = append(en.prevLive, inv.ID)
		st.units = append(st.units, workUnit{Invocation: inv, Record: byID[inv.ID]})
	}
	st.invocations = len(st.units)

	if st.invocations == 0 {
		// Nothing lives at this depth, so everything at or below it is an
		// orphan of a removed subtree.
		for i := range records {
			st.units = append(st.units, workUnit{Record: &records[i]})
		}
		st.last = true
		en.done = true
	} else {
		for i := range records {
			rec := &records[i]
			if rec.Depth == k && !live[rec.InvocationID] {
				st.units = append(st.units, workUnit{Record: rec})
			}
		}
	}

	en.depth++
	if len(st.units) == 0 {
		return step{}, false, nil
	}
	return st, true, nil
}

// parentTexts loads the current expansion of every live invocation of the
// previous step. A record whose blob is missing is reported as a violation.
func (en *enumerator) parentTexts(ctx context.Context) (map[string]string, []string, error) {
	parents := make(map[string]string, len(en.prevLive))
	var violations []string
	for _, id := range en.prevLive {
		rec, err := en.index.Lookup(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup parent %s: %w", id, err)
		}
		if !rec.HasBlob() {
			continue
		}
		text, err := en.content.Load(ctx, *rec.Blob)
		if errors.Is(err, store.ErrBlobNotFound) {
			violations = append(violations, id)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load parent %s: %w", id, err)
		}
		parents[id] = text
	}
	return parents, violations, nil
}
