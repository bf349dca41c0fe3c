package macrostep

import (
	"context"
	"errors"
	"fmt"

	"github.com/jward/macrostep/internal/metrics"
	"github.com/jward/macrostep/internal/store"
)

type resultKind int

const (
	resultNoop resultKind = iota
	resultOK
	resultFail
	resultInvalidate
)

// stageResult is the outcome of stage 1 for one unit.
type stageResult struct {
	kind resultKind
	unit workUnit

	// text is the new expansion; set for resultOK only.
	text     string
	callHash string
	defHash  string

	// refresh turns a no-op into an index-only hash update.
	refresh bool

	// cause explains a fail, or a no-op that would have been a fail had
	// there been a previous expansion.
	cause error

	// violation marks a record whose blob is missing.
	violation bool
}

// needsWrite reports whether the result goes on to stages 2 and 3.
func (r stageResult) needsWrite() bool {
	switch r.kind {
	case resultOK, resultFail, resultInvalidate:
		return true
	case resultNoop:
		return r.refresh
	default:
		panic(fmt.Sprintf("unknown result kind %d", r.kind))
	}
}

// outcome is the metrics label for the result.
func (r stageResult) outcome() string {
	switch r.kind {
	case resultOK:
		return metrics.OutcomeExpanded
	case resultFail:
		return metrics.OutcomeFailed
	case resultInvalidate:
		return metrics.OutcomeInvalidate
	case resultNoop:
		switch {
		case r.refresh:
			return metrics.OutcomeRefreshed
		case r.cause != nil:
			return metrics.OutcomeFailed
		default:
			return metrics.OutcomeNoop
		}
	default:
		panic(fmt.Sprintf("unknown result kind %d", r.kind))
	}
}

// resolveAndExpand is stage 1. It only reads from the source, the index
// snapshot carried by the unit, and the content store. A non-nil error is
// unrecoverable for the run; per-unit failures are reported in the result.
func (e *Engine) resolveAndExpand(ctx context.Context, unit workUnit) (stageResult, error) {
	res := stageResult{unit: unit}
	rec := unit.Record
	inv := unit.Invocation

	if inv == nil {
		res.kind = resultInvalidate
		return res, nil
	}
	if !e.source.IsValid(ctx, *inv) {
		if rec != nil {
			res.kind = resultInvalidate
		}
		return res, nil
	}

	def, err := e.source.Resolve(ctx, *inv)
	if err != nil || def == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		cause := errUnresolved
		if err != nil {
			cause = fmt.Errorf("%w: %w", errUnresolved, err)
		}
		return failed(res, cause), nil
	}
	res.unit.Definition = def
	res.callHash = inv.CallHash
	res.defHash = def.BodyHash

	if rec.UpToDate(res.callHash, res.defHash) {
		return res, nil
	}

	text, err := e.expander.Expand(ctx, *def, *inv)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return failed(res, fmt.Errorf("%w: %w", errExpansion, err)), nil
	}

	if rec.HasBlob() {
		current, err := e.content.Load(ctx, *rec.Blob)
		switch {
		case errors.Is(err, store.ErrBlobNotFound):
			res.violation = true
			return res, nil
		case err != nil:
			return res, fmt.Errorf("load %s: %w", inv.ID, err)
		case current == text:
			res.refresh = e.hashRefresh
			return res, nil
		}
	}

	res.kind = resultOK
	res.text = text
	return res, nil
}

// failed degrades res to a failure. Without a previous expansion there is
// nothing to remove, so it stays a no-op.
func failed(res stageResult, cause error) stageResult {
	res.cause = cause
	if res.unit.Record.HasBlob() {
		res.kind = resultFail
	}
	return res
}

type writeOp int

const (
	opNone writeOp = iota
	opCreate
	opOverwrite
	opDelete
)

func (op writeOp) String() string {
	switch op {
	case opNone:
		return "none"
	case opCreate:
		return "create"
	case opOverwrite:
		return "overwrite"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// pendingWrite carries a result through stages 2 and 3.
type pendingWrite struct {
	result stageResult
	op     writeOp

	// blob is the reference the index entry will point at.
	blob *BlobRef
}

// planWrite chooses the content-store mutation for a result.
func planWrite(res stageResult) pendingWrite {
	pw := pendingWrite{result: res}
	rec := res.unit.Record
	switch res.kind {
	case resultOK:
		if rec.HasBlob() {
			pw.op = opOverwrite
			pw.blob = rec.Blob
		} else {
			pw.op = opCreate
		}
	case resultFail, resultInvalidate:
		if rec.HasBlob() {
			pw.op = opDelete
		}
	case resultNoop:
		if rec.HasBlob() {
			pw.blob = rec.Blob
		}
	default:
		panic(fmt.Sprintf("unknown result kind %d", res.kind))
	}
	return pw
}

// apply is stage 2: it performs the mutation inside tx.
func (pw *pendingWrite) apply(tx BatchTx) error {
	rec := pw.result.unit.Record
	switch pw.op {
	case opNone:
		return nil
	case opCreate:
		ref, err := tx.Create(pw.result.text)
		if err != nil {
			return err
		}
		pw.blob = &ref
		return nil
	case opOverwrite:
		return tx.Overwrite(*pw.blob, pw.result.text)
	case opDelete:
		return tx.Delete(*rec.Blob)
	default:
		return fmt.Errorf("unknown write op %d", pw.op)
	}
}

// save is stage 3: it brings the index entry in line with the published
// content.
func (pw *pendingWrite) save(ctx context.Context, idx Index) error {
	res := pw.result
	switch res.kind {
	case resultOK, resultNoop:
		rec := recordFor(res.unit)
		rec.CallHash = res.callHash
		rec.DefHash = res.defHash
		rec.Blob = pw.blob
		return idx.Upsert(ctx, rec)
	case resultFail:
		return idx.Upsert(ctx, recordFor(res.unit))
	case resultInvalidate:
		return idx.Remove(ctx, res.unit.id())
	default:
		return fmt.Errorf("unknown result kind %d", res.kind)
	}
}

// recordFor builds a record with the unit's identity and no content.
func recordFor(unit workUnit) ExpansionRecord {
	if inv := unit.Invocation; inv != nil {
		return ExpansionRecord{
			InvocationID: inv.ID,
			Module:       inv.Module,
			MacroPath:    inv.MacroPath,
			ParentID:     inv.ParentID,
			Depth:        inv.Depth,
		}
	}
	rec := *unit.Record
	rec.CallHash, rec.DefHash, rec.Blob = "", "", nil
	return rec
}
