package macrostep

import "errors"

var (
	// ErrTransaction means a content-store batch could not be published.
	// The batch is rolled back and none of its index entries are written.
	ErrTransaction = errors.New("macrostep: content store transaction failed")

	// ErrConsistency means an index record references a blob that is not in
	// the content store. The record is marked invalid before the run fails,
	// so the next run treats it as absent.
	ErrConsistency = errors.New("macrostep: index references missing content")

	// ErrRunInProgress is returned by Start while another run is active.
	ErrRunInProgress = errors.New("macrostep: run already in progress")
)

// Local causes that degrade a single unit to a failed expansion. They are
// logged and counted, never returned.
var (
	errUnresolved = errors.New("definition not found")
	errExpansion  = errors.New("expansion failed")
)
