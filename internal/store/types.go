package store

import "time"

// BlobRef identifies one expansion blob in the content store.
type BlobRef int64

// ExpansionRecord is the persisted index entry for one invocation that has
// ever been expanded.
type ExpansionRecord struct {
	InvocationID string
	Module       string
	MacroPath    string
	ParentID     string // "" at depth 0
	Depth        int
	CallHash     string
	DefHash      string
	Blob         *BlobRef // nil means not currently expanded
	Valid        bool
	UpdatedAt    time.Time
}

// UpToDate reports whether the record reflects the given hashes.
// Invalid records are never up to date.
func (r *ExpansionRecord) UpToDate(callHash, defHash string) bool {
	if r == nil || !r.Valid {
		return false
	}
	return r.CallHash == callHash && r.DefHash == defHash
}

// HasBlob reports whether the record owns a live blob.
func (r *ExpansionRecord) HasBlob() bool {
	return r != nil && r.Valid && r.Blob != nil
}

// Stats summarizes store contents.
type Stats struct {
	Blobs          int
	Records        int
	Expanded       int
	Invalid        int
	PendingBatches int
	MaxDepth       int
}

// RecoveryReport describes what Recover found and repaired.
type RecoveryReport struct {
	PendingBatches int
	OrphanBlobs    int
	ResetRecords   int
	InvalidRecords []string
}

// Empty reports whether recovery had nothing to do.
func (r RecoveryReport) Empty() bool {
	return r.PendingBatches == 0 && r.OrphanBlobs == 0 && r.ResetRecords == 0 && len(r.InvalidRecords) == 0
}
