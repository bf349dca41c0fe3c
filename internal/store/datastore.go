package store

import "context"

// ContentStore holds expansion text as file-like blobs. Mutations go through
// a BatchTx and become visible to readers all at once on Publish.
type ContentStore interface {
	BeginBatch(ctx context.Context) (BatchTx, error)

	// Load reads a published blob. Returns ErrBlobNotFound if ref is unknown.
	Load(ctx context.Context, ref BlobRef) (string, error)
}

// BatchTx is one open content-store transaction.
type BatchTx interface {
	// ID is the journal identifier of the batch.
	ID() string
	Create(text string) (BlobRef, error)
	Overwrite(ref BlobRef, text string) error
	Delete(ref BlobRef) error

	// Publish atomically makes every mutation of the batch visible.
	Publish() error

	// Discard abandons an unpublished batch. Safe to call after Publish.
	Discard() error

	// Settle records that every index entry for a published batch has been
	// saved, retiring its journal entry.
	Settle(ctx context.Context) error
}

// Index is the persisted invocation → expansion mapping.
type Index interface {
	// Lookup returns nil, nil when no record exists.
	Lookup(ctx context.Context, invocationID string) (*ExpansionRecord, error)
	Upsert(ctx context.Context, rec ExpansionRecord) error

	// Remove deletes a record. Removing a missing record is not an error.
	Remove(ctx context.Context, invocationID string) error

	// RecordsFrom returns every record with depth >= minDepth.
	RecordsFrom(ctx context.Context, minDepth int) ([]ExpansionRecord, error)

	// MarkInvalid flags a record whose content can no longer be trusted.
	MarkInvalid(ctx context.Context, invocationID string) error
}

// Compile-time checks: *Store satisfies both halves.
var (
	_ ContentStore = (*Store)(nil)
	_ Index        = (*Store)(nil)
)
