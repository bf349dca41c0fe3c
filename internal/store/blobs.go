package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned by Load for an unknown blob reference.
var ErrBlobNotFound = errors.New("blob not found")

// ErrBatchClosed is returned when mutating a batch after Publish or Discard.
var ErrBatchClosed = errors.New("batch already closed")

// Load reads a blob's content outside any batch.
func (s *Store) Load(ctx context.Context, ref BlobRef) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, "SELECT content FROM blobs WHERE id = ?", int64(ref)).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("load blob %d: %w", ref, ErrBlobNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load blob %d: %w", ref, err)
	}
	return content, nil
}

// BlobExists reports whether ref is present in the content store.
func (s *Store) BlobExists(ctx context.Context, ref BlobRef) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blobs WHERE id = ?", int64(ref)).Scan(&n); err != nil {
		return false, fmt.Errorf("blob exists %d: %w", ref, err)
	}
	return n > 0, nil
}

// Batch buffers content-store mutations in one SQLite transaction. A journal
// row is written inside the same transaction so a crash between Publish and
// Settle is detectable on the next open.
type Batch struct {
	store  *Store
	tx     *sql.Tx
	id     string
	closed bool
}

// Compile-time check: *Batch satisfies BatchTx.
var _ BatchTx = (*Batch)(nil)

// BeginBatch opens a new content-store transaction.
func (s *Store) BeginBatch(ctx context.Context) (BatchTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	id := uuid.NewString()
	if _, err := tx.Exec("INSERT INTO batches (id, started_at) VALUES (?, ?)", id, time.Now()); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("begin batch: journal: %w", err)
	}
	return &Batch{store: s, tx: tx, id: id}, nil
}

func (b *Batch) ID() string { return b.id }

func (b *Batch) Create(text string) (BlobRef, error) {
	if b.closed {
		return 0, ErrBatchClosed
	}
	res, err := b.tx.Exec(
		"INSERT INTO blobs (content, content_hash, updated_at) VALUES (?, ?, ?)",
		text, ContentHash(text), time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create blob: last insert id: %w", err)
	}
	if err := b.journal(id, "create"); err != nil {
		return 0, err
	}
	return BlobRef(id), nil
}

func (b *Batch) Overwrite(ref BlobRef, text string) error {
	if b.closed {
		return ErrBatchClosed
	}
	res, err := b.tx.Exec(
		"UPDATE blobs SET content = ?, content_hash = ?, updated_at = ? WHERE id = ?",
		text, ContentHash(text), time.Now(), int64(ref),
	)
	if err != nil {
		return fmt.Errorf("overwrite blob %d: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("overwrite blob %d: %w", ref, err)
	}
	if n == 0 {
		return fmt.Errorf("overwrite blob %d: %w", ref, ErrBlobNotFound)
	}
	return b.journal(int64(ref), "overwrite")
}

// Delete removes a blob. Deleting an already-missing blob is not an error.
func (b *Batch) Delete(ref BlobRef) error {
	if b.closed {
		return ErrBatchClosed
	}
	if _, err := b.tx.Exec("DELETE FROM blobs WHERE id = ?", int64(ref)); err != nil {
		return fmt.Errorf("delete blob %d: %w", ref, err)
	}
	return b.journal(int64(ref), "delete")
}

func (b *Batch) journal(blobID int64, op string) error {
	if _, err := b.tx.Exec(
		"INSERT INTO batch_blobs (batch_id, blob_id, op) VALUES (?, ?, ?)", b.id, blobID, op,
	); err != nil {
		return fmt.Errorf("journal %s blob %d: %w", op, blobID, err)
	}
	return nil
}

func (b *Batch) Publish() error {
	if b.closed {
		return ErrBatchClosed
	}
	b.closed = true
	if err := b.tx.Commit(); err != nil {
		_ = b.tx.Rollback()
		return fmt.Errorf("publish batch %s: %w", b.id, err)
	}
	return nil
}

func (b *Batch) Discard() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("discard batch %s: %w", b.id, err)
	}
	return nil
}

func (b *Batch) Settle(ctx context.Context) error {
	return b.store.settleBatch(ctx, b.id)
}

// settleBatch deletes a batch's journal rows.
func (s *Store) settleBatch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settle batch %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM batch_blobs WHERE batch_id = ?", id); err != nil {
		return fmt.Errorf("settle batch %s: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM batches WHERE id = ?", id); err != nil {
		return fmt.Errorf("settle batch %s: %w", id, err)
	}
	return tx.Commit()
}
