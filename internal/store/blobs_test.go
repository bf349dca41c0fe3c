package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_PublishMakesBlobsVisible(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, tx.ID())

	ref1, err := tx.Create("fn one() {}")
	require.NoError(t, err)
	ref2, err := tx.Create("fn two() {}")
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)

	// Not visible to other readers before publish.
	_, err = s.Load(ctx, ref1)
	require.ErrorIs(t, err, ErrBlobNotFound)

	require.NoError(t, tx.Publish())

	got, err := s.Load(ctx, ref1)
	require.NoError(t, err)
	assert.Equal(t, "fn one() {}", got)
	got, err = s.Load(ctx, ref2)
	require.NoError(t, err)
	assert.Equal(t, "fn two() {}", got)
}

func TestBatch_DiscardDropsEverything(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ref := createTestBlob(t, s, "old")

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	created, err := tx.Create("new")
	require.NoError(t, err)
	require.NoError(t, tx.Overwrite(ref, "changed"))
	require.NoError(t, tx.Discard())

	_, err = s.Load(ctx, created)
	require.ErrorIs(t, err, ErrBlobNotFound)
	got, err := s.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "old", got)

	var pending int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM batches").Scan(&pending))
	assert.Zero(t, pending, "discarded batch must not leave a journal row")
}

func TestBatch_OverwriteKeepsRef(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ref := createTestBlob(t, s, "v1")

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Overwrite(ref, "v2"))
	require.NoError(t, tx.Publish())
	require.NoError(t, tx.Settle(ctx))

	got, err := s.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestBatch_OverwriteMissingBlob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	defer tx.Discard()

	err = tx.Overwrite(BlobRef(999), "text")
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func TestBatch_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ref := createTestBlob(t, s, "gone soon")

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ref))
	require.NoError(t, tx.Delete(ref))
	require.NoError(t, tx.Publish())
	require.NoError(t, tx.Settle(ctx))

	ok, err := s.BlobExists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatch_ClosedAfterPublish(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Publish())

	_, err = tx.Create("late")
	assert.True(t, errors.Is(err, ErrBatchClosed))
	assert.ErrorIs(t, tx.Publish(), ErrBatchClosed)
	assert.NoError(t, tx.Discard(), "discard after publish is a no-op")
}

func TestBatch_SettleClearsJournal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	_, err = tx.Create("x")
	require.NoError(t, err)
	require.NoError(t, tx.Publish())

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM batch_blobs WHERE batch_id = ?", tx.ID()).Scan(&n))
	assert.Equal(t, 1, n, "published batch stays journaled until settled")

	require.NoError(t, tx.Settle(ctx))
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM batch_blobs").Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM batches").Scan(&n))
	assert.Zero(t, n)
}
