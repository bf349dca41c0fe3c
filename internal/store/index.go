package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const recordColumns = `invocation_id, module, macro_path, parent_id, depth,
	call_hash, def_hash, blob_id, valid, updated_at`

func scanRecord(scanner interface{ Scan(...any) error }) (*ExpansionRecord, error) {
	var (
		rec     ExpansionRecord
		parent  sql.NullString
		blobID  sql.NullInt64
		updated sql.NullTime
	)
	err := scanner.Scan(
		&rec.InvocationID, &rec.Module, &rec.MacroPath, &parent, &rec.Depth,
		&rec.CallHash, &rec.DefHash, &blobID, &rec.Valid, &updated,
	)
	if err != nil {
		return nil, err
	}
	rec.ParentID = parent.String
	if blobID.Valid {
		ref := BlobRef(blobID.Int64)
		rec.Blob = &ref
	}
	rec.UpdatedAt = updated.Time
	return &rec, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ExpansionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []ExpansionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) Lookup(ctx context.Context, invocationID string) (*ExpansionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM expansions WHERE invocation_id = ?", invocationID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", invocationID, err)
	}
	return rec, nil
}

// Upsert writes rec, always marking it valid.
func (s *Store) Upsert(ctx context.Context, rec ExpansionRecord) error {
	var blobID any
	if rec.Blob != nil {
		blobID = int64(*rec.Blob)
	}
	var parent any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expansions (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?)
		 ON CONFLICT(invocation_id) DO UPDATE SET
		   module = excluded.module,
		   macro_path = excluded.macro_path,
		   parent_id = excluded.parent_id,
		   depth = excluded.depth,
		   call_hash = excluded.call_hash,
		   def_hash = excluded.def_hash,
		   blob_id = excluded.blob_id,
		   valid = TRUE,
		   updated_at = excluded.updated_at`,
		rec.InvocationID, rec.Module, rec.MacroPath, parent, rec.Depth,
		rec.CallHash, rec.DefHash, blobID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.InvocationID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, invocationID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM expansions WHERE invocation_id = ?", invocationID); err != nil {
		return fmt.Errorf("remove %s: %w", invocationID, err)
	}
	return nil
}

func (s *Store) RecordsFrom(ctx context.Context, minDepth int) ([]ExpansionRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM expansions WHERE depth >= ? ORDER BY depth, invocation_id", minDepth)
}

// Records returns every record ordered by depth then invocation ID.
func (s *Store) Records(ctx context.Context) ([]ExpansionRecord, error) {
	return s.RecordsFrom(ctx, 0)
}

func (s *Store) MarkInvalid(ctx context.Context, invocationID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE expansions SET valid = FALSE, updated_at = ? WHERE invocation_id = ?",
		time.Now(), invocationID,
	); err != nil {
		return fmt.Errorf("mark invalid %s: %w", invocationID, err)
	}
	return nil
}

// ResetHashes clears the stored hashes of every record so the next run
// re-checks each expansion. Blob references are kept, so unchanged output
// still short-circuits at the content comparison.
func (s *Store) ResetHashes(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE expansions SET call_hash = '', def_hash = ''")
	if err != nil {
		return 0, fmt.Errorf("reset hashes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset hashes: %w", err)
	}
	return int(n), nil
}
