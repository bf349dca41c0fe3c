package store

import (
	"context"
	"fmt"
)

type journalEntry struct {
	batchID string
	blobID  int64
	op      string
}

// Recover re-validates batches whose journal rows survived a restart. Such a
// batch was published but its index entries may be partially saved:
//   - created blobs that no record references are deleted;
//   - records pointing at overwritten blobs get their hashes cleared so the
//     next run re-checks them;
//   - records pointing at blobs that no longer exist are marked invalid.
//
// The final sweep over all records also catches dangling blob references
// that did not originate from a journaled batch.
func (s *Store) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	entries, err := s.pendingJournal(ctx)
	if err != nil {
		return report, err
	}

	batches := make(map[string]bool)
	for _, e := range entries {
		batches[e.batchID] = true
	}
	report.PendingBatches = len(batches)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("recover: begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		var refs int
		if err := tx.QueryRow("SELECT COUNT(*) FROM expansions WHERE blob_id = ?", e.blobID).Scan(&refs); err != nil {
			return report, fmt.Errorf("recover: count refs for blob %d: %w", e.blobID, err)
		}
		switch e.op {
		case "create":
			if refs == 0 {
				if _, err := tx.Exec("DELETE FROM blobs WHERE id = ?", e.blobID); err != nil {
					return report, fmt.Errorf("recover: delete orphan blob %d: %w", e.blobID, err)
				}
				report.OrphanBlobs++
			}
		case "overwrite":
			if refs > 0 {
				res, err := tx.Exec("UPDATE expansions SET call_hash = '', def_hash = '' WHERE blob_id = ?", e.blobID)
				if err != nil {
					return report, fmt.Errorf("recover: reset record for blob %d: %w", e.blobID, err)
				}
				n, _ := res.RowsAffected()
				report.ResetRecords += int(n)
			}
		}
	}

	for id := range batches {
		if _, err := tx.Exec("DELETE FROM batch_blobs WHERE batch_id = ?", id); err != nil {
			return report, fmt.Errorf("recover: clear journal %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM batches WHERE id = ?", id); err != nil {
			return report, fmt.Errorf("recover: clear journal %s: %w", id, err)
		}
	}
	// Batches that journaled nothing still leave a header row.
	if _, err := tx.Exec("DELETE FROM batches WHERE id NOT IN (SELECT DISTINCT batch_id FROM batch_blobs)"); err != nil {
		return report, fmt.Errorf("recover: clear empty batches: %w", err)
	}

	rows, err := tx.Query(`SELECT invocation_id FROM expansions
		WHERE valid AND blob_id IS NOT NULL
		  AND blob_id NOT IN (SELECT id FROM blobs)`)
	if err != nil {
		return report, fmt.Errorf("recover: dangling records: %w", err)
	}
	var dangling []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return report, fmt.Errorf("recover: scan dangling: %w", err)
		}
		dangling = append(dangling, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("recover: dangling records: %w", err)
	}

	if len(dangling) > 0 {
		placeholders := placeholderList(len(dangling))
		if _, err := tx.Exec(
			"UPDATE expansions SET valid = FALSE WHERE invocation_id IN ("+placeholders+")",
			stringsToArgs(dangling)...,
		); err != nil {
			return report, fmt.Errorf("recover: mark invalid: %w", err)
		}
	}
	report.InvalidRecords = dangling

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("recover: commit: %w", err)
	}
	return report, nil
}

func (s *Store) pendingJournal(ctx context.Context) ([]journalEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT batch_id, blob_id, op FROM batch_blobs ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("recover: read journal: %w", err)
	}
	defer rows.Close()
	var out []journalEntry
	for rows.Next() {
		var e journalEntry
		if err := rows.Scan(&e.batchID, &e.blobID, &e.op); err != nil {
			return nil, fmt.Errorf("recover: scan journal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
