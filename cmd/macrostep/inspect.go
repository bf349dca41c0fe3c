package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/macrostep"
	"github.com/jward/macrostep/internal/store"
)

var (
	flagLimit   int
	flagOffset  int
	flagDepth   int
	flagInvalid bool
)

var showCmd = &cobra.Command{
	Use:   "show <invocation-id>",
	Short: "Print the stored expansion of one invocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return outputError("show", err)
		}
		defer s.Close()

		rec, err := s.Lookup(cmd.Context(), args[0])
		if err != nil {
			return outputError("show", err)
		}
		if rec == nil {
			return outputError("show", fmt.Errorf("no expansion recorded for %q", args[0]))
		}
		if !rec.HasBlob() {
			return outputError("show", fmt.Errorf("%s is not currently expanded", args[0]))
		}
		text, err := s.Load(cmd.Context(), *rec.Blob)
		if errors.Is(err, store.ErrBlobNotFound) {
			return outputError("show", fmt.Errorf("%w: run 'macrostep run' to repair", err))
		}
		if err != nil {
			return outputError("show", err)
		}
		return outputResult(CLIResult{
			Command: "show",
			Results: CLIExpansion{Record: toCLIRecord(*rec), Text: text},
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored expansion records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return outputError("list", err)
		}
		defer s.Close()

		recs, err := s.Records(cmd.Context())
		if err != nil {
			return outputError("list", err)
		}
		filtered := filterRecords(recs, flagDepth, flagInvalid)
		total := len(filtered)
		page := paginate(filtered, flagOffset, flagLimit)

		out := make([]CLIRecord, len(page))
		for i, r := range page {
			out[i] = toCLIRecord(r)
		}
		return outputResult(CLIResult{Command: "list", Results: out, TotalCount: &total})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the expansion store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := locateDB()
		if err != nil {
			return outputError("status", err)
		}
		s, err := store.NewStore(dbPath)
		if err != nil {
			return outputError("status", err)
		}
		defer s.Close()

		st, err := s.Stats(cmd.Context())
		if err != nil {
			return outputError("status", err)
		}
		hash, err := s.GetMetadata(scriptsHashKey)
		if err != nil {
			return outputError("status", err)
		}
		return outputResult(CLIResult{
			Command: "status",
			Results: CLIStatus{
				DBPath:         dbPath,
				ScriptsHash:    hash,
				Records:        st.Records,
				Expanded:       st.Expanded,
				Invalid:        st.Invalid,
				Blobs:          st.Blobs,
				PendingBatches: st.PendingBatches,
				MaxDepth:       st.MaxDepth,
			},
		})
	},
}

func init() {
	listCmd.Flags().IntVar(&flagLimit, "limit", 100, "maximum number of records (0 for all)")
	listCmd.Flags().IntVar(&flagOffset, "offset", 0, "number of records to skip")
	listCmd.Flags().IntVar(&flagDepth, "depth", -1, "only records at this depth")
	listCmd.Flags().BoolVar(&flagInvalid, "invalid", false, "only records marked invalid")
}

// locateDB resolves the database path from the current directory and
// returns an error if it doesn't exist.
func locateDB() (string, error) {
	p, err := loadProject(nil)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p.dbPath); os.IsNotExist(err) {
		return "", fmt.Errorf("database not found: %s (run 'macrostep run' first)", p.dbPath)
	}
	return p.dbPath, nil
}

// openStore opens the existing database for read-only commands.
func openStore() (*store.Store, error) {
	dbPath, err := locateDB()
	if err != nil {
		return nil, err
	}
	return store.NewStore(dbPath)
}

// filterRecords keeps records at depth (when depth >= 0) and, if
// invalidOnly, only those marked invalid.
func filterRecords(recs []macrostep.ExpansionRecord, depth int, invalidOnly bool) []macrostep.ExpansionRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if depth >= 0 && r.Depth != depth {
			continue
		}
		if invalidOnly && r.Valid {
			continue
		}
		out = append(out, r)
	}
	return out
}

// paginate returns the window [offset, offset+limit) of recs. A limit of
// zero or less means no limit.
func paginate(recs []macrostep.ExpansionRecord, offset, limit int) []macrostep.ExpansionRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
