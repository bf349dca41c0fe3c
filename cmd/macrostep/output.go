package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jward/macrostep"
)

// CLIResult is the top-level JSON envelope for every command.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLIRecord is a JSON-friendly expansion record.
type CLIRecord struct {
	InvocationID string `json:"invocation_id"`
	Module       string `json:"module"`
	MacroPath    string `json:"macro_path"`
	ParentID     string `json:"parent_id,omitempty"`
	Depth        int    `json:"depth"`
	Expanded     bool   `json:"expanded"`
	Valid        bool   `json:"valid"`
	UpdatedAt    string `json:"updated_at"`
}

// CLIExpansion is a record together with its expanded text.
type CLIExpansion struct {
	Record CLIRecord `json:"record"`
	Text   string    `json:"text"`
}

// CLIRunResult summarizes a finished run.
type CLIRunResult struct {
	RunID       string  `json:"run_id"`
	State       string  `json:"state"`
	Steps       int     `json:"steps"`
	Units       int     `json:"units"`
	Expanded    int     `json:"expanded"`
	Refreshed   int     `json:"refreshed"`
	Failed      int     `json:"failed"`
	Invalidated int     `json:"invalidated"`
	Unchanged   int     `json:"unchanged"`
	Batches     int     `json:"batches"`
	Cancelled   bool    `json:"cancelled"`
	DurationSec float64 `json:"duration_sec"`
	Error       string  `json:"error,omitempty"`
}

// CLIStatus is the store summary printed by the status command.
type CLIStatus struct {
	DBPath         string `json:"db_path"`
	ScriptsHash    string `json:"scripts_hash,omitempty"`
	Records        int    `json:"records"`
	Expanded       int    `json:"expanded"`
	Invalid        int    `json:"invalid"`
	Blobs          int    `json:"blobs"`
	PendingBatches int    `json:"pending_batches"`
	MaxDepth       int    `json:"max_depth"`
}

func toCLIRecord(r macrostep.ExpansionRecord) CLIRecord {
	return CLIRecord{
		InvocationID: r.InvocationID,
		Module:       r.Module,
		MacroPath:    r.MacroPath,
		ParentID:     r.ParentID,
		Depth:        r.Depth,
		Expanded:     r.HasBlob(),
		Valid:        r.Valid,
		UpdatedAt:    r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toCLIRunResult(res macrostep.Result, err error) CLIRunResult {
	out := CLIRunResult{
		RunID:       res.RunID,
		State:       res.State.String(),
		Steps:       res.Steps,
		Units:       res.Units,
		Expanded:    res.Expanded,
		Refreshed:   res.Refreshed,
		Failed:      res.Failed,
		Invalidated: res.Invalidated,
		Unchanged:   res.Unchanged,
		Batches:     res.Batches,
		Cancelled:   res.Cancelled,
		DurationSec: res.Duration.Seconds(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// formatRecordsText formats CLIRecord results as aligned columns.
func formatRecordsText(w io.Writer, recs []CLIRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INVOCATION\tMACRO\tDEPTH\tEXPANDED\tVALID")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\n",
			r.InvocationID, r.MacroPath, r.Depth, r.Expanded, r.Valid)
	}
	tw.Flush()
}

// formatExpansionText prints the header line and the expanded text.
func formatExpansionText(w io.Writer, exp CLIExpansion) {
	fmt.Fprintf(w, "// %s (%s, depth %d)\n", exp.Record.InvocationID, exp.Record.MacroPath, exp.Record.Depth)
	fmt.Fprintln(w, exp.Text)
}

// formatRunText formats a run summary as readable text.
func formatRunText(w io.Writer, r CLIRunResult) {
	fmt.Fprintf(w, "Run %s: %s after %d step(s) in %.2fs\n", r.RunID, r.State, r.Steps, r.DurationSec)
	fmt.Fprintf(w, "  expanded: %d, refreshed: %d, unchanged: %d\n", r.Expanded, r.Refreshed, r.Unchanged)
	fmt.Fprintf(w, "  failed: %d, invalidated: %d\n", r.Failed, r.Invalidated)
	fmt.Fprintf(w, "  units: %d in %d batch(es)\n", r.Units, r.Batches)
	if r.Cancelled {
		fmt.Fprintln(w, "  cancelled")
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}

// formatStatusText formats CLIStatus as readable text.
func formatStatusText(w io.Writer, st CLIStatus) {
	fmt.Fprintln(w, "Expansion Store")
	fmt.Fprintln(w, "===============")
	fmt.Fprintf(w, "Database: %s\n", st.DBPath)
	if st.ScriptsHash != "" {
		fmt.Fprintf(w, "Scripts:  %s\n", st.ScriptsHash[:min(12, len(st.ScriptsHash))])
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Records:         %d\n", st.Records)
	fmt.Fprintf(w, "Expanded:        %d\n", st.Expanded)
	fmt.Fprintf(w, "Invalid:         %d\n", st.Invalid)
	fmt.Fprintf(w, "Blobs:           %d\n", st.Blobs)
	fmt.Fprintf(w, "Pending batches: %d\n", st.PendingBatches)
	fmt.Fprintf(w, "Max depth:       %d\n", st.MaxDepth)
}

// writeResultText dispatches to the text formatter for the result type.
func writeResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case []CLIRecord:
		formatRecordsText(w, v)
	case CLIExpansion:
		formatExpansionText(w, v)
	case CLIRunResult:
		formatRunText(w, v)
	case CLIStatus:
		formatStatusText(w, v)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}

	if result.TotalCount != nil {
		if shown := resultLen(result.Results); shown < *result.TotalCount {
			fmt.Fprintf(w, "\nShowing %d of %d results\n", shown, *result.TotalCount)
		}
	}
	return nil
}

// resultLen returns the length of a result slice, or 1 for a single value.
func resultLen(v any) int {
	switch r := v.(type) {
	case []CLIRecord:
		return len(r)
	case nil:
		return 0
	default:
		return 1
	}
}

// outputResult writes result to stdout in the selected format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return writeResultText(os.Stdout, result)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
