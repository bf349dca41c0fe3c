package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jward/macrostep"
)

var (
	flagForce      bool
	flagNoProgress bool
)

var runCmd = &cobra.Command{
	Use:   "run [path]",
	Short: "Expand every macro invocation in a crate",
	Long: `Expand macro invocations under path (default: current directory) step by
step until no new invocations appear, re-expanding only invocations whose call
site or definition changed since the last run.

Ctrl+C stops the run at the next batch boundary; everything written so far
stays consistent and the next run picks up from there.

Use --force to re-check every expansion regardless of stored hashes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runExpansion(ctx, args)
		if res == nil {
			return outputError("run", err)
		}
		if outErr := outputResult(CLIResult{Command: "run", Results: *res}); outErr != nil {
			return outErr
		}
		if err != nil {
			errorHandled = true
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&flagForce, "force", false, "clear stored hashes and re-check every expansion")
	runCmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "disable progress output")
}

// runExpansion performs one locked run. A nil result means the run never
// started; otherwise the result is returned together with the run's error.
func runExpansion(ctx context.Context, args []string) (*CLIRunResult, error) {
	p, err := loadProject(args)
	if err != nil {
		return nil, err
	}
	logger, cleanup, err := p.logger()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	lock := newDBLock(p.dbPath)
	if err := lock.TryLock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	var opts []macrostep.Option
	var renderer *progressRenderer
	if !flagNoProgress {
		renderer = newProgressRenderer(os.Stderr)
		opts = append(opts, macrostep.WithProgress(renderer.Update))
	}

	engine, err := p.openEngine(ctx, logger, opts...)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	if flagForce {
		n, err := engine.Store().ResetHashes(ctx)
		if err != nil {
			return nil, fmt.Errorf("resetting hashes: %w", err)
		}
		logger.Info("cleared stored hashes", "records", n)
	}

	res, runErr := engine.Run(ctx)
	if renderer != nil {
		renderer.Close()
	}
	out := toCLIRunResult(res, runErr)
	return &out, runErr
}
