package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jward/macrostep"
	"github.com/jward/macrostep/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Re-expand a crate whenever its sources change",
	Long: `Run an expansion, then watch path (default: current directory) for changes to
.rs files and re-run after each debounced burst of edits. An edit arriving
mid-run cancels the run at its next batch boundary and starts a fresh one.

Stop with Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := watchExpansions(ctx, args); err != nil {
			return outputError("watch", err)
		}
		return nil
	},
}

func watchExpansions(ctx context.Context, args []string) error {
	p, err := loadProject(args)
	if err != nil {
		return err
	}
	debounce, err := p.cfg.DebounceDuration()
	if err != nil {
		return err
	}
	logger, cleanup, err := p.logger()
	if err != nil {
		return err
	}
	defer cleanup()

	lock := newDBLock(p.dbPath)
	if err := lock.TryLock(); err != nil {
		return err
	}
	defer lock.Unlock()

	engine, err := p.openEngine(ctx, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	w, err := watch.New(p.targetDir, debounce, watch.WithLogger(logger))
	if err != nil {
		return err
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	watchDone := make(chan error, 1)
	go func() { watchDone <- w.Run(watchCtx) }()

	logger.Info("watching for changes", "dir", p.targetDir, "debounce", debounce)
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Watching %s (Ctrl+C to stop)\n", p.targetDir)
	}

	loopErr := watch.Loop(ctx, engine, w.Changes(), func(res macrostep.Result, err error) {
		if outErr := outputResult(CLIResult{Command: "watch", Results: toCLIRunResult(res, err)}); outErr != nil {
			logger.Warn("writing run result", "error", outErr)
		}
	})
	cancelWatch()
	if err := <-watchDone; err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}
