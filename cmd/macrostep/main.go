package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jward/macrostep"
	"github.com/jward/macrostep/internal/config"
	"github.com/jward/macrostep/internal/logging"
	"github.com/jward/macrostep/internal/metrics"
	"github.com/jward/macrostep/internal/runtime"
	"github.com/jward/macrostep/internal/source"
	"github.com/jward/macrostep/scripts"
)

var (
	flagDB         string
	flagFormat     string
	flagScriptsDir string
	flagLogLevel   string
	flagMetrics    bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

// scriptsHashKey is the metadata key holding the hash of the expansion
// scripts used by the last run.
const scriptsHashKey = "scripts_hash"

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "macrostep",
	Short:         "Incremental macro expansion for Rust crates",
	Long:          "macrostep expands macro_rules! invocations step by step, re-expanding only what changed, and stores the results in a SQLite database.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if flagMetrics {
			return printMetrics(os.Stderr)
		}
		return nil
	},
	// No Run, so it prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default: paths.db from config, relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagScriptsDir, "scripts-dir", "", "load expansion scripts from disk path instead of embedded")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagMetrics, "metrics", false, "print run metrics to stderr on exit")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
}

// project is the resolved context shared by every command.
type project struct {
	targetDir string
	repoRoot  string
	dbPath    string
	cfg       *config.Config
}

// loadProject resolves the target directory, repo root, config and DB path.
func loadProject(args []string) (*project, error) {
	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return nil, err
	}
	repoRoot := findRepoRoot(targetDir)
	cfg, err := config.Load(repoRoot)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return &project{
		targetDir: targetDir,
		repoRoot:  repoRoot,
		dbPath:    resolveDBPath(repoRoot, cfg),
		cfg:       cfg,
	}, nil
}

// logger builds the slog logger from the project's log config.
func (p *project) logger() (*slog.Logger, func(), error) {
	return logging.Setup(logging.Config{
		Level:  p.cfg.Log.Level,
		Format: p.cfg.Log.Format,
		File:   config.ResolvePath(p.repoRoot, p.cfg.Log.File),
	})
}

// expander builds the script expander: --scripts-dir, then paths.scripts_dir,
// then the embedded scripts.
func (p *project) expander(logger *slog.Logger) *runtime.Expander {
	dir := flagScriptsDir
	if dir == "" {
		dir = config.ResolvePath(p.repoRoot, p.cfg.Paths.ScriptsDir)
	}
	if dir == "" {
		return runtime.NewExpander("", runtime.WithFS(scripts.FS), runtime.WithLogger(logger))
	}
	return runtime.NewExpander(dir, runtime.WithLogger(logger))
}

// openEngine creates the engine for the project. When the expansion
// scripts changed since the last run, every stored hash is cleared so each
// expansion is re-checked.
func (p *project) openEngine(ctx context.Context, logger *slog.Logger, opts ...macrostep.Option) (*macrostep.Engine, error) {
	if err := os.MkdirAll(filepath.Dir(p.dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(p.dbPath), err)
	}

	scanner, err := source.NewScanner(p.targetDir,
		source.WithExclude(p.cfg.Paths.Exclude...),
		source.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scanner: %w", err)
	}
	expander := p.expander(logger)

	base := []macrostep.Option{
		macrostep.WithBatchSize(p.cfg.Engine.BatchSize),
		macrostep.WithMaxSteps(p.cfg.Engine.MaxSteps),
		macrostep.WithWorkers(p.cfg.Engine.Workers),
		macrostep.WithHashRefresh(p.cfg.Engine.HashRefresh),
		macrostep.WithLogger(logger),
	}
	engine, err := macrostep.New(p.dbPath, scanner, expander, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	if err := resetOnScriptChange(ctx, engine.Store(), expander.ScriptsHash(), logger); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}

// resetOnScriptChange compares hash with the stored scripts hash and clears
// record hashes when they differ.
func resetOnScriptChange(ctx context.Context, s *macrostep.Store, hash string, logger *slog.Logger) error {
	prev, err := s.GetMetadata(scriptsHashKey)
	if err != nil {
		return err
	}
	if prev == hash {
		return nil
	}
	if prev != "" {
		n, err := s.ResetHashes(ctx)
		if err != nil {
			return err
		}
		logger.Info("expansion scripts changed, re-checking all expansions", "records", n)
	}
	return s.SetMetadata(scriptsHashKey, hash)
}

// resolveTargetDir returns the absolute path of the crate directory.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .git.
			return startDir
		}
		dir = parent
	}
}

// resolveDBPath returns the database path from the --db flag or the config.
func resolveDBPath(repoRoot string, cfg *config.Config) string {
	if flagDB != "" {
		if filepath.IsAbs(flagDB) {
			return flagDB
		}
		return filepath.Join(repoRoot, flagDB)
	}
	return config.ResolvePath(repoRoot, cfg.Paths.DB)
}

// printMetrics writes every macrostep metric as "name value" lines.
func printMetrics(w io.Writer) error {
	values, err := metrics.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %g\n", name, values[name])
	}
	return nil
}
