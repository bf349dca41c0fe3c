package macrostep

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jward/macrostep/internal/store"
)

// Defaults for the tuning options.
const (
	DefaultBatchSize = 50
	DefaultMaxSteps  = 64
)

// Engine runs incremental expansion passes over a Source, writing results
// to a ContentStore and an Index. By default both are the SQLite Store
// opened by New.
type Engine struct {
	store    *store.Store
	content  ContentStore
	index    Index
	source   Source
	expander Expander

	batchSize   int
	maxSteps    int
	workers     int
	hashRefresh bool
	logger      *slog.Logger
	observer    ProgressFunc

	// guard orders stage-1 reads against batch writes: workers hold the
	// read side per unit, the writer holds the write side per batch.
	guard sync.RWMutex

	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets the number of pending writes per content-store
// transaction. Values below 1 are ignored.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMaxSteps bounds expansion depth. Enumeration stops silently once
// step n would be reached. Values below 1 are ignored.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithWorkers sets the stage-1 concurrency. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithHashRefresh controls units whose hashes changed but whose expansion
// text did not. When false (the default) they are left untouched and will
// be re-expanded on every run until the text changes. When true the index
// record is updated with the new hashes without touching the content store.
func WithHashRefresh(refresh bool) Option {
	return func(e *Engine) {
		e.hashRefresh = refresh
	}
}

// WithLogger sets the logger for run, step and batch lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithProgress registers an observer called with every progress update.
// Calls are made from a single goroutine per step, in order.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// WithContentStore replaces the content store half of the Store.
func WithContentStore(cs ContentStore) Option {
	return func(e *Engine) {
		e.content = cs
	}
}

// WithIndex replaces the index half of the Store.
func WithIndex(idx Index) Option {
	return func(e *Engine) {
		e.index = idx
	}
}

// New creates an Engine backed by a SQLite database at dbPath. Batches left
// uncertain by an earlier crash are re-validated before New returns.
func New(dbPath string, src Source, expander Expander, opts ...Option) (*Engine, error) {
	if src == nil || expander == nil {
		return nil, fmt.Errorf("macrostep: source and expander are required")
	}
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("macrostep: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("macrostep: migrate: %w", err)
	}

	e := &Engine{
		store:     s,
		content:   s,
		index:     s,
		source:    src,
		expander:  expander,
		batchSize: DefaultBatchSize,
		maxSteps:  DefaultMaxSteps,
		workers:   runtime.NumCPU(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if _, err := e.Recover(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the Engine's database resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying Store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// Recover re-validates every batch whose index entries may be partially
// saved. It must not run concurrently with a run.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	e.guard.Lock()
	defer e.guard.Unlock()

	report, err := e.store.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("macrostep: recover: %w", err)
	}
	if !report.Empty() {
		e.logger.Warn("recovered uncertain batches",
			"batches", report.PendingBatches,
			"orphan_blobs", report.OrphanBlobs,
			"reset_records", report.ResetRecords,
			"invalid_records", len(report.InvalidRecords),
		)
	}
	return report, nil
}

// Start launches a run in the background. Only one run may be active per
// Engine; a second Start returns ErrRunInProgress.
func (e *Engine) Start(ctx context.Context) (*Task, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	t := newTask(cancel)
	go func() {
		res, err := e.run(ctx, t)
		cancel()
		e.running.Store(false)
		t.finish(res, err)
	}()
	return t, nil
}

// Run performs one run and blocks until it finishes.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	t, err := e.Start(ctx)
	if err != nil {
		return Result{}, err
	}
	return t.Wait()
}
