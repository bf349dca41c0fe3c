package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/macrostep"
	"github.com/jward/macrostep/internal/logging"
)

// =============================================================================
// Debouncer
// =============================================================================

func TestDebouncer_CoalescesBurst(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Add("b.rs")
	d.Add("a.rs")
	d.Add("b.rs")

	select {
	case paths := <-d.Output():
		assert.Equal(t, []string{"a.rs", "b.rs"}, paths)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for debounced batch")
	}
}

func TestDebouncer_StopClosesOutput(t *testing.T) {
	d := NewDebouncer(time.Hour)
	d.Add("a.rs")
	d.Stop()
	d.Stop()

	_, ok := <-d.Output()
	assert.False(t, ok)
	d.Add("b.rs") // no panic after stop
}

// =============================================================================
// Watcher
// =============================================================================

func TestIgnoredAndRelevant(t *testing.T) {
	t.Parallel()
	assert.True(t, ignored("target/debug/x.rs"))
	assert.True(t, ignored(".git/index"))
	assert.False(t, ignored("src/lib.rs"))
	assert.False(t, ignored(".macrostep.yaml"))

	assert.True(t, relevant("src/lib.rs"))
	assert.True(t, relevant(".macrostep.yaml"))
	assert.False(t, relevant("README.md"))
}

func TestWatcher_ReportsRustChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))

	w, err := New(dir, 20*time.Millisecond, WithLogger(logging.Discard()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte("m!();"), 0o644))

	select {
	case paths := <-w.Changes():
		assert.Contains(t, paths, "src/lib.rs")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change")
	}
}

// =============================================================================
// Loop
// =============================================================================

type oneCallSource struct{}

func (oneCallSource) Enumerate(_ context.Context, depth int, _ map[string]string) ([]macrostep.Invocation, error) {
	if depth > 0 {
		return nil, nil
	}
	return []macrostep.Invocation{{ID: "lib.rs::m#0", Module: "lib.rs", MacroPath: "m", CallHash: "c"}}, nil
}

func (oneCallSource) IsValid(context.Context, macrostep.Invocation) bool { return true }

func (oneCallSource) Resolve(_ context.Context, inv macrostep.Invocation) (*macrostep.Definition, error) {
	return &macrostep.Definition{Name: inv.MacroPath, BodyHash: "d"}, nil
}

func TestLoop_SupersedesInFlightRun(t *testing.T) {
	var calls atomic.Int64
	// The first expansion blocks until its run is cancelled.
	expander := macrostep.ExpanderFunc(func(ctx context.Context, _ macrostep.Definition, _ macrostep.Invocation) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "expanded", nil
	})
	e, err := macrostep.New(filepath.Join(t.TempDir(), "watch.db"), oneCallSource{}, expander,
		macrostep.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer e.Close()

	var mu sync.Mutex
	var results []macrostep.Result
	changes := make(chan []string)
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- Loop(context.Background(), e, changes, func(res macrostep.Result, err error) {
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	changes <- []string{"lib.rs"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	}, 5*time.Second, time.Millisecond)
	close(changes)

	select {
	case err := <-loopDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, results[0].Cancelled)
	assert.False(t, results[1].Cancelled)
	assert.Equal(t, 1, results[1].Expanded)
}
