package macrostep

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jward/macrostep/internal/logging"
)

// newBenchEngine builds an engine over n depth-0 calls, each expanding to
// two nested calls.
func newBenchEngine(b *testing.B, n int, opts ...Option) *Engine {
	b.Helper()
	src := newFakeSource()
	src.define("leaf", "done")
	for i := range n {
		name := fmt.Sprintf("m%d", i)
		src.define(name, "leaf! leaf!")
		src.call(name)
	}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	e, err := New(filepath.Join(b.TempDir(), "bench.db"), src, newFakeExpander(), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { e.Close() })
	return e
}

func BenchmarkRun_Cold(b *testing.B) {
	for b.Loop() {
		b.StopTimer()
		e := newBenchEngine(b, 200)
		b.StartTimer()
		if _, err := e.Run(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRun_Warm(b *testing.B) {
	e := newBenchEngine(b, 200)
	if _, err := e.Run(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for b.Loop() {
		if _, err := e.Run(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRun_BatchSizes(b *testing.B) {
	for _, size := range []int{1, 10, 50, 200} {
		b.Run(fmt.Sprintf("batch=%d", size), func(b *testing.B) {
			for b.Loop() {
				b.StopTimer()
				e := newBenchEngine(b, 200, WithBatchSize(size))
				b.StartTimer()
				if _, err := e.Run(context.Background()); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
