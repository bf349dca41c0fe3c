package macrostep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jward/macrostep/internal/logging"
)

// fakeSource is an in-memory Source. Depth-0 invocations are set directly;
// below that, every whitespace-separated token ending in "!" inside a
// parent's expansion is a call to the macro of that name.
type fakeSource struct {
	mu      sync.Mutex
	roots   []Invocation
	defs    map[string]Definition
	invalid map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		defs:    make(map[string]Definition),
		invalid: make(map[string]bool),
	}
}

// call appends a depth-0 invocation of name and returns its ID.
func (s *fakeSource) call(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord := 0
	for _, inv := range s.roots {
		if inv.MacroPath == name {
			ord++
		}
	}
	inv := Invocation{
		ID:        fmt.Sprintf("lib.rs::%s#%d", name, ord),
		Module:    "lib.rs",
		MacroPath: name,
		CallHash:  "call:" + name,
	}
	s.roots = append(s.roots, inv)
	return inv.ID
}

func (s *fakeSource) clearCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = nil
}

// define sets the definition of name; its hash follows the body.
func (s *fakeSource) define(name, body string) {
	s.defineWithHash(name, body, "def:"+body)
}

func (s *fakeSource) defineWithHash(name, body, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[name] = Definition{Name: name, BodyHash: hash, Rules: []Rule{{Body: body}}}
}

func (s *fakeSource) undefine(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
}

func (s *fakeSource) invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[id] = true
}

func (s *fakeSource) Enumerate(_ context.Context, depth int, parents map[string]string) ([]Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if depth == 0 {
		return append([]Invocation(nil), s.roots...), nil
	}

	ids := make([]string, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Invocation
	for _, parent := range ids {
		ords := make(map[string]int)
		for _, tok := range strings.Fields(parents[parent]) {
			name, ok := strings.CutSuffix(tok, "!")
			if !ok {
				continue
			}
			out = append(out, Invocation{
				ID:        fmt.Sprintf("%s/%s#%d", parent, name, ords[name]),
				Module:    "lib.rs",
				MacroPath: name,
				ParentID:  parent,
				Depth:     depth,
				CallHash:  "call:" + name,
			})
			ords[name]++
		}
	}
	return out, nil
}

func (s *fakeSource) IsValid(_ context.Context, inv Invocation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid[inv.ID]
}

func (s *fakeSource) Resolve(_ context.Context, inv Invocation) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[inv.MacroPath]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

// fakeExpander returns the first rule body. Macros listed in fail return an
// error; when gate is set every call blocks until it is closed.
type fakeExpander struct {
	calls atomic.Int64
	gate  chan struct{}

	mu   sync.Mutex
	fail map[string]bool
}

func newFakeExpander() *fakeExpander {
	return &fakeExpander{fail: make(map[string]bool)}
}

func (x *fakeExpander) failOn(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fail[name] = true
}

func (x *fakeExpander) Expand(ctx context.Context, def Definition, _ Invocation) (string, error) {
	x.calls.Add(1)
	if x.gate != nil {
		select {
		case <-x.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	x.mu.Lock()
	fail := x.fail[def.Name]
	x.mu.Unlock()
	if fail {
		return "", errors.New("no rules expanded")
	}
	return def.Rules[0].Body, nil
}

// eventLog records content-store and index calls in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// recordingContent wraps a ContentStore, logging publishes and optionally
// failing them.
type recordingContent struct {
	ContentStore
	log         *eventLog
	failPublish atomic.Bool
}

func (c *recordingContent) BeginBatch(ctx context.Context) (BatchTx, error) {
	tx, err := c.ContentStore.BeginBatch(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingTx{BatchTx: tx, owner: c}, nil
}

type recordingTx struct {
	BatchTx
	owner  *recordingContent
	writes int
}

func (tx *recordingTx) Create(text string) (BlobRef, error) {
	tx.writes++
	return tx.BatchTx.Create(text)
}

func (tx *recordingTx) Overwrite(ref BlobRef, text string) error {
	tx.writes++
	return tx.BatchTx.Overwrite(ref, text)
}

func (tx *recordingTx) Delete(ref BlobRef) error {
	tx.writes++
	return tx.BatchTx.Delete(ref)
}

func (tx *recordingTx) Publish() error {
	if tx.owner.failPublish.Load() {
		tx.owner.log.add("publish-failed:%d", tx.writes)
		return errors.New("disk full")
	}
	tx.owner.log.add("publish:%d", tx.writes)
	return tx.BatchTx.Publish()
}

// recordingIndex wraps an Index, logging mutations. afterUpsert, when set,
// runs after every successful upsert.
type recordingIndex struct {
	Index
	log         *eventLog
	afterUpsert func()
}

func (idx *recordingIndex) Upsert(ctx context.Context, rec ExpansionRecord) error {
	if err := idx.Index.Upsert(ctx, rec); err != nil {
		return err
	}
	idx.log.add("upsert:%s", rec.InvocationID)
	if idx.afterUpsert != nil {
		idx.afterUpsert()
	}
	return nil
}

func (idx *recordingIndex) Remove(ctx context.Context, id string) error {
	idx.log.add("remove:%s", id)
	return idx.Index.Remove(ctx, id)
}

// harness is an Engine over a fake source and expander, with recording
// wrappers around the SQLite store.
type harness struct {
	t       *testing.T
	e       *Engine
	src     *fakeSource
	x       *fakeExpander
	content *recordingContent
	index   *recordingIndex
	log     *eventLog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		src: newFakeSource(),
		x:   newFakeExpander(),
		log: &eventLog{},
	}
	dbPath := filepath.Join(t.TempDir(), "macrostep.db")
	opts = append([]Option{WithLogger(logging.Discard()), WithWorkers(4)}, opts...)
	e, err := New(dbPath, h.src, h.x, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	h.content = &recordingContent{ContentStore: e.content, log: h.log}
	h.index = &recordingIndex{Index: e.index, log: h.log}
	e.content = h.content
	e.index = h.index
	h.e = e
	return h
}

func (h *harness) run() Result {
	h.t.Helper()
	res, err := h.e.Run(context.Background())
	require.NoError(h.t, err)
	return res
}

func (h *harness) record(id string) *ExpansionRecord {
	h.t.Helper()
	rec, err := h.e.Store().Lookup(context.Background(), id)
	require.NoError(h.t, err)
	return rec
}

// text returns the current expansion of id.
func (h *harness) text(id string) string {
	h.t.Helper()
	rec := h.record(id)
	require.NotNil(h.t, rec, "no record for %s", id)
	require.NotNil(h.t, rec.Blob, "no blob for %s", id)
	text, err := h.e.Store().Load(context.Background(), *rec.Blob)
	require.NoError(h.t, err)
	return text
}

func (h *harness) recordIDs() []string {
	h.t.Helper()
	recs, err := h.e.Store().Records(context.Background())
	require.NoError(h.t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.InvocationID
	}
	return ids
}

func (h *harness) blobCount() int {
	h.t.Helper()
	stats, err := h.e.Store().Stats(context.Background())
	require.NoError(h.t, err)
	return stats.Blobs
}
