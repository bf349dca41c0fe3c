package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jward/macrostep/internal/store"
)

// DefaultCacheSize is the number of parsed texts kept in the LRU.
const DefaultCacheSize = 4096

// Scanner enumerates macro invocations in a Rust source tree and in the
// expansion text produced from it, and resolves them against the
// macro_rules! definitions it has seen.
type Scanner struct {
	root    string
	exclude []string
	logger  *slog.Logger
	cache   *lru.Cache[string, *parsed]

	mu      sync.RWMutex
	defs    map[string]Definition // by macro name
	origins map[string]string     // parent invocation ID -> content hash
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithExclude skips files matching any of the given globs.
func WithExclude(patterns ...string) Option {
	return func(s *Scanner) {
		s.exclude = append(s.exclude, patterns...)
	}
}

// WithLogger sets the logger used for per-file parse failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// NewScanner creates a Scanner rooted at root.
func NewScanner(root string, opts ...Option) (*Scanner, error) {
	cache, err := lru.New[string, *parsed](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("source: create cache: %w", err)
	}
	s := &Scanner{
		root:    root,
		logger:  slog.Default(),
		cache:   cache,
		defs:    make(map[string]Definition),
		origins: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the directory the scanner walks.
func (s *Scanner) Root() string { return s.root }

// parse returns the cached extraction for text, parsing on a miss.
func (s *Scanner) parse(ctx context.Context, text []byte) (*parsed, string, error) {
	hash := store.ContentHash(string(text))
	if p, ok := s.cache.Get(hash); ok {
		return p, hash, nil
	}
	p, err := parseRust(ctx, text)
	if err != nil {
		return nil, hash, err
	}
	s.cache.Add(hash, p)
	return p, hash, nil
}

// Enumerate returns the invocations at depth. Depth 0 scans the source tree
// and rebuilds the definition table. Deeper steps scan parents, a map of
// parent invocation ID to its current expansion text.
func (s *Scanner) Enumerate(ctx context.Context, depth int, parents map[string]string) ([]Invocation, error) {
	if depth == 0 {
		return s.enumerateFiles(ctx)
	}
	return s.enumerateExpansions(ctx, depth, parents)
}

func (s *Scanner) enumerateFiles(ctx context.Context) ([]Invocation, error) {
	files, err := ListFiles(s.root, s.exclude)
	if err != nil {
		return nil, fmt.Errorf("source: list files: %w", err)
	}

	defs := make(map[string]Definition)
	var out []Invocation
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("source: read %s: %w", rel, err)
		}
		p, hash, err := s.parse(ctx, content)
		if err != nil {
			s.logger.Warn("skipping unparseable file", "file", rel, "error", err)
			continue
		}
		addDefs(defs, p.defs, rel)
		out = append(out, invocations(p.calls, rel, "", 0, hash)...)
	}

	s.mu.Lock()
	s.defs = defs
	s.origins = make(map[string]string)
	s.mu.Unlock()
	return out, nil
}

func (s *Scanner) enumerateExpansions(ctx context.Context, depth int, parents map[string]string) ([]Invocation, error) {
	ids := make([]string, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Invocation
	newDefs := make(map[string]Definition)
	origins := make(map[string]string, len(ids))
	for _, parentID := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, hash, err := s.parse(ctx, []byte(parents[parentID]))
		if err != nil {
			s.logger.Warn("skipping unparseable expansion", "invocation", parentID, "error", err)
			continue
		}
		origins[parentID] = hash
		module := ModuleOf(parentID)
		addDefs(newDefs, p.defs, module)
		out = append(out, invocations(p.calls, module, parentID, depth, hash)...)
	}

	s.mu.Lock()
	for name, def := range newDefs {
		// Definitions written by hand win over generated ones.
		if _, ok := s.defs[name]; !ok {
			s.defs[name] = def
		}
	}
	for id, h := range origins {
		s.origins[id] = h
	}
	s.mu.Unlock()
	return out, nil
}

// addDefs registers definitions by name; the first one seen wins.
func addDefs(dst map[string]Definition, defs []macroDef, module string) {
	for _, d := range defs {
		if _, ok := dst[d.name]; ok {
			continue
		}
		dst[d.name] = Definition{
			Name:     d.name,
			BodyHash: d.hash,
			Rules:    d.rules,
			Module:   module,
		}
	}
}

// invocations assigns stable IDs to calls found in one origin. Ordinals are
// counted per macro path so inserting a call to one macro does not shift the
// IDs of calls to another.
func invocations(calls []call, module, parentID string, depth int, originHash string) []Invocation {
	ordinals := make(map[string]int)
	out := make([]Invocation, 0, len(calls))
	for _, c := range calls {
		n := ordinals[c.macroPath]
		ordinals[c.macroPath] = n + 1

		var id string
		if parentID == "" {
			id = fmt.Sprintf("%s::%s#%d", module, c.macroPath, n)
		} else {
			id = fmt.Sprintf("%s/%s#%d", parentID, c.macroPath, n)
		}
		out = append(out, Invocation{
			ID:         id,
			Module:     module,
			MacroPath:  c.macroPath,
			ParentID:   parentID,
			Depth:      depth,
			CallHash:   store.ComputeHash(c.macroPath, c.args),
			Text:       c.text,
			Args:       c.args,
			OriginHash: originHash,
		})
	}
	return out
}

// IsValid reports whether inv still describes its origin: the source file
// for depth 0, or the parent expansion seen by the last Enumerate.
func (s *Scanner) IsValid(_ context.Context, inv Invocation) bool {
	if inv.Depth == 0 {
		content, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(inv.Module)))
		if err != nil {
			return false
		}
		return store.ContentHash(string(content)) == inv.OriginHash
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origins[inv.ParentID] == inv.OriginHash
}

// Resolve looks up the definition for inv. Returns nil, nil when the macro
// is not defined anywhere the scanner has looked (builtins such as println!
// included).
func (s *Scanner) Resolve(_ context.Context, inv Invocation) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[lastSegment(inv.MacroPath)]
	if !ok {
		return nil, nil
	}
	def.Rules = append([]Rule(nil), def.Rules...)
	return &def, nil
}

// ModuleOf returns the module component of an invocation ID.
func ModuleOf(invocationID string) string {
	if i := strings.Index(invocationID, "::"); i >= 0 {
		return invocationID[:i]
	}
	return invocationID
}
