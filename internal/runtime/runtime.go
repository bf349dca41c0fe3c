package runtime

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"

	"github.com/jward/macrostep/internal/source"
)

// DefaultScript is the expansion script used when none is configured.
const DefaultScript = "expand/default.risor"

// ErrNoExpansion is returned when a script finishes without calling emit.
var ErrNoExpansion = errors.New("script produced no expansion")

// Expander runs a Risor expansion script once per invocation. The script
// sees the resolved definition as the "macro" global and the call site as
// "invocation", and reports its output with emit(text).
type Expander struct {
	scriptsDir string
	fsys       fs.FS
	script     string
	logger     *slog.Logger
}

// Option configures an Expander.
type Option func(*Expander)

// WithFS configures the Expander to load scripts from an fs.FS instead of
// from disk. Also configures the Risor importer to use FSImporter for import
// statement resolution.
func WithFS(fsys fs.FS) Option {
	return func(x *Expander) {
		x.fsys = fsys
	}
}

// WithScript selects the script path, relative to the scripts source.
func WithScript(path string) Option {
	return func(x *Expander) {
		x.script = path
	}
}

// WithLogger sets the logger behind the scripts' log global.
func WithLogger(l *slog.Logger) Option {
	return func(x *Expander) {
		x.logger = l
	}
}

// NewExpander creates an Expander that loads scripts from scriptsDir unless
// WithFS is given.
func NewExpander(scriptsDir string, opts ...Option) *Expander {
	x := &Expander{
		scriptsDir: scriptsDir,
		script:     DefaultScript,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Expand runs the configured script for one invocation.
func (x *Expander) Expand(ctx context.Context, def source.Definition, inv source.Invocation) (string, error) {
	src, err := x.LoadScript(x.script)
	if err != nil {
		return "", err
	}
	return x.eval(ctx, src, x.script, def, inv)
}

// RunSource executes Risor source code directly against def and inv.
// Useful for testing without script files.
func (x *Expander) RunSource(ctx context.Context, src string, def source.Definition, inv source.Invocation) (string, error) {
	return x.eval(ctx, src, "<inline>", def, inv)
}

func (x *Expander) eval(ctx context.Context, src, label string, def source.Definition, inv source.Invocation) (string, error) {
	out := &emitted{}
	globals := x.buildGlobals(def, inv, out)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}

	// Wire importer so Risor import statements resolve correctly.
	if imp := x.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	if _, err := risor.Eval(ctx, src, opts...); err != nil {
		return "", fmt.Errorf("runtime: script %s: %w", label, err)
	}
	if out.err != nil {
		return "", fmt.Errorf("runtime: script %s: %w", label, out.err)
	}
	if !out.set {
		return "", fmt.Errorf("runtime: script %s: %w", label, ErrNoExpansion)
	}
	return out.text, nil
}

// buildImporter returns a Risor importer configured for the Expander's
// script source. Returns nil if neither fs.FS nor scriptsDir is configured.
func (x *Expander) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if x.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    x.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if x.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   x.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file and returns its source code.
// When an fs.FS is configured, uses fs.ReadFile on the embedded filesystem.
// Otherwise, uses os.ReadFile with scriptsDir as the base directory.
func (x *Expander) LoadScript(path string) (string, error) {
	if x.fsys != nil {
		// For fs.FS, strip any leading path separator so the path is
		// relative within the FS (e.g., "/expand/default.risor" -> "expand/default.risor").
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(x.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(x.scriptsDir, path)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// ScriptsHash computes a SHA-256 hash of every .risor file in the script
// source, sorted by path. A change means every stored expansion must be
// re-checked.
func (x *Expander) ScriptsHash() string {
	var paths []string

	if x.fsys != nil {
		fs.WalkDir(x.fsys, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(path, ".risor") {
				paths = append(paths, path)
			}
			return nil
		})
	} else if x.scriptsDir != "" {
		filepath.WalkDir(x.scriptsDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(path, ".risor") {
				rel, _ := filepath.Rel(x.scriptsDir, path)
				paths = append(paths, rel)
			}
			return nil
		})
	}

	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		src, err := x.LoadScript(p)
		if err != nil {
			continue
		}
		h.Write([]byte(p))
		h.Write([]byte(src))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// buildGlobals constructs the full set of globals exposed to the script.
func (x *Expander) buildGlobals(def source.Definition, inv source.Invocation, out *emitted) map[string]any {
	return map[string]any{
		"macro":      definitionObject(def),
		"invocation": invocationObject(inv),
		"emit":       makeEmitFn(out),
		"normalize":  makeNormalizeFn(),
		"log":        mustProxy(&logObject{logger: x.logger.With("invocation", inv.ID)}),
	}
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
