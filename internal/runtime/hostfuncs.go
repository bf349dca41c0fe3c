package runtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/risor-io/risor/object"

	"github.com/jward/macrostep/internal/source"
	"github.com/jward/macrostep/internal/store"
)

// emitted captures the result of one script run.
type emitted struct {
	text string
	set  bool
	err  error
}

// definitionObject converts a Definition to the script's "macro" global:
//
//	{name, module, hash, rules: [{pattern, body}, ...]}
func definitionObject(def source.Definition) object.Object {
	rules := make([]object.Object, 0, len(def.Rules))
	for _, r := range def.Rules {
		rules = append(rules, object.NewMap(map[string]object.Object{
			"pattern": object.NewString(r.Pattern),
			"body":    object.NewString(r.Body),
		}))
	}
	return object.NewMap(map[string]object.Object{
		"name":   object.NewString(def.Name),
		"module": object.NewString(def.Module),
		"hash":   object.NewString(def.BodyHash),
		"rules":  object.NewList(rules),
	})
}

// invocationObject converts an Invocation to the script's "invocation" global:
//
//	{id, module, path, args, text, depth}
func invocationObject(inv source.Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"id":     object.NewString(inv.ID),
		"module": object.NewString(inv.Module),
		"path":   object.NewString(inv.MacroPath),
		"args":   object.NewString(inv.Args),
		"text":   object.NewString(inv.Text),
		"depth":  object.NewInt(int64(inv.Depth)),
	})
}

// makeEmitFn creates the "emit" host function.
//
// emit(text) → nil
//
// May be called at most once per run.
func makeEmitFn(out *emitted) *object.Builtin {
	return object.NewBuiltin("emit", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("emit", 1, len(args))
		}
		text, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("emit: text must be a string, got %s", args[0].Type())
		}
		if out.set {
			out.err = errors.New("emit called more than once")
			return object.Errorf("emit: called more than once")
		}
		out.text = text.Value()
		out.set = true
		return object.Nil
	})
}

// makeNormalizeFn creates "normalize": whitespace-insensitive token text,
// matching how call hashes are computed.
//
// normalize(text) → string
func makeNormalizeFn() *object.Builtin {
	return object.NewBuiltin("normalize", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("normalize", 1, len(args))
		}
		s, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("normalize: expected string, got %s", args[0].Type())
		}
		return object.NewString(store.NormalizeTokens(s.Value()))
	})
}

// logObject provides log.Info/Warn/Error methods for Risor scripts.
type logObject struct {
	logger *slog.Logger
}

func (l *logObject) Info(msg string) {
	l.logger.Info(msg, "source", "script")
}

func (l *logObject) Warn(msg string) {
	l.logger.Warn(msg, "source", "script")
}

func (l *logObject) Error(msg string) {
	l.logger.Error(msg, "source", "script")
}
