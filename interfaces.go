package macrostep

import "context"

// Source enumerates invocations and resolves their definitions.
type Source interface {
	// Enumerate returns the invocations at depth. For depth 0, parents is
	// nil and the source files are scanned. For depth k > 0, parents maps
	// the ID of every live depth k-1 invocation that has an expansion to
	// that expansion's current text.
	Enumerate(ctx context.Context, depth int, parents map[string]string) ([]Invocation, error)

	// IsValid reports whether inv still describes its origin.
	IsValid(ctx context.Context, inv Invocation) bool

	// Resolve returns the definition for inv, or nil if it has none.
	Resolve(ctx context.Context, inv Invocation) (*Definition, error)
}

// Expander turns a definition and a call site into expansion text.
type Expander interface {
	Expand(ctx context.Context, def Definition, inv Invocation) (string, error)
}

// ExpanderFunc adapts a function to Expander.
type ExpanderFunc func(ctx context.Context, def Definition, inv Invocation) (string, error)

func (f ExpanderFunc) Expand(ctx context.Context, def Definition, inv Invocation) (string, error) {
	return f(ctx, def, inv)
}
