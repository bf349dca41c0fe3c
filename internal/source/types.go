package source

// Invocation is one macro call site, either in a source file (depth 0) or
// inside the expansion text of another invocation.
type Invocation struct {
	// ID is stable across edits that do not reorder same-named calls:
	// "<module>::<macro>#<ordinal>" at depth 0 and
	// "<parentID>/<macro>#<ordinal>" below it.
	ID        string
	Module    string
	MacroPath string
	ParentID  string
	Depth     int

	// CallHash covers the macro path and the normalized argument tokens.
	CallHash string

	// Text is the full invocation text; Args is the normalized token text
	// between the outer delimiters.
	Text string
	Args string

	// OriginHash is the content hash of the file or parent expansion the
	// invocation was found in.
	OriginHash string
}

// Rule is one arm of a macro_rules! definition, with the outer delimiters
// of both sides stripped.
type Rule struct {
	Pattern string
	Body    string
}

// Definition is a resolved macro definition.
type Definition struct {
	Name     string
	BodyHash string
	Rules    []Rule

	// Module is where the definition was found.
	Module string
}
