package source

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/macrostep/internal/store"
)

// call is a macro_invocation node reduced to what the scanner needs.
type call struct {
	macroPath string
	text      string
	args      string // normalized, outer delimiters stripped
}

// macroDef is a macro_rules! node reduced to its name, rules, and hash.
type macroDef struct {
	name  string
	hash  string
	rules []Rule
}

// parsed is the extraction result for one piece of Rust text. It holds no
// tree-sitter state so it can be cached and shared between goroutines.
type parsed struct {
	calls []call
	defs  []macroDef
}

// parseRust parses src and collects macro invocations and definitions in
// document order. Invocations inside a definition body are not collected.
func parseRust(ctx context.Context, src []byte) (*parsed, error) {
	lang, ok := ParserForLanguage("rust")
	if !ok {
		return nil, fmt.Errorf("parse: rust grammar unavailable")
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse: tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	p := &parsed{}
	collect(tree.RootNode(), src, p)
	return p, nil
}

func collect(node *sitter.Node, src []byte, p *parsed) {
	switch node.Type() {
	case "macro_definition":
		if def, ok := buildDef(node, src); ok {
			p.defs = append(p.defs, def)
		}
		return
	case "macro_invocation":
		if c, ok := buildCall(node, src); ok {
			p.calls = append(p.calls, c)
		}
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		collect(node.NamedChild(i), src, p)
	}
}

func buildCall(node *sitter.Node, src []byte) (call, bool) {
	name := node.ChildByFieldName("macro")
	if name == nil {
		return call{}, false
	}
	var tt *sitter.Node
	for i := int(node.NamedChildCount()) - 1; i >= 0; i-- {
		if child := node.NamedChild(i); child.Type() == "token_tree" {
			tt = child
			break
		}
	}
	c := call{
		macroPath: name.Content(src),
		text:      node.Content(src),
	}
	if tt != nil {
		c.args = store.NormalizeTokens(stripDelims(tt.Content(src)))
	}
	return c, true
}

func buildDef(node *sitter.Node, src []byte) (macroDef, bool) {
	name := node.ChildByFieldName("name")
	if name == nil {
		return macroDef{}, false
	}
	def := macroDef{name: name.Content(src)}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		rule := node.NamedChild(i)
		if rule.Type() != "macro_rule" {
			continue
		}
		left := rule.ChildByFieldName("left")
		right := rule.ChildByFieldName("right")
		if left == nil || right == nil {
			continue
		}
		def.rules = append(def.rules, Rule{
			Pattern: store.NormalizeTokens(stripDelims(left.Content(src))),
			Body:    strings.TrimSpace(stripDelims(right.Content(src))),
		})
	}
	def.hash = store.ComputeHash(def.name, store.NormalizeTokens(node.Content(src)))
	return def, true
}

// stripDelims removes one matching pair of outer (), [] or {}.
func stripDelims(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	switch s[0] {
	case '(':
		if s[len(s)-1] == ')' {
			return s[1 : len(s)-1]
		}
	case '[':
		if s[len(s)-1] == ']' {
			return s[1 : len(s)-1]
		}
	case '{':
		if s[len(s)-1] == '}' {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// lastSegment returns the final "::" segment of a macro path.
func lastSegment(path string) string {
	if i := strings.LastIndex(path, "::"); i >= 0 {
		return path[i+2:]
	}
	return path
}
