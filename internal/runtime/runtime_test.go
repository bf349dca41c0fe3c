package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/macrostep/internal/source"
	"github.com/jward/macrostep/scripts"
)

var greetDef = source.Definition{
	Name:     "greet",
	BodyHash: "d1",
	Module:   "src/lib.rs",
	Rules: []source.Rule{
		{Pattern: "", Body: "fn hello() {}"},
		{Pattern: "loud", Body: "fn hello() { shout!(); }"},
	},
}

func greetCall(args string) source.Invocation {
	return source.Invocation{
		ID:        "src/lib.rs::greet#0",
		Module:    "src/lib.rs",
		MacroPath: "greet",
		Args:      args,
		Text:      "greet!(" + args + ")",
	}
}

// --- Default script ---

func TestDefaultScript_SelectsMatchingRule(t *testing.T) {
	t.Parallel()
	x := NewExpander("", WithFS(scripts.FS))
	ctx := context.Background()

	got, err := x.Expand(ctx, greetDef, greetCall(""))
	require.NoError(t, err)
	assert.Equal(t, "fn hello() {}", got)

	got, err = x.Expand(ctx, greetDef, greetCall("loud"))
	require.NoError(t, err)
	assert.Equal(t, "fn hello() { shout!(); }", got)
}

func TestDefaultScript_WhitespaceInsensitive(t *testing.T) {
	t.Parallel()
	x := NewExpander("", WithFS(scripts.FS))

	def := source.Definition{Name: "m", Rules: []source.Rule{{Pattern: "a , b", Body: "1"}}}
	got, err := x.Expand(context.Background(), def, source.Invocation{ID: "m#0", Args: "a ,  b"})
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestDefaultScript_NoMatchingRule(t *testing.T) {
	t.Parallel()
	x := NewExpander("", WithFS(scripts.FS))

	_, err := x.Expand(context.Background(), greetDef, greetCall("quiet"))
	require.ErrorIs(t, err, ErrNoExpansion)
}

// --- RunSource ---

func TestRunSource_GlobalsVisible(t *testing.T) {
	t.Parallel()
	x := NewExpander("")

	script := `
assert(macro["name"] == "greet", "expected greet")
assert(len(macro["rules"]) == 2, 'expected 2 rules, got {len(macro["rules"])}')
assert(invocation["id"] == "src/lib.rs::greet#0", "bad id")
assert(invocation["depth"] == 0, "bad depth")
emit(invocation["path"] + ":" + invocation["args"])
`
	got, err := x.RunSource(context.Background(), script, greetDef, greetCall("loud"))
	require.NoError(t, err)
	assert.Equal(t, "greet:loud", got)
}

func TestRunSource_EmitTwiceFails(t *testing.T) {
	t.Parallel()
	x := NewExpander("")

	_, err := x.RunSource(context.Background(), `
emit("a")
emit("b")
`, greetDef, greetCall(""))
	require.Error(t, err)
}

func TestRunSource_EmitRequiresString(t *testing.T) {
	t.Parallel()
	x := NewExpander("")

	_, err := x.RunSource(context.Background(), `emit(42)`, greetDef, greetCall(""))
	require.Error(t, err)
}

func TestRunSource_ScriptErrorIsReturned(t *testing.T) {
	t.Parallel()
	x := NewExpander("")

	_, err := x.RunSource(context.Background(), `assert(false, "boom")`, greetDef, greetCall(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<inline>")
}

func TestRunSource_LogGlobal(t *testing.T) {
	t.Parallel()
	x := NewExpander("")

	got, err := x.RunSource(context.Background(), `
log.Info("expanding")
emit("ok")
`, greetDef, greetCall(""))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

// --- Script loading ---

func TestExpand_LoadsFromDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "expand"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expand", "default.risor"), []byte(`emit("from disk")`), 0o644))

	x := NewExpander(dir)
	got, err := x.Expand(context.Background(), greetDef, greetCall(""))
	require.NoError(t, err)
	assert.Equal(t, "from disk", got)
}

func TestExpand_MissingScript(t *testing.T) {
	t.Parallel()
	x := NewExpander(t.TempDir())

	_, err := x.Expand(context.Background(), greetDef, greetCall(""))
	require.Error(t, err)
}

func TestExpand_WithScript(t *testing.T) {
	t.Parallel()
	mapFS := fstest.MapFS{
		"custom.risor": &fstest.MapFile{Data: []byte(`emit(macro["name"])`)},
	}
	x := NewExpander("", WithFS(mapFS), WithScript("custom.risor"))

	got, err := x.Expand(context.Background(), greetDef, greetCall(""))
	require.NoError(t, err)
	assert.Equal(t, "greet", got)
}

func TestLoadScript_FromFS_NotFound(t *testing.T) {
	t.Parallel()
	x := NewExpander("", WithFS(fstest.MapFS{}))

	_, err := x.LoadScript("nonexistent.risor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from fs")
}

func TestLoadScript_FromFS_StripsLeadingSeparator(t *testing.T) {
	t.Parallel()
	content := `y := 99`
	x := NewExpander("", WithFS(fstest.MapFS{
		"expand/default.risor": &fstest.MapFile{Data: []byte(content)},
	}))

	got, err := x.LoadScript("/expand/default.risor")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// --- Importer wiring ---

func TestImport_FSImporter(t *testing.T) {
	// Risor's FSImporter resolves "helpers" by trying name + ".risor",
	// so the file must be at the flat path "helpers.risor" in the FS.
	mapFS := fstest.MapFS{
		"helpers.risor": &fstest.MapFile{Data: []byte(`
func wrap(body) {
	return "{ " + body + " }"
}
`)},
		"main.risor": &fstest.MapFile{Data: []byte(`
import helpers
emit(helpers.wrap(macro["rules"][0]["body"]))
`)},
	}
	x := NewExpander("", WithFS(mapFS), WithScript("main.risor"))

	got, err := x.Expand(context.Background(), greetDef, greetCall(""))
	require.NoError(t, err)
	assert.Equal(t, "{ fn hello() {} }", got)
}

func TestImport_GlobalsAvailableInImportedModules(t *testing.T) {
	// Imported modules can reference host-provided globals only if their
	// names are passed to the importer.
	mapFS := fstest.MapFS{
		"helper.risor": &fstest.MapFile{Data: []byte(`
func first_body() {
	return macro["rules"][0]["body"]
}
`)},
	}
	x := NewExpander("", WithFS(mapFS))

	got, err := x.RunSource(context.Background(), `
import helper
emit(helper.first_body())
`, greetDef, greetCall(""))
	require.NoError(t, err)
	assert.Equal(t, "fn hello() {}", got)
}

// --- ScriptsHash ---

func TestScriptsHash_ChangesWithContent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.risor")
	require.NoError(t, os.WriteFile(path, []byte(`emit("1")`), 0o644))

	x := NewExpander(dir)
	h1 := x.ScriptsHash()
	assert.Equal(t, h1, x.ScriptsHash(), "hash is deterministic")

	require.NoError(t, os.WriteFile(path, []byte(`emit("2")`), 0o644))
	assert.NotEqual(t, h1, x.ScriptsHash())
}

func TestScriptsHash_EmbeddedFS(t *testing.T) {
	t.Parallel()
	x := NewExpander("", WithFS(scripts.FS))
	assert.Len(t, x.ScriptsHash(), 64)
}
