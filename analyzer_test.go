package modi

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// cyclicGraph returns A -> B (forward ref) -> C -> A.
func cyclicGraph() *Module {
	var a, b, c *Module
	a = &Module{Name: "A", Providers: []*Provider{Class(NewTConfig)}}
	b = &Module{Name: "B", Exports: []Token{Named("b")}}
	c = &Module{Name: "C", Controllers: []*Provider{Class(NewTService)}, Exports: []Token{Named("c")}}
	a.Imports = []ModuleRef{ForwardRef(func() ModuleRef { return b })}
	b.Imports = []ModuleRef{c}
	c.Imports = []ModuleRef{a}
	return a
}

func TestBuildGraph_Cycle(t *testing.T) {
	t.Parallel()

	dg, err := BuildGraph(cyclicGraph())
	require.NoError(t, err)

	assert.Equal(t, "A", dg.Root)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, dg.Cycles)
	assert.Equal(t, []GraphEdge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "A"}}, dg.Edges)

	b, ok := dg.Node("B")
	require.True(t, ok)
	assert.Equal(t, ForwardModuleRef, b.Kind)
	assert.Equal(t, []string{"C"}, b.Imports)

	a, _ := dg.Node("A")
	assert.Equal(t, StaticModule, a.Kind)
	assert.Equal(t, []string{TypeOf[*TConfig]().String()}, a.Providers)

	cx := dg.AnalyzeComplexity()
	assert.Equal(t, 3, cx.Modules)
	assert.Equal(t, 1, cx.Providers)
	assert.Equal(t, 1, cx.Controllers)
	assert.Equal(t, 3, cx.Dependencies)
	assert.Equal(t, 2, cx.Depth)
	assert.Equal(t, 1, cx.Cycles)
	assert.Contains(t, cx.Suggestions, "circular dependency detected: A -> B -> C -> A")
	assert.Contains(t, cx.Suggestions, "module A is imported but exports nothing")
}

func TestBuildGraph_Diamond(t *testing.T) {
	t.Parallel()

	shared := &Module{Name: "shared", Exports: []Token{Named("s")}}
	root := &Module{Name: "root", Imports: []ModuleRef{
		&Module{Name: "left", Imports: []ModuleRef{shared}, Exports: []Token{Named("l")}},
		&Module{Name: "right", Imports: []ModuleRef{shared}, Exports: []Token{Named("r")}},
		&DynamicModule{Module: &Module{Name: "dyn"}, Exports: []Token{Named("d")}},
	}}

	dg, err := BuildGraph(root)
	require.NoError(t, err)

	var names []string
	for _, n := range dg.Nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"root", "left", "shared", "right", "dyn"}, names)
	assert.Empty(t, dg.Cycles)
	assert.Equal(t, []string{"root"}, dg.Roots)
	assert.Equal(t, []string{"shared", "dyn"}, dg.Leaves)
	assert.Empty(t, dg.Orphans)

	dyn, _ := dg.Node("dyn")
	assert.Equal(t, DynamicModuleRef, dyn.Kind)

	cx := dg.AnalyzeComplexity()
	assert.Equal(t, 2, cx.Depth)
	assert.Empty(t, cx.Suggestions)
}

func TestBuildGraph_DuplicateNames(t *testing.T) {
	t.Parallel()

	root := &Module{Name: "root", Imports: []ModuleRef{&Module{Name: "db"}, &Module{Name: "db"}}}

	dg, err := BuildGraph(root)
	require.NoError(t, err)

	_, ok := dg.Node("db")
	assert.True(t, ok)
	_, ok = dg.Node("db#2")
	assert.True(t, ok)
}

func TestBuildGraph_Thresholds(t *testing.T) {
	t.Parallel()

	chain := &Module{Name: "m3", Exports: []Token{Named("x")}}
	for i := 2; i >= 0; i-- {
		chain = &Module{Name: fmt.Sprintf("m%d", i), Imports: []ModuleRef{chain}, Exports: []Token{Named("x")}}
	}
	chain.Providers = []*Provider{Value(Named("a"), 1), Value(Named("b"), 2)}

	dg, err := BuildGraph(chain, WithDepthThreshold(2), WithProviderThreshold(1))
	require.NoError(t, err)

	cx := dg.AnalyzeComplexity()
	assert.Equal(t, 3, cx.Depth)
	assert.Equal(t, []string{
		"import depth 3 exceeds 2 layers; consider flattening the module hierarchy",
		"module m0 declares 2 providers; consider splitting it",
	}, cx.Suggestions)
}

func TestBuildGraph_Invalid(t *testing.T) {
	t.Parallel()

	_, err := BuildGraph(&Module{Name: "root", Imports: []ModuleRef{nil}})
	require.ErrorIs(t, err, ErrInvalidModuleRef)
}

func TestDependencyGraph_Export(t *testing.T) {
	t.Parallel()

	dg, err := BuildGraph(cyclicGraph())
	require.NoError(t, err)

	t.Run("dot", func(t *testing.T) {
		dot := dg.ToDOT()
		assert.True(t, strings.HasPrefix(dot, `digraph "modules" {`))
		assert.Contains(t, dot, `"A\nP:1 C:0"`)
		assert.Contains(t, dot, "lightyellow")
		assert.Contains(t, dot, "lightblue")
		assert.Contains(t, dot, "color=red")
	})

	t.Run("json", func(t *testing.T) {
		data, err := dg.ToJSON()
		require.NoError(t, err)

		var doc struct {
			Root       string      `json:"root"`
			Nodes      []GraphNode `json:"nodes"`
			Cycles     [][]string  `json:"cycles"`
			Complexity Complexity  `json:"complexity"`
		}
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, "A", doc.Root)
		assert.Len(t, doc.Nodes, 3)
		assert.Equal(t, [][]string{{"A", "B", "C"}}, doc.Cycles)
		assert.Equal(t, 1, doc.Complexity.Cycles)
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := dg.ToYAML()
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, yaml.Unmarshal(data, &doc))
		assert.Equal(t, "A", doc["root"])
		assert.Contains(t, doc, "complexity")
		assert.Len(t, doc["nodes"], 3)
	})

	t.Run("text", func(t *testing.T) {
		var b strings.Builder
		require.NoError(t, dg.WriteText(&b))
		out := b.String()
		assert.Contains(t, out, "A (static)")
		assert.Contains(t, out, "B (forwardRef)")
		assert.Contains(t, out, "Cycles:       1")
		assert.Contains(t, out, "circular dependency detected")
	})
}

func TestDependencyGraph_AdjacencyList(t *testing.T) {
	t.Parallel()

	dg, err := BuildGraph(cyclicGraph())
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, dg.WriteAdjacencyList(&b))
	assert.Equal(t, "A -> [B]\nB -> [C]\nC -> [A]\n", b.String())
}
