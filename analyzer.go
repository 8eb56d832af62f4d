package modi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/junioryono/modi/internal/graph"
	"gopkg.in/yaml.v3"
)

// Default complexity thresholds.
const (
	DefaultDepthThreshold    = 5
	DefaultProviderThreshold = 20
)

// GraphNode is a module in a DependencyGraph.
type GraphNode struct {
	Name        string     `json:"name" yaml:"name"`
	Kind        ModuleKind `json:"kind" yaml:"kind"`
	Providers   []string   `json:"providers" yaml:"providers"`
	Controllers []string   `json:"controllers" yaml:"controllers"`
	Imports     []string   `json:"imports" yaml:"imports"`
	Exports     []string   `json:"exports" yaml:"exports"`
}

// GraphEdge is an import from one module to another.
type GraphEdge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// DependencyGraph is a read-only view of a module graph for diagnostics.
type DependencyGraph struct {
	Root    string      `json:"root" yaml:"root"`
	Nodes   []GraphNode `json:"nodes" yaml:"nodes"`
	Edges   []GraphEdge `json:"edges" yaml:"edges"`
	Cycles  [][]string  `json:"cycles" yaml:"cycles"`
	Roots   []string    `json:"roots" yaml:"roots"`
	Leaves  []string    `json:"leaves" yaml:"leaves"`
	Orphans []string    `json:"orphans" yaml:"orphans"`

	g    *graph.Graph
	opts analyzerOptions
}

// AnalyzerOption configures BuildGraph.
type AnalyzerOption interface {
	applyAnalyzer(*analyzerOptions)
}

type analyzerOptions struct {
	depthThreshold    int
	providerThreshold int
}

type analyzerOptionFunc func(*analyzerOptions)

func (f analyzerOptionFunc) applyAnalyzer(o *analyzerOptions) { f(o) }

// WithDepthThreshold sets the import depth above which AnalyzeComplexity
// suggests flattening.
func WithDepthThreshold(n int) AnalyzerOption {
	return analyzerOptionFunc(func(o *analyzerOptions) {
		if n > 0 {
			o.depthThreshold = n
		}
	})
}

// WithProviderThreshold sets the per-module provider count above which
// AnalyzeComplexity suggests splitting a module.
func WithProviderThreshold(n int) AnalyzerOption {
	return analyzerOptionFunc(func(o *analyzerOptions) {
		if n > 0 {
			o.providerThreshold = n
		}
	})
}

// BuildGraph walks the module metadata reachable from root. It evaluates
// ForwardRefs but never touches a container. Distinct modules sharing a
// name are disambiguated with a "#n" suffix.
func BuildGraph(root ModuleRef, opts ...AnalyzerOption) (*DependencyGraph, error) {
	o := analyzerOptions{
		depthThreshold:    DefaultDepthThreshold,
		providerThreshold: DefaultProviderThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyAnalyzer(&o)
		}
	}

	dg := &DependencyGraph{g: graph.New(), opts: o}

	names := make(map[any]string)
	nameCount := make(map[string]int)
	nodes := make(map[string]*GraphNode)
	var order []string

	var visit func(ref ModuleRef, parent string) (string, error)
	visit = func(ref ModuleRef, parent string) (string, error) {
		meta, err := normalize(ref)
		if err != nil {
			return "", ModuleError{Module: parent, Cause: err}
		}

		if name, ok := names[meta.id]; ok {
			return name, nil
		}

		name := meta.displayName()
		nameCount[name]++
		if n := nameCount[name]; n > 1 {
			name = fmt.Sprintf("%s#%d", name, n)
		}
		names[meta.id] = name

		node := &GraphNode{
			Name:        name,
			Kind:        meta.kind,
			Providers:   tokenNames(meta.providers),
			Controllers: tokenNames(meta.controllers),
			Exports:     make([]string, 0, len(meta.exports)),
			Imports:     make([]string, 0, len(meta.imports)),
		}
		for _, t := range meta.exports {
			node.Exports = append(node.Exports, t.String())
		}
		nodes[name] = node
		order = append(order, name)
		dg.g.AddNode(name)

		for _, imp := range meta.imports {
			child, err := visit(imp, name)
			if err != nil {
				return "", err
			}
			node.Imports = append(node.Imports, child)
			dg.g.AddEdge(name, child)
		}

		return name, nil
	}

	rootName, err := visit(root, "<root>")
	if err != nil {
		return nil, err
	}

	dg.Root = rootName
	for _, name := range order {
		dg.Nodes = append(dg.Nodes, *nodes[name])
	}
	for _, e := range dg.g.Edges() {
		dg.Edges = append(dg.Edges, GraphEdge{From: e[0], To: e[1]})
	}
	dg.Cycles = dg.g.Cycles()
	if dg.Cycles == nil {
		dg.Cycles = make([][]string, 0)
	}
	if dg.Edges == nil {
		dg.Edges = make([]GraphEdge, 0)
	}
	dg.Roots = dg.g.Roots()
	dg.Leaves = dg.g.Leaves()
	dg.Orphans = dg.g.Orphans()

	return dg, nil
}

func tokenNames(providers []*Provider) []string {
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		out = append(out, p.token.String())
	}
	return out
}

// Node returns the node named name.
func (dg *DependencyGraph) Node(name string) (GraphNode, bool) {
	for _, n := range dg.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return GraphNode{}, false
}

// Complexity summarizes a DependencyGraph.
type Complexity struct {
	Modules      int      `json:"modules" yaml:"modules"`
	Providers    int      `json:"providers" yaml:"providers"`
	Controllers  int      `json:"controllers" yaml:"controllers"`
	Dependencies int      `json:"dependencies" yaml:"dependencies"`
	Depth        int      `json:"depth" yaml:"depth"`
	Cycles       int      `json:"cycles" yaml:"cycles"`
	Suggestions  []string `json:"suggestions" yaml:"suggestions"`
}

// AnalyzeComplexity computes size and depth metrics and suggestions for
// simplifying the graph. Depth is the longest import chain from the root
// that does not revisit a module.
func (dg *DependencyGraph) AnalyzeComplexity() Complexity {
	cx := Complexity{
		Modules:      len(dg.Nodes),
		Dependencies: len(dg.Edges),
		Depth:        dg.g.LongestPath(dg.Root),
		Cycles:       len(dg.Cycles),
		Suggestions:  make([]string, 0),
	}

	for _, cycle := range dg.Cycles {
		path := append(append([]string{}, cycle...), cycle[0])
		cx.Suggestions = append(cx.Suggestions,
			fmt.Sprintf("circular dependency detected: %s", strings.Join(path, " -> ")))
	}

	if cx.Depth > dg.opts.depthThreshold {
		cx.Suggestions = append(cx.Suggestions,
			fmt.Sprintf("import depth %d exceeds %d layers; consider flattening the module hierarchy",
				cx.Depth, dg.opts.depthThreshold))
	}

	for _, n := range dg.Nodes {
		cx.Providers += len(n.Providers)
		cx.Controllers += len(n.Controllers)

		if len(n.Providers) > dg.opts.providerThreshold {
			cx.Suggestions = append(cx.Suggestions,
				fmt.Sprintf("module %s declares %d providers; consider splitting it", n.Name, len(n.Providers)))
		}

		if node, ok := dg.g.Node(n.Name); ok && node.InDegree > 0 && len(n.Exports) == 0 {
			cx.Suggestions = append(cx.Suggestions,
				fmt.Sprintf("module %s is imported but exports nothing", n.Name))
		}
	}

	return cx
}

var kindColors = map[ModuleKind]string{
	StaticModule:     "lightblue",
	DynamicModuleRef: "lightgreen",
	ForwardModuleRef: "lightyellow",
}

// ToDOT renders the graph in Graphviz DOT format. Nodes are colored by
// kind and edges on cycles are red.
func (dg *DependencyGraph) ToDOT() string {
	v := graph.NewVisualizer(dg.g, func(id string) graph.NodeStyle {
		n, ok := dg.Node(id)
		if !ok {
			return graph.NodeStyle{}
		}
		return graph.NodeStyle{
			Label:     fmt.Sprintf("%s\nP:%d C:%d", n.Name, len(n.Providers), len(n.Controllers)),
			FillColor: kindColors[n.Kind],
		}
	})

	var buf bytes.Buffer
	_ = v.WriteDOT(&buf, "modules")
	return buf.String()
}

// WriteAdjacencyList writes one line per module listing its imports.
func (dg *DependencyGraph) WriteAdjacencyList(w io.Writer) error {
	return graph.NewVisualizer(dg.g, nil).WriteAdjacencyList(w)
}

type graphDocument struct {
	DependencyGraph `yaml:",inline"`
	Complexity       Complexity `json:"complexity" yaml:"complexity"`
}

// ToJSON renders the graph and its complexity analysis as indented JSON.
func (dg *DependencyGraph) ToJSON() ([]byte, error) {
	return json.MarshalIndent(graphDocument{DependencyGraph: *dg, Complexity: dg.AnalyzeComplexity()}, "", "  ")
}

// ToYAML renders the graph and its complexity analysis as YAML.
func (dg *DependencyGraph) ToYAML() ([]byte, error) {
	return yaml.Marshal(graphDocument{DependencyGraph: *dg, Complexity: dg.AnalyzeComplexity()})
}

// WriteText writes a human readable summary.
func (dg *DependencyGraph) WriteText(w io.Writer) error {
	var b strings.Builder
	cx := dg.AnalyzeComplexity()

	b.WriteString("Module Graph:\n")
	b.WriteString("=============\n\n")

	for _, n := range dg.Nodes {
		fmt.Fprintf(&b, "%s (%s)\n", n.Name, n.Kind)
		writeList(&b, "Imports", n.Imports)
		writeList(&b, "Providers", n.Providers)
		writeList(&b, "Controllers", n.Controllers)
		writeList(&b, "Exports", n.Exports)
		b.WriteString("\n")
	}

	b.WriteString("Statistics:\n")
	b.WriteString("-----------\n")
	fmt.Fprintf(&b, "  Modules:      %d\n", cx.Modules)
	fmt.Fprintf(&b, "  Providers:    %d\n", cx.Providers)
	fmt.Fprintf(&b, "  Controllers:  %d\n", cx.Controllers)
	fmt.Fprintf(&b, "  Dependencies: %d\n", cx.Dependencies)
	fmt.Fprintf(&b, "  Depth:        %d\n", cx.Depth)
	fmt.Fprintf(&b, "  Cycles:       %d\n", cx.Cycles)

	if len(cx.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range cx.Suggestions {
			fmt.Fprintf(&b, "  • %s\n", s)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s: %s\n", label, strings.Join(items, ", "))
}
