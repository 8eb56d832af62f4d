package graph

import (
	"fmt"
	"io"
	"strings"
)

// NodeStyle controls how a node is rendered in DOT output.
type NodeStyle struct {
	Label     string
	FillColor string
	Shape     string
}

// Visualizer renders a Graph.
type Visualizer struct {
	graph *Graph
	style func(id string) NodeStyle
}

// NewVisualizer creates a visualizer for g. style may be nil, in which case
// nodes are labelled with their id.
func NewVisualizer(g *Graph, style func(id string) NodeStyle) *Visualizer {
	return &Visualizer{graph: g, style: style}
}

// WriteDOT writes the graph in Graphviz DOT format. Edges that are part of
// a cycle are drawn in red.
func (v *Visualizer) WriteDOT(w io.Writer, name string) error {
	var b strings.Builder

	fmt.Fprintf(&b, "digraph %s {\n", quote(name))
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=filled];\n")

	ids := make(map[string]string)
	for i, id := range v.graph.Nodes() {
		nodeID := fmt.Sprintf("n%d", i)
		ids[id] = nodeID

		st := v.nodeStyle(id)
		fmt.Fprintf(&b, "  %s [label=%s, fillcolor=%s", nodeID, quote(st.Label), quote(st.FillColor))
		if st.Shape != "" {
			fmt.Fprintf(&b, ", shape=%s", st.Shape)
		}
		b.WriteString("];\n")
	}

	cyclic := make(map[[2]string]bool)
	for _, cycle := range v.graph.Cycles() {
		for i, from := range cycle {
			cyclic[[2]string{from, cycle[(i+1)%len(cycle)]}] = true
		}
	}

	for _, e := range v.graph.Edges() {
		if cyclic[e] {
			fmt.Fprintf(&b, "  %s -> %s [color=red];\n", ids[e[0]], ids[e[1]])
			continue
		}
		fmt.Fprintf(&b, "  %s -> %s;\n", ids[e[0]], ids[e[1]])
	}

	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteAdjacencyList writes one line per node listing its successors.
func (v *Visualizer) WriteAdjacencyList(w io.Writer) error {
	var b strings.Builder
	for _, id := range v.graph.Nodes() {
		n, _ := v.graph.Node(id)
		fmt.Fprintf(&b, "%s -> [%s]\n", id, strings.Join(n.Successors, ", "))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (v *Visualizer) nodeStyle(id string) NodeStyle {
	st := NodeStyle{}
	if v.style != nil {
		st = v.style(id)
	}
	if st.Label == "" {
		st.Label = id
	}
	if st.FillColor == "" {
		st.FillColor = "white"
	}
	return st
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s) + `"`
}
