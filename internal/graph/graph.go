// Package graph implements the directed graph used by the module analyzer.
package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Graph is a directed graph of string-identified nodes. Node and edge
// insertion order is preserved so that every traversal is deterministic.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
	edges map[string][]string // adjacency list
}

// Node is a vertex of the graph.
type Node struct {
	ID string

	InDegree  int // number of incoming edges
	OutDegree int // number of outgoing edges

	Successors   []string
	Predecessors []string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[string][]string),
	}
}

// AddNode adds id to the graph. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addNodeLocked(id)
}

func (g *Graph) addNodeLocked(id string) *Node {
	if n, ok := g.nodes[id]; ok {
		return n
	}

	n := &Node{ID: id}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n
}

// AddEdge adds an edge from -> to, creating missing nodes. Duplicate edges
// are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromNode := g.addNodeLocked(from)
	toNode := g.addNodeLocked(to)

	if slices.Contains(g.edges[from], to) {
		return
	}

	g.edges[from] = append(g.edges[from], to)
	fromNode.OutDegree++
	fromNode.Successors = append(fromNode.Successors, to)
	toNode.InDegree++
	toNode.Predecessors = append(toNode.Predecessors, from)
}

// Node returns the node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return slices.Clone(g.order)
}

// Edges returns every edge as a [from, to] pair in insertion order.
func (g *Graph) Edges() [][2]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out [][2]string
	for _, from := range g.order {
		for _, to := range g.edges[from] {
			out = append(out, [2]string{from, to})
		}
	}
	return out
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, tos := range g.edges {
		count += len(tos)
	}
	return count
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.nodes)
}

// Roots returns nodes without incoming edges.
func (g *Graph) Roots() []string {
	return g.filter(func(n *Node) bool { return n.InDegree == 0 })
}

// Leaves returns nodes without outgoing edges.
func (g *Graph) Leaves() []string {
	return g.filter(func(n *Node) bool { return n.OutDegree == 0 })
}

// Orphans returns nodes with neither incoming nor outgoing edges.
func (g *Graph) Orphans() []string {
	return g.filter(func(n *Node) bool { return n.InDegree == 0 && n.OutDegree == 0 })
}

func (g *Graph) filter(keep func(*Node) bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0)
	for _, id := range g.order {
		if keep(g.nodes[id]) {
			out = append(out, id)
		}
	}
	return out
}

// Cycles returns the cycles found through DFS back edges. Each cycle is the
// list of nodes on the path, rotated so it starts at its smallest id, and
// every distinct cycle is reported once.
func (g *Graph) Cycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(g.nodes))
	var stack []string
	seen := make(map[string]bool)
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)

		for _, next := range g.edges[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := slices.Index(stack, next)
				cycle := normalizeCycle(slices.Clone(stack[start:]))
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}

	return cycles
}

func normalizeCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}

	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}

	return append(cycle[minIdx:], cycle[:minIdx]...)
}

// CycleError is returned by TopologicalSort for cyclic graphs.
type CycleError struct {
	Sorted int
	Total  int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle: only %d of %d nodes could be sorted", e.Sorted, e.Total)
}

// TopologicalSort orders nodes so that every node precedes its successors
// (Kahn's algorithm). It fails with *CycleError when the graph is cyclic.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegrees := make(map[string]int, len(g.nodes))
	queue := make([]string, 0)
	for _, id := range g.order {
		inDegrees[id] = g.nodes[id].InDegree
		if inDegrees[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, next := range g.edges[current] {
			inDegrees[next]--
			if inDegrees[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Sorted: len(result), Total: len(g.nodes)}
	}

	return result, nil
}

// LongestPath returns the number of edges on the longest simple path that
// starts at from. Edges closing a cycle are not followed.
func (g *Graph) LongestPath(from string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[from]; !ok {
		return 0
	}

	onPath := make(map[string]bool)
	var walk func(id string) int
	walk = func(id string) int {
		onPath[id] = true
		defer delete(onPath, id)

		best := 0
		for _, next := range g.edges[id] {
			if onPath[next] {
				continue
			}
			if d := walk(next) + 1; d > best {
				best = d
			}
		}
		return best
	}

	return walk(from)
}

// Reachable returns the nodes reachable from id, excluding id itself unless
// it lies on a cycle, in DFS discovery order.
func (g *Graph) Reachable(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	var out []string

	var collect func(current string)
	collect = func(current string) {
		for _, next := range g.edges[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			collect(next)
		}
	}

	collect(id)
	return out
}
