package modi

import (
	"reflect"
	"sync"
)

// entry is a cached instance or an in-flight construction. done is closed
// once value or err is set.
type entry struct {
	done  chan struct{}
	value any
	err   error

	// owner is the resolution chain constructing the entry.
	owner   uint64
	binding *binding

	// placeholder is a zero *T handed out to re-entrant resolutions of a
	// class provider while it is being constructed. If it was handed out,
	// the constructed value is copied onto it and it becomes the instance.
	placeholder     reflect.Value
	placeholderUsed bool

	// holders are the cached tokens that received the placeholder, directly
	// or through their dependencies. They are evicted if construction fails.
	holders []Token

	// invalid is set when a placeholder this entry holds will never be
	// filled. The construction then fails with it.
	invalid error
}

func (e *entry) completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// instanceCache holds the instances of one scope boundary: the container's
// singletons or a request scope.
type instanceCache struct {
	mu      sync.Mutex
	entries map[Token]*entry
}

func newInstanceCache() *instanceCache {
	return &instanceCache{entries: make(map[Token]*entry)}
}

// instance returns the completed entry for t.
func (c *instanceCache) instance(t Token) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[t]
	if !ok || !e.completed() || e.err != nil {
		return nil, false
	}
	return e, true
}

func (c *instanceCache) remove(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, t)
}

func (c *instanceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if e.completed() && e.err == nil {
			n++
		}
	}
	return n
}

func (c *instanceCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Token]*entry)
}

// waitGraph records which resolution chains are blocked on which. An edge
// a -> b means chain a cannot progress until chain b does: a waits for an
// entry b is constructing, or b is a concurrent branch spawned by a.
type waitGraph struct {
	mu    sync.Mutex
	edges map[uint64]map[uint64]int
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[uint64]map[uint64]int)}
}

// link adds from -> to unconditionally.
func (g *waitGraph) link(from, to uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.linkLocked(from, to)
}

func (g *waitGraph) linkLocked(from, to uint64) {
	tos, ok := g.edges[from]
	if !ok {
		tos = make(map[uint64]int)
		g.edges[from] = tos
	}
	tos[to]++
}

// tryWait adds from -> to unless the edge would close a cycle, in which case
// waiting would deadlock and false is returned.
func (g *waitGraph) tryWait(from, to uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to || g.reachesLocked(to, from) {
		return false
	}

	g.linkLocked(from, to)
	return true
}

func (g *waitGraph) unlink(from, to uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tos, ok := g.edges[from]
	if !ok {
		return
	}

	tos[to]--
	if tos[to] <= 0 {
		delete(tos, to)
	}
	if len(tos) == 0 {
		delete(g.edges, from)
	}
}

func (g *waitGraph) reachesLocked(src, dst uint64) bool {
	visited := map[uint64]bool{src: true}
	queue := []uint64{src}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for next := range g.edges[cur] {
			if next == dst {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	return false
}

func (g *waitGraph) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.edges)
}
