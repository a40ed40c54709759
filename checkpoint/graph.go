package checkpoint

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownCheckpoint is returned when an identifier is not registered.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrDependencyCycle is returned when a dependency would create a cycle.
	ErrDependencyCycle = errors.New("checkpoint dependency cycle")
)

// Graph holds checkpoints and the dependencies between them. Restarting or
// destroying a checkpoint cascades to everything that depends on it.
type Graph struct {
	mutex sync.RWMutex
	nodes map[string]*Persistent
	edges map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: map[string]*Persistent{},
		edges: map[string][]string{},
	}
}

// Register creates the checkpoint identified by id and loads its state.
func (g *Graph) Register(id string, opts Options) (*Persistent, error) {
	if id == "" {
		return nil, fmt.Errorf("checkpoint id is required")
	}
	g.mutex.Lock()
	if _, exists := g.nodes[id]; exists {
		g.mutex.Unlock()
		return nil, fmt.Errorf("duplicate checkpoint id: %q", id)
	}
	g.mutex.Unlock()

	p, err := newPersistent(id, g, opts)
	if err != nil {
		return nil, err
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.nodes[id] = p
	return p, nil
}

// Get returns a registered checkpoint.
func (g *Graph) Get(id string) (*Persistent, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	p, ok := g.nodes[id]
	return p, ok
}

// DependOn records that child depends on parent: restarting or destroying
// parent also restarts or destroys child.
func (g *Graph) DependOn(parent, child string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCheckpoint, parent)
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCheckpoint, child)
	}
	if parent == child || g.reachable(child, parent) {
		return fmt.Errorf("%w: %q -> %q", ErrDependencyCycle, parent, child)
	}
	for _, existing := range g.edges[parent] {
		if existing == child {
			return nil
		}
	}
	g.edges[parent] = append(g.edges[parent], child)
	return nil
}

// Dependents returns the direct dependents of id in insertion order.
func (g *Graph) Dependents(id string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return append([]string(nil), g.edges[id]...)
}

// descendants returns every transitive dependent of id, depth first in edge
// insertion order, each at most once.
func (g *Graph) descendants(id string) []*Persistent {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var result []*Persistent
	seen := map[string]bool{id: true}
	var visit func(string)
	visit = func(current string) {
		for _, next := range g.edges[current] {
			if seen[next] {
				continue
			}
			seen[next] = true
			result = append(result, g.nodes[next])
			visit(next)
		}
	}
	visit(id)
	return result
}

// reachable reports whether to can be reached from from. Callers hold the
// lock.
func (g *Graph) reachable(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == to {
			return true
		}
		if seen[current] {
			continue
		}
		seen[current] = true
		stack = append(stack, g.edges[current]...)
	}
	return false
}
