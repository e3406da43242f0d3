// Package depgraph tracks which fields depend on which other fields, across
// tables and through link-field traversals, so mutations can be propagated
// to derived fields in the right order.
//
// Nodes are field ids, never live references; edges survive field objects
// being reloaded. An edge whose dependency field is deleted is not dropped
// but tombstoned by name, so it can heal when a same-named field reappears
// (for example after a trash restore).
package depgraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gridrow/gridrow/internal/errors"
)

// Edge is a directed dependency: Dependant's value is computed from
// Dependency's value, optionally traversing the link field Via (a field in
// the dependant's table).
type Edge struct {
	Dependant  int64
	Dependency int64
	Via        int64
}

// BrokenEdge is a tombstone for an edge whose dependency field was deleted.
// The missing field's table and name are retained for opportunistic healing.
type BrokenEdge struct {
	Dependant   int64
	TableID     int64
	MissingName string
	Via         int64
}

// Affected is one step of a propagation plan: a derived field to recompute
// and the edges through which the change reaches it.
type Affected struct {
	FieldID  int64
	Incoming []Edge
}

// Graph is the shared field-dependency graph. It is read-heavy; mutation
// happens only on schema changes.
type Graph struct {
	mu         sync.RWMutex
	dependants map[int64][]Edge // dependency -> outgoing edges
	depends    map[int64][]Edge // dependant -> incoming edges
	broken     []BrokenEdge
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		dependants: make(map[int64][]Edge),
		depends:    make(map[int64][]Edge),
	}
}

// AddDependency records that dependant is computed from dependency,
// optionally via a link field. A field depending directly on itself is
// rejected outright; longer cycles are detected during propagation.
func (g *Graph) AddDependency(dependant, dependency, via int64) error {
	if dependant == dependency {
		return errors.NewReferenceError(errors.CodeCircularReference,
			fmt.Sprintf("field %d cannot depend on itself", dependant))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	edge := Edge{Dependant: dependant, Dependency: dependency, Via: via}
	for _, e := range g.dependants[dependency] {
		if e == edge {
			return nil
		}
	}
	g.dependants[dependency] = append(g.dependants[dependency], edge)
	g.depends[dependant] = append(g.depends[dependant], edge)
	return nil
}

// AddBrokenDependency records a tombstone for a reference that cannot be
// resolved right now, for example a formula naming a field that does not
// exist yet. It heals the same way a deletion tombstone does.
func (g *Graph) AddBrokenDependency(dependant, tableID int64, missingName string, via int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := BrokenEdge{Dependant: dependant, TableID: tableID, MissingName: missingName, Via: via}
	for _, existing := range g.broken {
		if existing == b {
			return
		}
	}
	g.broken = append(g.broken, b)
}

// ClearDependenciesOf removes every incoming edge of dependant, used before
// re-registering a reconfigured derived field.
func (g *Graph) ClearDependenciesOf(dependant int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.depends[dependant] {
		g.dependants[e.Dependency] = removeEdges(g.dependants[e.Dependency], dependant, e.Dependency)
	}
	delete(g.depends, dependant)

	kept := g.broken[:0]
	for _, b := range g.broken {
		if b.Dependant != dependant {
			kept = append(kept, b)
		}
	}
	g.broken = kept
}

// RemoveField deletes a field from the graph. Its own incoming edges are
// dropped; edges of other fields depending on it are tombstoned under the
// deleted field's table and name so they can heal later.
func (g *Graph) RemoveField(fieldID, tableID int64, name string) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var orphaned []int64
	for _, e := range g.dependants[fieldID] {
		g.depends[e.Dependant] = removeEdges(g.depends[e.Dependant], e.Dependant, fieldID)
		g.broken = append(g.broken, BrokenEdge{
			Dependant:   e.Dependant,
			TableID:     tableID,
			MissingName: name,
			Via:         e.Via,
		})
		orphaned = append(orphaned, e.Dependant)
	}
	delete(g.dependants, fieldID)

	for _, e := range g.depends[fieldID] {
		g.dependants[e.Dependency] = removeEdges(g.dependants[e.Dependency], fieldID, e.Dependency)
	}
	delete(g.depends, fieldID)

	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	return orphaned
}

// Heal rebinds tombstoned edges when a field named name (re)appears in
// tableID, and returns the dependants whose reference is whole again.
func (g *Graph) Heal(tableID int64, name string, newFieldID int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var healed []int64
	kept := g.broken[:0]
	for _, b := range g.broken {
		if b.TableID != tableID || b.MissingName != name {
			kept = append(kept, b)
			continue
		}
		edge := Edge{Dependant: b.Dependant, Dependency: newFieldID, Via: b.Via}
		g.dependants[newFieldID] = append(g.dependants[newFieldID], edge)
		g.depends[b.Dependant] = append(g.depends[b.Dependant], edge)
		healed = append(healed, b.Dependant)
	}
	g.broken = kept

	sort.Slice(healed, func(i, j int) bool { return healed[i] < healed[j] })
	return healed
}

// BrokenEdges returns the current tombstones for a dependant field.
func (g *Graph) BrokenEdges(dependant int64) []BrokenEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []BrokenEdge
	for _, b := range g.broken {
		if b.Dependant == dependant {
			out = append(out, b)
		}
	}
	return out
}

// DependenciesOf returns the incoming edges of a dependant field.
func (g *Graph) DependenciesOf(dependant int64) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.depends[dependant]...)
}

// Propagate computes the recomputation plan for a change to changedField.
// The plan is topologically ordered: a diamond (A→B→D, A→C→D) yields D
// exactly once, after both B and C. Fields participating in a dependency
// cycle are returned separately; they must be marked invalid instead of
// recomputed, so a cycle can never loop the engine.
func (g *Graph) Propagate(changedField int64) (plan []Affected, cyclic []int64) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Collect the subgraph reachable from the changed field.
	reach := map[int64]bool{}
	stack := []int64{changedField}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.dependants[n] {
			if !reach[e.Dependant] {
				reach[e.Dependant] = true
				stack = append(stack, e.Dependant)
			}
		}
	}
	if len(reach) == 0 {
		return nil, nil
	}

	// Kahn's algorithm restricted to the reachable subgraph. In-degrees
	// count only edges whose dependency is itself affected (or is the
	// changed field), so unrelated inputs never hold a node back.
	indeg := map[int64]int{}
	incoming := map[int64][]Edge{}
	for node := range reach {
		for _, e := range g.depends[node] {
			if e.Dependency == changedField || reach[e.Dependency] {
				indeg[node]++
				incoming[node] = append(incoming[node], e)
			}
		}
	}

	var queue []int64
	for node := range reach {
		for _, e := range g.depends[node] {
			if e.Dependency == changedField {
				indeg[node]--
			}
		}
		if indeg[node] == 0 {
			queue = append(queue, node)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	emitted := map[int64]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if emitted[n] {
			continue
		}
		emitted[n] = true
		plan = append(plan, Affected{FieldID: n, Incoming: incoming[n]})
		var next []int64
		for _, e := range g.dependants[n] {
			if !reach[e.Dependant] || emitted[e.Dependant] {
				continue
			}
			indeg[e.Dependant]--
			if indeg[e.Dependant] == 0 {
				next = append(next, e.Dependant)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		queue = append(queue, next...)
	}

	for node := range reach {
		if !emitted[node] {
			cyclic = append(cyclic, node)
		}
	}
	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i] < cyclic[j] })
	return plan, cyclic
}

func removeEdges(edges []Edge, dependant, dependency int64) []Edge {
	kept := edges[:0]
	for _, e := range edges {
		if e.Dependant == dependant && e.Dependency == dependency {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}
