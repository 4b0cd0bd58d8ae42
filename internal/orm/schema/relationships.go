// Package schema provides relationship graph analysis for dependency ordering
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// RelationshipGraph represents the dependency graph between entities.
// An entity depends on every entity its owning relationships point at,
// since its foreign-key columns must reference an existing row.
type RelationshipGraph struct {
	nodes map[string]*Entity
	edges map[string][]string // entity -> dependencies
}

// NewRelationshipGraph creates a new relationship graph
func NewRelationshipGraph(entities map[string]*Entity) *RelationshipGraph {
	graph := &RelationshipGraph{
		nodes: entities,
		edges: make(map[string][]string),
	}

	for _, name := range sortedNames(entities) {
		seen := make(map[string]bool)
		for _, rel := range entities[name].Relationships {
			// Self references do not constrain ordering between entity types
			if !rel.IsOwning() || rel.Target == name || seen[rel.Target] {
				continue
			}
			seen[rel.Target] = true
			graph.edges[name] = append(graph.edges[name], rel.Target)
		}
	}

	return graph
}

// DetectCycles detects circular dependencies in the relationship graph
func (g *RelationshipGraph) DetectCycles() [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	recursionStack := make(map[string]bool)

	var dfs func(node string, path []string) bool
	dfs = func(node string, path []string) bool {
		visited[node] = true
		recursionStack[node] = true
		path = append(path, node)

		for _, neighbor := range g.edges[node] {
			if !visited[neighbor] {
				if dfs(neighbor, path) {
					return true
				}
			} else if recursionStack[neighbor] {
				cycleStart := -1
				for i, n := range path {
					if n == neighbor {
						cycleStart = i
						break
					}
				}
				if cycleStart >= 0 {
					cycle := make([]string, len(path)-cycleStart)
					copy(cycle, path[cycleStart:])
					cycles = append(cycles, cycle)
				}
				return true
			}
		}

		recursionStack[node] = false
		return false
	}

	for _, node := range sortedNames(g.nodes) {
		if !visited[node] {
			dfs(node, []string{})
		}
	}

	return cycles
}

// TopologicalSort returns entities in dependency order (dependencies first).
// Ties are broken alphabetically so the order is stable across runs.
func (g *RelationshipGraph) TopologicalSort() ([]string, error) {
	outDegree := make(map[string]int)
	for node := range g.nodes {
		outDegree[node] = 0
		for _, dep := range g.edges[node] {
			if _, ok := g.nodes[dep]; ok {
				outDegree[node]++
			}
		}
	}

	reverseEdges := make(map[string][]string)
	for _, source := range sortedNames(g.nodes) {
		for _, target := range g.edges[source] {
			reverseEdges[target] = append(reverseEdges[target], source)
		}
	}

	queue := []string{}
	for _, node := range sortedNames(g.nodes) {
		if outDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	result := []string{}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		var ready []string
		for _, dependent := range reverseEdges[node] {
			outDegree[dependent]--
			if outDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(result) != len(g.nodes) {
		cycles := g.DetectCycles()
		if len(cycles) > 0 {
			return nil, fmt.Errorf("circular dependency detected: %s", formatCycles(cycles))
		}
		return nil, fmt.Errorf("circular dependency detected")
	}

	return result, nil
}

// GetDependencies returns all direct dependencies of an entity
func (g *RelationshipGraph) GetDependencies(entity string) []string {
	deps, exists := g.edges[entity]
	if !exists {
		return []string{}
	}
	return deps
}

// GetDependents returns all entities that depend on the given entity
func (g *RelationshipGraph) GetDependents(entity string) []string {
	dependents := []string{}
	for _, node := range sortedNames(g.nodes) {
		for _, dep := range g.edges[node] {
			if dep == entity {
				dependents = append(dependents, node)
				break
			}
		}
	}
	return dependents
}

// formatCycles formats cycle information for error messages
func formatCycles(cycles [][]string) string {
	var b strings.Builder
	for i, cycle := range cycles {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("  Cycle %d: %s -> %s",
			i+1,
			strings.Join(cycle, " -> "),
			cycle[0]))
	}
	return b.String()
}
