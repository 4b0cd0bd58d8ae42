// Package relationships resolves references and collections through the
// identity map, one fetch per relationship per level when populating.
package relationships

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/relkit/internal/orm/query"
)

// DefaultMaxDepth bounds nested populate paths
const DefaultMaxDepth = 10

// DefaultBatchSize is the number of keys sent in one fetch
const DefaultBatchSize = 500

// PopulateOptions controls a batched populate
type PopulateOptions struct {
	// Filters overrides the session's filter switches and parameters
	Filters *query.FilterOptions
	// Refresh reloads handles that are already loaded and overwrites
	// managed instances with the fetched rows
	Refresh bool
}

// LoadContext tracks nesting while populating
type LoadContext struct {
	depth    int
	maxDepth int
}

// NewLoadContext creates a new load context with the given max depth
func NewLoadContext(maxDepth int) *LoadContext {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &LoadContext{maxDepth: maxDepth}
}

// IncrementDepth increments the depth counter
func (lc *LoadContext) IncrementDepth() error {
	lc.depth++
	if lc.depth > lc.maxDepth {
		return fmt.Errorf("%w: %d levels", ErrMaxDepthExceeded, lc.maxDepth)
	}
	return nil
}

// DecrementDepth decrements the depth counter
func (lc *LoadContext) DecrementDepth() {
	lc.depth--
}

// Depth returns the current nesting level
func (lc *LoadContext) Depth() int {
	return lc.depth
}

// pathNode is one relationship in a populate tree
type pathNode struct {
	name     string
	children []*pathNode
}

// parsePaths turns dotted paths such as "users.profile" into a tree that
// keeps the order in which names first appear
func parsePaths(paths []string) ([]*pathNode, error) {
	var roots []*pathNode
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		level := &roots
		for _, part := range strings.Split(path, ".") {
			part = strings.TrimSpace(part)
			if part == "" {
				return nil, fmt.Errorf("%w: empty segment in %q", ErrUnknownRelationship, path)
			}
			node := findNode(*level, part)
			if node == nil {
				node = &pathNode{name: part}
				*level = append(*level, node)
			}
			level = &node.children
		}
	}
	return roots, nil
}

func findNode(nodes []*pathNode, name string) *pathNode {
	for _, n := range nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}
