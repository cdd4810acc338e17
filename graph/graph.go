// Package graph defines the knowledge-graph data model for an agent's
// long-term memory and the pure maintenance operations over it (decay,
// prune, stats). It holds no locks and performs no I/O; ownership and
// serialization of access belong to the worker layer.
package graph

import (
	"fmt"
	"time"
)

// NodeType categorizes a memory node. The type drives per-type quota
// bucketing during consolidation.
type NodeType string

const (
	NodeTypeFact         NodeType = "fact"
	NodeTypeExperience   NodeType = "experience"
	NodeTypeSkill        NodeType = "skill"
	NodeTypeInsight      NodeType = "insight"
	NodeTypeRelationship NodeType = "relationship"
)

// NodeTypes returns all valid node types.
func NodeTypes() []NodeType {
	return []NodeType{
		NodeTypeFact,
		NodeTypeExperience,
		NodeTypeSkill,
		NodeTypeInsight,
		NodeTypeRelationship,
	}
}

// Valid reports whether t is a member of the closed node type set.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeFact, NodeTypeExperience, NodeTypeSkill, NodeTypeInsight, NodeTypeRelationship:
		return true
	}
	return false
}

// Relationship tags a directed edge between two nodes.
type Relationship string

const (
	RelSupports    Relationship = "supports"
	RelContradicts Relationship = "contradicts"
	RelRelatesTo   Relationship = "relates_to"
	RelDerivedFrom Relationship = "derived_from"
	RelSupersedes  Relationship = "supersedes"
)

// Valid reports whether r is a member of the closed relationship set.
func (r Relationship) Valid() bool {
	switch r {
	case RelSupports, RelContradicts, RelRelatesTo, RelDerivedFrom, RelSupersedes:
		return true
	}
	return false
}

// Node is a single unit of knowledge. Relevance is the sole signal driving
// decay, pruning and eviction; pinned nodes are exempt from all three.
type Node struct {
	ID           string    `json:"id"`
	Type         NodeType  `json:"type"`
	Content      string    `json:"content"`
	Relevance    float64   `json:"relevance"` // always in [0,1]
	Pinned       bool      `json:"pinned"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

// Edge is a directed, tagged relation between two node ids.
type Edge struct {
	Source       string       `json:"source"`
	Target       string       `json:"target"`
	Relationship Relationship `json:"relationship"`
}

// Config holds per-graph tuning sourced from the agent's preferences.
type Config struct {
	// MaxNodesPerType caps non-pinned nodes of each type after a
	// consolidation cycle. Zero means unlimited.
	MaxNodesPerType int `json:"max_nodes_per_type"`
}

// Graph is one agent's knowledge graph. Edges are grouped by source node id.
type Graph struct {
	Nodes  map[string]*Node  `json:"nodes"`
	Edges  map[string][]Edge `json:"edges"`
	Config Config            `json:"config"`
}

// New returns an empty graph with the given config.
func New(cfg Config) *Graph {
	return &Graph{
		Nodes:  make(map[string]*Node),
		Edges:  make(map[string][]Edge),
		Config: cfg,
	}
}

// Clone returns a deep copy of g. The pure maintenance operations clone
// before mutating so callers keep an untouched original.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Nodes:  make(map[string]*Node, len(g.Nodes)),
		Edges:  make(map[string][]Edge, len(g.Edges)),
		Config: g.Config,
	}
	for id, n := range g.Nodes {
		cp := *n
		out.Nodes[id] = &cp
	}
	for src, edges := range g.Edges {
		cp := make([]Edge, len(edges))
		copy(cp, edges)
		out.Edges[src] = cp
	}
	return out
}

// Clamp01 clamps v into [0.0, 1.0]. Every relevance mutation goes through
// this so the invariant holds regardless of caller arithmetic.
func Clamp01(v float64) float64 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

// AddNode inserts a node into g in place. Missing timestamps default to
// now; relevance is clamped. Insertion is owned by external memory stores;
// consolidation never creates nodes.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node id is empty")
	}
	if !n.Type.Valid() {
		return fmt.Errorf("invalid node type: %q", n.Type)
	}
	if _, exists := g.Nodes[n.ID]; exists {
		return fmt.Errorf("node %q already exists", n.ID)
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.LastAccessed.IsZero() {
		n.LastAccessed = n.CreatedAt
	}
	n.Relevance = Clamp01(n.Relevance)
	g.Nodes[n.ID] = &n
	return nil
}

// Touch records a read access in place: bumps the access counter and moves
// LastAccessed forward. Consolidation only ever reads these fields.
func (g *Graph) Touch(id string, at time.Time) error {
	n, ok := g.Nodes[id]
	if !ok {
		return fmt.Errorf("node %q not found", id)
	}
	n.AccessCount++
	if at.After(n.LastAccessed) {
		n.LastAccessed = at
	}
	return nil
}

// Link adds a directed edge in place. Both endpoints must exist; duplicate
// edges (same source, target and relationship) are ignored.
func (g *Graph) Link(source, target string, rel Relationship) error {
	if !rel.Valid() {
		return fmt.Errorf("invalid relationship: %q", rel)
	}
	if _, ok := g.Nodes[source]; !ok {
		return fmt.Errorf("source node %q not found", source)
	}
	if _, ok := g.Nodes[target]; !ok {
		return fmt.Errorf("target node %q not found", target)
	}
	for _, e := range g.Edges[source] {
		if e.Target == target && e.Relationship == rel {
			return nil
		}
	}
	g.Edges[source] = append(g.Edges[source], Edge{Source: source, Target: target, Relationship: rel})
	return nil
}

// EdgeCount returns the total number of edges in g.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, edges := range g.Edges {
		total += len(edges)
	}
	return total
}
