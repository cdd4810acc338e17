package graph

import (
	"sort"

	"github.com/samber/lo"
)

// DecayCurve selects how the decay rate is applied each cycle.
type DecayCurve string

const (
	// DecayMultiplicative scales relevance by (1 - rate) per cycle.
	DecayMultiplicative DecayCurve = "multiplicative"
	// DecayLinear subtracts rate from relevance per cycle.
	DecayLinear DecayCurve = "linear"
)

// Valid reports whether c is a known curve.
func (c DecayCurve) Valid() bool {
	return c == DecayMultiplicative || c == DecayLinear
}

// Decay returns a copy of g with every non-pinned node's relevance reduced
// by rate according to curve. Pinned nodes pass through unchanged. An
// unknown curve falls back to multiplicative.
func Decay(g *Graph, rate float64, curve DecayCurve) *Graph {
	out := g.Clone()
	for _, n := range out.Nodes {
		if n.Pinned {
			continue
		}
		switch curve {
		case DecayLinear:
			n.Relevance = Clamp01(n.Relevance - rate)
		default:
			n.Relevance = Clamp01(n.Relevance * (1.0 - rate))
		}
	}
	return out
}

// PruneCandidates returns the non-pinned nodes whose relevance is below
// threshold, ordered by relevance ascending with id as a stable tie-break.
// The result shares no pointers with g.
func PruneCandidates(g *Graph, threshold float64) []*Node {
	candidates := lo.FilterMapToSlice(g.Nodes, func(_ string, n *Node) (*Node, bool) {
		if n.Pinned || n.Relevance >= threshold {
			return nil, false
		}
		cp := *n
		return &cp, true
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Relevance != candidates[j].Relevance {
			return candidates[i].Relevance < candidates[j].Relevance
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

// Prune returns a copy of g with every non-pinned node below threshold
// removed, along with any edge whose source or target was removed. The
// second return is the number of nodes removed.
func Prune(g *Graph, threshold float64) (*Graph, int) {
	ids := lo.Map(PruneCandidates(g, threshold), func(n *Node, _ int) string {
		return n.ID
	})
	return RemoveNodes(g, ids), len(ids)
}

// RemoveNodes returns a copy of g without the listed node ids. Edges
// referencing a removed node are dropped in the same operation so the
// result never holds a dangling edge. Unknown ids are ignored.
func RemoveNodes(g *Graph, ids []string) *Graph {
	out := g.Clone()
	removed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := out.Nodes[id]; ok {
			removed[id] = struct{}{}
			delete(out.Nodes, id)
		}
	}
	if len(removed) == 0 {
		return out
	}
	for src, edges := range out.Edges {
		if _, gone := removed[src]; gone {
			delete(out.Edges, src)
			continue
		}
		kept := lo.Filter(edges, func(e Edge, _ int) bool {
			_, gone := removed[e.Target]
			return !gone
		})
		if len(kept) == 0 {
			delete(out.Edges, src)
		} else {
			out.Edges[src] = kept
		}
	}
	return out
}

// Stats is an aggregate read over a graph.
type Stats struct {
	NodeCount        int     `json:"node_count"`
	EdgeCount        int     `json:"edge_count"`
	AverageRelevance float64 `json:"average_relevance"`
}

// ComputeStats aggregates node count, edge count and mean relevance over
// all nodes, pinned included. An empty graph reports 0.0 average.
func ComputeStats(g *Graph) Stats {
	s := Stats{
		NodeCount: len(g.Nodes),
		EdgeCount: g.EdgeCount(),
	}
	if s.NodeCount == 0 {
		return s
	}
	total := lo.SumBy(lo.Values(g.Nodes), func(n *Node) float64 {
		return n.Relevance
	})
	s.AverageRelevance = total / float64(s.NodeCount)
	return s
}
