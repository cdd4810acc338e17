package consolidate

import (
	"github.com/engramkit/engram/graph"
	"github.com/samber/lo"
)

// PreviewReport describes what a cycle would remove, without running one.
type PreviewReport struct {
	NodeCount              int                    `json:"node_count"`
	PruneCandidates        []*graph.Node          `json:"prune_candidates"`
	WouldEvict             []string               `json:"would_evict"`
	AverageRelevanceBefore float64                `json:"average_relevance_before"`
	AverageRelevanceAfter  float64                `json:"average_relevance_after"`
	CandidatesByType       map[graph.NodeType]int `json:"candidates_by_type"`
}

// Preview computes the would-be prune candidates and before/after average
// relevance for operator inspection. It never mutates g and never writes
// to the archive. The reported "after" average reflects removal of the
// candidates from the graph as it stands; decay and reinforcement are not
// simulated.
func Preview(g *graph.Graph, opts Options) PreviewReport {
	opts = opts.normalize()

	work := materializePins(g, opts)
	candidates := graph.PruneCandidates(work, opts.PruneThreshold)
	survivors := graph.RemoveNodes(work, lo.Map(candidates, nodeID))

	// Quota eviction preview runs over the post-prune survivors, matching
	// the order of the real cycle.
	evicted := selectQuotaEvictions(survivors, opts)
	survivors = graph.RemoveNodes(survivors, lo.Map(evicted, nodeID))

	report := PreviewReport{
		NodeCount:              len(g.Nodes),
		PruneCandidates:        candidates,
		WouldEvict:             lo.Map(evicted, nodeID),
		AverageRelevanceBefore: graph.ComputeStats(g).AverageRelevance,
		AverageRelevanceAfter:  graph.ComputeStats(survivors).AverageRelevance,
		CandidatesByType:       make(map[graph.NodeType]int),
	}
	for _, n := range candidates {
		report.CandidatesByType[n.Type]++
	}
	return report
}
