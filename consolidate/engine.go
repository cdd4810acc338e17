// Package consolidate implements the memory maintenance cycle: decay,
// reinforcement, archive-then-prune, and per-type quota eviction, in that
// fixed order, producing a new graph and a metrics record.
package consolidate

import (
	"context"
	"sort"
	"time"

	"github.com/engramkit/engram/archive"
	"github.com/engramkit/engram/events"
	"github.com/engramkit/engram/graph"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Metrics is the record emitted after every cycle.
type Metrics struct {
	DecayedCount     int           `json:"decayed_count"`
	ReinforcedCount  int           `json:"reinforced_count"`
	ArchivedCount    int           `json:"archived_count"`
	PrunedCount      int           `json:"pruned_count"`
	EvictedCount     int           `json:"evicted_count"`
	Duration         time.Duration `json:"duration"`
	TotalNodes       int           `json:"total_nodes"`
	AverageRelevance float64       `json:"average_relevance"`
}

// Engine runs consolidation cycles. The archive sink and event emitter are
// optional collaborators; a nil sink disables archiving for the engine and
// a nil emitter disables notifications. Neither affects correctness.
type Engine struct {
	sink    archive.Sink
	emitter events.Emitter
	logger  zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithArchiveSink sets the archive collaborator.
func WithArchiveSink(sink archive.Sink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithEventEmitter sets the notification collaborator.
func WithEventEmitter(emitter events.Emitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// NewEngine creates an Engine.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		logger: logger.With().Str("component", "consolidation").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one maintenance cycle over g and returns the resulting
// graph plus metrics. g itself is never mutated. Archive failures are
// logged and the cycle proceeds without the safety net for the affected
// nodes; losing retention data is preferable to stalling maintenance.
func (e *Engine) Run(ctx context.Context, agentID string, g *graph.Graph, opts Options) (*graph.Graph, Metrics, error) {
	opts = opts.normalize()
	start := opts.Now()
	logger := e.logger.With().Str("agent_id", agentID).Logger()

	e.emit(events.NewEvent(events.TypeCycleStarted, agentID, nil))

	var m Metrics

	// Preference pins are materialized onto the working copy so the node
	// flag is the single pin signal for every step below.
	work := materializePins(g, opts)

	// Step 1: decay. Every node is visited, pinned ones pass through.
	m.DecayedCount = len(work.Nodes)
	work = graph.Decay(work, opts.DecayRate, opts.DecayCurve)

	// Step 2: reinforce recently accessed nodes.
	cutoff := start.Add(-opts.ReinforceWindow)
	for _, n := range work.Nodes {
		if n.Pinned || !n.LastAccessed.After(cutoff) {
			continue
		}
		n.Relevance = graph.Clamp01(n.Relevance + opts.ReinforceBoost)
		m.ReinforcedCount++
	}

	// Step 3: archive-then-prune. Candidates are fixed before any removal;
	// each is archived before the prune takes effect in the returned graph.
	candidates := graph.PruneCandidates(work, opts.PruneThreshold)
	m.ArchivedCount += e.archiveNodes(ctx, logger, agentID, candidates, archive.ReasonLowRelevance, opts)
	work = graph.RemoveNodes(work, lo.Map(candidates, nodeID))
	m.PrunedCount = len(candidates)

	// Step 4: quota eviction over the surviving nodes.
	evicted := selectQuotaEvictions(work, opts)
	m.ArchivedCount += e.archiveNodes(ctx, logger, agentID, evicted, archive.ReasonQuotaExceeded, opts)
	work = graph.RemoveNodes(work, lo.Map(evicted, nodeID))
	m.EvictedCount = len(evicted)

	// Step 5: final stats and metrics.
	stats := graph.ComputeStats(work)
	m.TotalNodes = stats.NodeCount
	m.AverageRelevance = stats.AverageRelevance
	m.Duration = opts.Now().Sub(start)

	logger.Info().
		Int("decayed", m.DecayedCount).
		Int("reinforced", m.ReinforcedCount).
		Int("archived", m.ArchivedCount).
		Int("pruned", m.PrunedCount).
		Int("evicted", m.EvictedCount).
		Dur("duration", m.Duration).
		Int("total_nodes", m.TotalNodes).
		Float64("average_relevance", m.AverageRelevance).
		Msg("consolidation cycle complete")

	e.emit(events.NewEvent(events.TypeCycleCompleted, agentID, &events.CycleMetrics{
		DecayedCount:     m.DecayedCount,
		ReinforcedCount:  m.ReinforcedCount,
		ArchivedCount:    m.ArchivedCount,
		PrunedCount:      m.PrunedCount,
		EvictedCount:     m.EvictedCount,
		Duration:         m.Duration,
		TotalNodes:       m.TotalNodes,
		AverageRelevance: m.AverageRelevance,
	}))

	return work, m, nil
}

func nodeID(n *graph.Node, _ int) string { return n.ID }

// materializePins clones g and sets the Pinned flag on every node named in
// the preference pin set, leaving g untouched.
func materializePins(g *graph.Graph, opts Options) *graph.Graph {
	work := g.Clone()
	for id := range opts.PinnedIDs {
		if n, ok := work.Nodes[id]; ok {
			n.Pinned = true
		}
	}
	return work
}

// archiveNodes writes one archive record per node and returns how many
// succeeded. A failing sink is logged per node and never stops the cycle.
func (e *Engine) archiveNodes(ctx context.Context, logger zerolog.Logger, agentID string, nodes []*graph.Node, reason archive.Reason, opts Options) int {
	if !opts.ArchiveEnabled || e.sink == nil || len(nodes) == 0 {
		return 0
	}
	archived := 0
	for _, n := range nodes {
		if err := e.sink.Record(ctx, agentID, archive.SnapshotOf(n), reason); err != nil {
			logger.Warn().
				Err(err).
				Str("node_id", n.ID).
				Str("reason", string(reason)).
				Msg("archive write failed, removing node without archive record")
			continue
		}
		archived++
	}
	return archived
}

// selectQuotaEvictions returns the lowest-relevance excess nodes for every
// type over its quota. Ties break on CreatedAt ascending (oldest evicted
// first), then ID, keeping eviction deterministic.
func selectQuotaEvictions(g *graph.Graph, opts Options) []*graph.Node {
	groups := make(map[graph.NodeType][]*graph.Node)
	for _, n := range g.Nodes {
		if n.Pinned {
			continue
		}
		groups[n.Type] = append(groups[n.Type], n)
	}

	var evicted []*graph.Node
	for typ, nodes := range groups {
		quota := opts.quotaFor(g, typ)
		if quota <= 0 || len(nodes) <= quota {
			continue
		}
		sort.Slice(nodes, func(i, j int) bool {
			if nodes[i].Relevance != nodes[j].Relevance {
				return nodes[i].Relevance < nodes[j].Relevance
			}
			if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
				return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
			}
			return nodes[i].ID < nodes[j].ID
		})
		excess := len(nodes) - quota
		for _, n := range nodes[:excess] {
			cp := *n
			evicted = append(evicted, &cp)
		}
	}

	// Stable order across types for archive writes and tests.
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })
	return evicted
}

func (e *Engine) emit(ev events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ev)
}

// ShouldConsolidate reports whether a cycle is due: the graph has reached
// the size threshold, or enough time has passed since the last cycle. A
// fresh graph (zero last) under the size threshold never consolidates
// proactively.
func ShouldConsolidate(g *graph.Graph, last time.Time, opts Options) bool {
	opts = opts.normalize()
	if len(g.Nodes) >= opts.SizeThreshold {
		return true
	}
	if last.IsZero() {
		return false
	}
	return opts.Now().Sub(last) >= opts.MinInterval
}
