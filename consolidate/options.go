package consolidate

import (
	"time"

	"github.com/engramkit/engram/graph"
	"github.com/engramkit/engram/prefs"
)

// Defaults for a consolidation cycle. Callers override per cycle via
// Options; the preferences layer overrides per agent.
const (
	DefaultDecayRate       = 0.05
	DefaultPruneThreshold  = 0.1
	DefaultReinforceWindow = 24 * time.Hour
	DefaultReinforceBoost  = 0.1
	DefaultSizeThreshold   = 100
	DefaultMinInterval     = 60 * time.Minute
)

// Options tunes one consolidation cycle. The zero value is not usable
// directly; call DefaultOptions or FromPreferences and override fields as
// needed.
type Options struct {
	DecayRate       float64
	DecayCurve      graph.DecayCurve
	PruneThreshold  float64
	ReinforceWindow time.Duration
	ReinforceBoost  float64

	// TypeQuotas override the graph's MaxNodesPerType per node type. A key
	// present with value 0 grants that type an unlimited quota; an absent
	// key falls back to the graph config, whose zero also means unlimited.
	TypeQuotas map[graph.NodeType]int

	// PinnedIDs marks nodes as pinned in addition to any node-level
	// Pinned flag. Sourced from the agent's preference record.
	PinnedIDs map[string]struct{}

	// SizeThreshold and MinInterval feed the scheduling decision only.
	SizeThreshold int
	MinInterval   time.Duration

	// ArchiveEnabled gates archive writes before prune/evict. Disabling
	// it waives the archive-before-delete guarantee.
	ArchiveEnabled bool

	// Now overrides the cycle clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns the documented defaults with archiving enabled.
func DefaultOptions() Options {
	return Options{
		DecayRate:       DefaultDecayRate,
		DecayCurve:      graph.DecayMultiplicative,
		PruneThreshold:  DefaultPruneThreshold,
		ReinforceWindow: DefaultReinforceWindow,
		ReinforceBoost:  DefaultReinforceBoost,
		SizeThreshold:   DefaultSizeThreshold,
		MinInterval:     DefaultMinInterval,
		ArchiveEnabled:  true,
	}
}

// FromPreferences derives cycle options from an agent's preference record,
// keeping defaults for anything preferences do not govern.
func FromPreferences(p prefs.Preferences) Options {
	return DefaultOptions().ApplyPreferences(p)
}

// ApplyPreferences overlays the preference-governed fields onto o, leaving
// everything else (curve, thresholds, archive flag) as configured.
func (o Options) ApplyPreferences(p prefs.Preferences) Options {
	opts := o
	if p.DecayRate > 0 {
		opts.DecayRate = p.DecayRate
	}
	if p.ConsolidationInterval > 0 {
		opts.MinInterval = p.ConsolidationInterval
	}
	if len(p.TypeQuotas) > 0 {
		opts.TypeQuotas = make(map[graph.NodeType]int, len(p.TypeQuotas))
		for t, q := range p.TypeQuotas {
			opts.TypeQuotas[t] = q
		}
	}
	if len(p.PinnedMemories) > 0 {
		opts.PinnedIDs = make(map[string]struct{}, len(p.PinnedMemories))
		for id := range p.PinnedMemories {
			opts.PinnedIDs[id] = struct{}{}
		}
	}
	return opts
}

// normalize fills unset fields with defaults so a partially-populated
// Options literal behaves sensibly.
func (o Options) normalize() Options {
	if o.DecayRate <= 0 {
		o.DecayRate = DefaultDecayRate
	}
	if !o.DecayCurve.Valid() {
		o.DecayCurve = graph.DecayMultiplicative
	}
	if o.PruneThreshold <= 0 {
		o.PruneThreshold = DefaultPruneThreshold
	}
	if o.ReinforceWindow <= 0 {
		o.ReinforceWindow = DefaultReinforceWindow
	}
	if o.ReinforceBoost <= 0 {
		o.ReinforceBoost = DefaultReinforceBoost
	}
	if o.SizeThreshold <= 0 {
		o.SizeThreshold = DefaultSizeThreshold
	}
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// quotaFor returns the effective quota for a node type. A per-type entry
// wins over the graph config cap, including an explicit 0 (unlimited);
// only an absent entry falls back to the graph config.
func (o Options) quotaFor(g *graph.Graph, t graph.NodeType) int {
	if q, ok := o.TypeQuotas[t]; ok {
		if q < 0 {
			return 0
		}
		return q
	}
	return g.Config.MaxNodesPerType
}
