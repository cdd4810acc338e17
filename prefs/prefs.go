// Package prefs holds per-agent tuning preferences for memory retention
// and the trust-tier bounds that constrain how far an agent may adjust its
// own parameters. All mutation goes through validating operations; a
// rejected adjustment never partially applies.
package prefs

import (
	"errors"
	"fmt"
	"time"

	"github.com/engramkit/engram/graph"
)

var (
	// ErrInvalidParam is returned when an unknown parameter is adjusted.
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrOutOfRange is returned when a value falls outside the allowed
	// range for the parameter (global or tier-narrowed).
	ErrOutOfRange = errors.New("value out of range")
	// ErrMaxPinsReached is returned when pinning would exceed the pin cap.
	ErrMaxPinsReached = errors.New("max pins reached")
	// ErrNotPermitted is returned when the trust tier disallows the
	// requested operation entirely.
	ErrNotPermitted = errors.New("operation not permitted for tier")
)

// Param names a tunable preference.
type Param string

const (
	ParamDecayRate             Param = "decay_rate"
	ParamMaxPins               Param = "max_pins"
	ParamRetrievalThreshold    Param = "retrieval_threshold"
	ParamConsolidationInterval Param = "consolidation_interval"
	ParamAttentionFocus        Param = "attention_focus"
	ParamTypeQuota             Param = "type_quota"
)

// Global parameter ranges. Tiers may narrow these, never widen them.
const (
	MinDecayRate = 0.01
	MaxDecayRate = 0.50

	MinMaxPins = 1
	MaxMaxPins = 200

	MinConsolidationInterval = time.Minute
	MaxConsolidationInterval = time.Hour
)

// Defaults for a freshly created preference record.
const (
	DefaultDecayRate             = 0.05
	DefaultMaxPins               = 25
	DefaultRetrievalThreshold    = 0.3
	DefaultConsolidationInterval = 30 * time.Minute
	DefaultTypeQuota             = 100
)

// Preferences is one agent's tuning record. Zero quota means unlimited.
type Preferences struct {
	AgentID               string                 `json:"agent_id"`
	DecayRate             float64                `json:"decay_rate"`
	TypeQuotas            map[graph.NodeType]int `json:"type_quotas"`
	PinnedMemories        map[string]struct{}    `json:"pinned_memories"`
	MaxPins               int                    `json:"max_pins"`
	RetrievalThreshold    float64                `json:"retrieval_threshold"`
	ConsolidationInterval time.Duration          `json:"consolidation_interval"`
	AttentionFocus        string                 `json:"attention_focus"`
	LastAdjustedAt        time.Time              `json:"last_adjusted_at"`
	AdjustmentCount       int                    `json:"adjustment_count"`
}

// New returns default preferences for the given agent.
func New(agentID string) Preferences {
	quotas := make(map[graph.NodeType]int, len(graph.NodeTypes()))
	for _, t := range graph.NodeTypes() {
		quotas[t] = DefaultTypeQuota
	}
	return Preferences{
		AgentID:               agentID,
		DecayRate:             DefaultDecayRate,
		TypeQuotas:            quotas,
		PinnedMemories:        make(map[string]struct{}),
		MaxPins:               DefaultMaxPins,
		RetrievalThreshold:    DefaultRetrievalThreshold,
		ConsolidationInterval: DefaultConsolidationInterval,
	}
}

// clone returns a deep copy so a failed adjustment leaves the original
// untouched.
func (p Preferences) clone() Preferences {
	out := p
	out.TypeQuotas = make(map[graph.NodeType]int, len(p.TypeQuotas))
	for t, q := range p.TypeQuotas {
		out.TypeQuotas[t] = q
	}
	out.PinnedMemories = make(map[string]struct{}, len(p.PinnedMemories))
	for id := range p.PinnedMemories {
		out.PinnedMemories[id] = struct{}{}
	}
	return out
}

// IsPinned reports whether the given memory id is pinned.
func (p Preferences) IsPinned(id string) bool {
	_, ok := p.PinnedMemories[id]
	return ok
}

// AdjustValue carries the value for an Adjust call. Exactly one field is
// consulted depending on the parameter being adjusted.
type AdjustValue struct {
	Float    float64
	Int      int
	Duration time.Duration
	Text     string
	NodeType graph.NodeType // for type_quota: which bucket to set
}

// Adjust validates and applies a single parameter change, returning the
// new record. The tier's bounds narrow the global range; a nil tier check
// is expressed by passing TierAutonomous. Errors report the violated
// bound and leave p unchanged.
func Adjust(p Preferences, param Param, value AdjustValue, tier Tier) (Preferences, error) {
	bounds, err := BoundsFor(tier)
	if err != nil {
		return p, err
	}
	if !bounds.CanAdjust {
		return p, fmt.Errorf("%w: tier %q cannot adjust preferences", ErrNotPermitted, tier)
	}

	out := p.clone()
	switch param {
	case ParamDecayRate:
		lo, hi := bounds.DecayRange[0], bounds.DecayRange[1]
		if value.Float < lo || value.Float > hi {
			return p, fmt.Errorf("%w: decay_rate %.3f outside [%.2f, %.2f]", ErrOutOfRange, value.Float, lo, hi)
		}
		out.DecayRate = value.Float

	case ParamMaxPins:
		if value.Int < MinMaxPins || value.Int > bounds.MaxPins {
			return p, fmt.Errorf("%w: max_pins %d outside [%d, %d]", ErrOutOfRange, value.Int, MinMaxPins, bounds.MaxPins)
		}
		out.MaxPins = value.Int

	case ParamRetrievalThreshold:
		if value.Float < 0.0 || value.Float > 1.0 {
			return p, fmt.Errorf("%w: retrieval_threshold %.3f outside [0, 1]", ErrOutOfRange, value.Float)
		}
		out.RetrievalThreshold = value.Float

	case ParamConsolidationInterval:
		if value.Duration < MinConsolidationInterval || value.Duration > MaxConsolidationInterval {
			return p, fmt.Errorf("%w: consolidation_interval %s outside [%s, %s]",
				ErrOutOfRange, value.Duration, MinConsolidationInterval, MaxConsolidationInterval)
		}
		out.ConsolidationInterval = value.Duration

	case ParamAttentionFocus:
		// Free text, empty allowed.
		out.AttentionFocus = value.Text

	case ParamTypeQuota:
		if !value.NodeType.Valid() {
			return p, fmt.Errorf("%w: unknown node type %q", ErrInvalidParam, value.NodeType)
		}
		// Zero means unlimited; otherwise bounded by the tier's quota range.
		if value.Int != 0 {
			lo, hi := bounds.QuotaRange[0], bounds.QuotaRange[1]
			if value.Int < lo || value.Int > hi {
				return p, fmt.Errorf("%w: type_quota %d outside [%d, %d]", ErrOutOfRange, value.Int, lo, hi)
			}
		}
		out.TypeQuotas[value.NodeType] = value.Int

	default:
		return p, fmt.Errorf("%w: %q", ErrInvalidParam, param)
	}

	out.LastAdjustedAt = time.Now()
	out.AdjustmentCount++
	return out, nil
}

// Pin marks a memory id as pinned. Pinning an already-pinned id is a
// no-op; pinning past MaxPins fails with ErrMaxPinsReached.
func Pin(p Preferences, id string, tier Tier) (Preferences, error) {
	bounds, err := BoundsFor(tier)
	if err != nil {
		return p, err
	}
	if !bounds.CanPin {
		return p, fmt.Errorf("%w: tier %q cannot pin memories", ErrNotPermitted, tier)
	}
	if p.IsPinned(id) {
		return p, nil
	}
	limit := p.MaxPins
	if bounds.MaxPins < limit {
		limit = bounds.MaxPins
	}
	if len(p.PinnedMemories) >= limit {
		return p, fmt.Errorf("%w: %d pins at limit %d", ErrMaxPinsReached, len(p.PinnedMemories), limit)
	}
	out := p.clone()
	out.PinnedMemories[id] = struct{}{}
	return out, nil
}

// Unpin removes a pin unconditionally. Unpinning an unknown id is a no-op.
func Unpin(p Preferences, id string) Preferences {
	if !p.IsPinned(id) {
		return p
	}
	out := p.clone()
	delete(out.PinnedMemories, id)
	return out
}
