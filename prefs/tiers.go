package prefs

import (
	"fmt"
	"time"
)

// Tier is a named trust level bounding how far an agent may tune its own
// retention parameters. Tiers form an ordered set from least to most
// trusted.
type Tier string

const (
	TierUntrusted    Tier = "untrusted"
	TierProbationary Tier = "probationary"
	TierTrusted      Tier = "trusted"
	TierVeteran      Tier = "veteran"
	TierAutonomous   Tier = "autonomous"
)

// Tiers returns all tiers in ascending trust order.
func Tiers() []Tier {
	return []Tier{TierUntrusted, TierProbationary, TierTrusted, TierVeteran, TierAutonomous}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierUntrusted, TierProbationary, TierTrusted, TierVeteran, TierAutonomous:
		return true
	}
	return false
}

// Bounds is one tier's capability table. Ranges are inclusive and always
// within the global ranges; they narrow, never widen.
type Bounds struct {
	DecayRange [2]float64 `json:"decay_range"`
	QuotaRange [2]int     `json:"quota_range"`
	MaxPins    int        `json:"max_pins"`
	CanAdjust  bool       `json:"can_adjust"`
	CanPin     bool       `json:"can_pin"`
}

var tierBounds = map[Tier]Bounds{
	TierUntrusted: {
		DecayRange: [2]float64{DefaultDecayRate, DefaultDecayRate},
		QuotaRange: [2]int{DefaultTypeQuota, DefaultTypeQuota},
		MaxPins:    0,
		CanAdjust:  false,
		CanPin:     false,
	},
	TierProbationary: {
		DecayRange: [2]float64{0.03, 0.10},
		QuotaRange: [2]int{25, 150},
		MaxPins:    10,
		CanAdjust:  true,
		CanPin:     true,
	},
	TierTrusted: {
		DecayRange: [2]float64{0.02, 0.20},
		QuotaRange: [2]int{10, 300},
		MaxPins:    50,
		CanAdjust:  true,
		CanPin:     true,
	},
	TierVeteran: {
		DecayRange: [2]float64{0.01, 0.35},
		QuotaRange: [2]int{5, 600},
		MaxPins:    100,
		CanAdjust:  true,
		CanPin:     true,
	},
	TierAutonomous: {
		DecayRange: [2]float64{MinDecayRate, MaxDecayRate},
		QuotaRange: [2]int{1, 1000},
		MaxPins:    MaxMaxPins,
		CanAdjust:  true,
		CanPin:     true,
	},
}

// BoundsFor returns the capability table for the given tier.
func BoundsFor(tier Tier) (Bounds, error) {
	b, ok := tierBounds[tier]
	if !ok {
		return Bounds{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidParam, tier)
	}
	return b, nil
}

// Introspection reports an agent's current preference values alongside the
// ranges and capabilities its tier allows, so the agent can see what it is
// permitted to change.
type Introspection struct {
	Tier                  Tier          `json:"tier"`
	Bounds                Bounds        `json:"bounds"`
	DecayRate             float64       `json:"decay_rate"`
	MaxPins               int           `json:"max_pins"`
	PinnedCount           int           `json:"pinned_count"`
	RetrievalThreshold    float64       `json:"retrieval_threshold"`
	ConsolidationInterval time.Duration `json:"consolidation_interval"`
	AttentionFocus        string        `json:"attention_focus"`
	AdjustmentCount       int           `json:"adjustment_count"`
	LastAdjustedAt        time.Time     `json:"last_adjusted_at"`
}

// Introspect returns the current values plus the tier's allowed ranges and
// capability flags.
func Introspect(p Preferences, tier Tier) (Introspection, error) {
	b, err := BoundsFor(tier)
	if err != nil {
		return Introspection{}, err
	}
	return Introspection{
		Tier:                  tier,
		Bounds:                b,
		DecayRate:             p.DecayRate,
		MaxPins:               p.MaxPins,
		PinnedCount:           len(p.PinnedMemories),
		RetrievalThreshold:    p.RetrievalThreshold,
		ConsolidationInterval: p.ConsolidationInterval,
		AttentionFocus:        p.AttentionFocus,
		AdjustmentCount:       p.AdjustmentCount,
		LastAdjustedAt:        p.LastAdjustedAt,
	}, nil
}
