package slimclaw

import (
	"fmt"
)

// Tier is the complexity bucket a request is placed into.
type Tier string

const (
	TierSimple    Tier = "simple"
	TierMid       Tier = "mid"
	TierComplex   Tier = "complex"
	TierReasoning Tier = "reasoning"
)

// Tiers lists all tiers in ascending order of complexity.
var Tiers = []Tier{TierSimple, TierMid, TierComplex, TierReasoning}

var tierRank = map[Tier]int{
	TierSimple:    0,
	TierMid:       1,
	TierComplex:   2,
	TierReasoning: 3,
}

// Rank returns the position of the tier in the total order
// simple < mid < complex < reasoning. Unknown tiers rank as complex.
func (t Tier) Rank() int {
	if rank, ok := tierRank[t]; ok {
		return rank
	}
	return tierRank[TierComplex]
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	tier := Tier(s)
	if !tier.Valid() {
		return "", fmt.Errorf("unknown tier: %q", s)
	}
	return tier, nil
}

// Mode selects whether routing decisions are applied or only recommended.
type Mode string

const (
	// ModeShadow records what the optimizer would do without changing the request.
	ModeShadow Mode = "shadow"

	// ModeActive rewrites the outgoing request with the routed model.
	ModeActive Mode = "active"
)

// EnforcementAction describes what the budget tracker does when a limit is hit.
type EnforcementAction string

const (
	EnforcementAlertOnly EnforcementAction = "alert-only"
	EnforcementBlock     EnforcementAction = "block"
	EnforcementDowngrade EnforcementAction = "downgrade"
)
