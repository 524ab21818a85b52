// Package weight converts a hardware tier plus network age and
// participation history into the reward multiplier. Multiplier is a
// pure function of its inputs so every node recomputes identical
// weights from identical state.
package weight

import "github.com/rustchain/rustchain-go/models"

// Params are the policy constants, loaded from configuration.
type Params struct {
	GraceYears     float64 // vintage bonus holds steady this long
	DecayPerYear   float64 // linear decay of the vintage bonus after grace
	LoyaltyPerYear float64 // bonus growth for continuously attested modern hardware
	LoyaltyCap     float64 // maximum loyalty bonus
}

// DefaultParams mirrors the shipped configuration.
func DefaultParams() Params {
	return Params{GraceYears: 5, DecayPerYear: 0.15, LoyaltyPerYear: 0.15, LoyaltyCap: 0.90}
}

// Base multipliers per tier, fixed-point (models.MultiplierScale = 1.0x).
// The vm tier is near zero rather than zero so settlement totals never
// vanish entirely.
var baseMultiplier = map[models.HardwareTier]int64{
	models.TierClassic:  2_500_000,
	models.TierVintage:  2_000_000,
	models.TierHeritage: 1_500_000,
	models.TierModern:   1_000_000,
	models.TierVM:       500,
}

// Calculator computes multipliers under one parameter set.
type Calculator struct {
	params Params
}

func NewCalculator(params Params) Calculator {
	return Calculator{params: params}
}

// Multiplier returns the fixed-point reward multiplier for an identity.
//
// Vintage tiers (base above 1.0x) decay linearly toward 1.0x once the
// network is older than the grace period; the bonus can fully decay
// but the device is never pushed below a modern one. The modern tier
// instead earns a loyalty bonus that grows with continuous attested
// uptime, capped, and zeroed when the identity missed its attestation
// grace window.
func (c Calculator) Multiplier(tier models.HardwareTier, epochAgeYears, loyaltyYears float64, missedGrace bool) int64 {
	base, ok := baseMultiplier[tier]
	if !ok {
		base = baseMultiplier[models.TierModern]
	}

	if base > models.MultiplierScale {
		bonus := float64(base - models.MultiplierScale)
		decayYears := epochAgeYears - c.params.GraceYears
		if decayYears > 0 {
			bonus *= 1 - c.params.DecayPerYear*decayYears
			if bonus < 0 {
				bonus = 0
			}
		}
		return models.MultiplierScale + int64(bonus)
	}

	if tier == models.TierModern {
		loyalty := 0.0
		if !missedGrace {
			loyalty = loyaltyYears * c.params.LoyaltyPerYear
			if loyalty > c.params.LoyaltyCap {
				loyalty = c.params.LoyaltyCap
			}
		}
		return base + int64(loyalty*models.MultiplierScale)
	}

	// vm tier: flat epsilon, no decay, no loyalty
	return base
}
