package models

// MultiplierScale is the fixed-point scale for weight multipliers:
// a stored multiplier of 2_500_000 means 2.5x.
const MultiplierScale = 1_000_000

// EpochWeightEntry is one identity's contribution to one epoch. An
// identity holds at most one entry per epoch; repeated attestations
// inside the epoch upsert it.
type EpochWeightEntry struct {
	Epoch           uint64       `json:"epoch"`
	IdentityKey     string       `json:"identity_key"`
	Address         string       `json:"address"`
	Multiplier      int64        `json:"multiplier"` // fixed-point, MultiplierScale = 1.0x
	Tier            HardwareTier `json:"tier"`
	LastAttestation int64        `json:"last_attestation"` // unix seconds
}

// EpochSettlement is the immutable record of one epoch's reward
// distribution. Exactly one exists per settled epoch; re-settling
// returns the stored record unchanged.
type EpochSettlement struct {
	Epoch       uint64           `json:"epoch"`
	Pool        int64            `json:"pool"`         // uRTC distributed this epoch
	TotalWeight int64            `json:"total_weight"` // sum of fixed-point multipliers
	Rewards     map[string]int64 `json:"rewards"`      // address -> uRTC
	CarriedOver int64            `json:"carried_over"` // pool pushed to the next epoch (empty epochs)
	Hash        string           `json:"hash"`         // blake2b-256 over the canonical encoding
	AnchorRef   string           `json:"anchor_ref,omitempty"`
	SettledAt   int64            `json:"settled_at"`
}

// SigningView returns the digest-covered portion of the settlement.
// The hash itself and the anchor reference are excluded so the digest
// is stable before and after anchoring.
func (s *EpochSettlement) SigningView() map[string]interface{} {
	return map[string]interface{}{
		"epoch":        s.Epoch,
		"pool":         s.Pool,
		"total_weight": s.TotalWeight,
		"rewards":      s.Rewards,
		"carried_over": s.CarriedOver,
	}
}
