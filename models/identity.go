package models

// HardwareIdentity binds one physical device to one reward-earning
// address. The key is derived from network origin plus claimed device
// traits, never from the address alone. Identities are updated in
// place on every accepted attestation and never hard-deleted.
type HardwareIdentity struct {
	Key          string       `json:"key"`     // derived identity key (hex)
	Address      string       `json:"address"` // bound wallet address
	Tier         HardwareTier `json:"tier"`
	Confidence   float64      `json:"confidence"` // exponential moving confidence, 0..1
	FirstSeen    int64        `json:"first_seen"`
	StreakStart  int64        `json:"streak_start"` // start of the unbroken attestation streak
	LastVerified int64        `json:"last_verified"`
	Attestations int64        `json:"attestations"`
	Active       bool         `json:"active"`
}
