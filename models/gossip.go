package models

import "encoding/json"

// Gossip record kinds exchanged between nodes.
const (
	GossipAttestation = "attestation"
	GossipSettlement  = "settlement"
)

// GossipRecord is one content-addressed item: peers announce the hash
// and fetch the full payload by it, so state reconciles without being
// re-derived on every node.
type GossipRecord struct {
	Hash      string          `json:"hash"` // blake2b-256 of the canonical payload
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}
