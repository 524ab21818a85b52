package models

import "encoding/json"

// HardwareTier is the antiquity class assigned to a verified device.
type HardwareTier string

const (
	TierClassic  HardwareTier = "classic"  // pre-2006: PowerPC G4, 68k, 6502-era
	TierVintage  HardwareTier = "vintage"  // 2006-2010: G5, early Core 2
	TierHeritage HardwareTier = "heritage" // 2010-2015: Sandy Bridge, early ARM
	TierModern   HardwareTier = "modern"   // 2015+
	TierVM       HardwareTier = "vm"       // detected VM or emulator
)

// Names of the six required fingerprint checks.
const (
	CheckClockDrift        = "clock_drift"
	CheckCacheTiming       = "cache_timing"
	CheckSIMDIdentity      = "simd_identity"
	CheckThermalDrift      = "thermal_drift"
	CheckInstructionJitter = "instruction_jitter"
	CheckAntiEmulation     = "anti_emulation"
)

// RequiredChecks lists every check a full report must carry.
var RequiredChecks = []string{
	CheckClockDrift,
	CheckCacheTiming,
	CheckSIMDIdentity,
	CheckThermalDrift,
	CheckInstructionJitter,
	CheckAntiEmulation,
}

// CheckResult is the tagged variant for one check: a legacy submission
// carries only the passed flag (nil Evidence), an evidenced submission
// carries the raw measurement payload alongside it.
type CheckResult struct {
	Passed   bool            `json:"passed"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// Evidenced reports whether this result carries raw evidence.
func (c CheckResult) Evidenced() bool {
	return len(c.Evidence) > 0 && string(c.Evidence) != "null"
}

// DeviceClaims are the miner-supplied traits of the candidate device.
type DeviceClaims struct {
	Arch   string `json:"arch"`   // machine architecture (ppc, x86_64, aarch64, m68k, ...)
	Family string `json:"family"` // CPU family (g4, g5, pentium_iii, zen3, ...)
	Cores  int    `json:"cores"`
	Model  string `json:"model,omitempty"`
	Year   int    `json:"year,omitempty"` // claimed manufacture year
}

// FingerprintReport is one attestation submission from a candidate device.
// Origin is the network-observed source of the request; it is set by the
// server and never trusted from the payload.
type FingerprintReport struct {
	Device    DeviceClaims           `json:"device"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp int64                  `json:"timestamp"` // unix seconds
	Address   string                 `json:"address"`
	PublicKey string                 `json:"public_key"`
	Signature string                 `json:"signature"`
	Origin    string                 `json:"-"`
}

// SigningView returns the portion of the report covered by the signature.
func (r *FingerprintReport) SigningView() map[string]interface{} {
	return map[string]interface{}{
		"device":    r.Device,
		"checks":    r.Checks,
		"timestamp": r.Timestamp,
		"address":   r.Address,
	}
}
