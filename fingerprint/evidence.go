package fingerprint

import "encoding/json"

// Evidence payloads for the evidenced check variant. Fields mirror
// what miners measure and submit raw; the validator recomputes
// statistics from samples whenever they are present instead of
// trusting submitted aggregates.

// TimingEvidence backs clock_drift and instruction_jitter: raw
// interval samples in nanoseconds plus miner-computed aggregates.
type TimingEvidence struct {
	Samples    []float64 `json:"samples,omitempty"`
	MeanNs     float64   `json:"mean_ns,omitempty"`
	StdevNs    float64   `json:"stdev_ns,omitempty"`
	CV         float64   `json:"cv,omitempty"`
	DriftStdev float64   `json:"drift_stdev,omitempty"`
}

// CacheEvidence backs cache_timing: average access latency per cache
// level and the derived hierarchy ratios.
type CacheEvidence struct {
	L1Ns      float64 `json:"l1_ns"`
	L2Ns      float64 `json:"l2_ns"`
	L3Ns      float64 `json:"l3_ns"`
	L2L1Ratio float64 `json:"l2_l1_ratio,omitempty"`
	L3L2Ratio float64 `json:"l3_l2_ratio,omitempty"`
}

// SIMDEvidence backs simd_identity: the raw feature flag list read
// from the device.
type SIMDEvidence struct {
	Arch  string   `json:"arch"`
	Flags []string `json:"flags"`
}

// ThermalEvidence backs thermal_drift: cold/warm timing spread.
type ThermalEvidence struct {
	ColdAvgNs  float64 `json:"cold_avg_ns"`
	HotAvgNs   float64 `json:"hot_avg_ns"`
	ColdStdev  float64 `json:"cold_stdev"`
	HotStdev   float64 `json:"hot_stdev"`
	DriftRatio float64 `json:"drift_ratio,omitempty"`
}

// EmulationEvidence backs anti_emulation: every VM/emulator indicator
// the miner-side probe found, plus optional ROM digests for retro
// platforms.
type EmulationEvidence struct {
	Indicators []string          `json:"indicators"`
	ROMHashes  map[string]string `json:"rom_hashes,omitempty"` // platform -> digest
}

func decodeEvidence(raw json.RawMessage, out interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
