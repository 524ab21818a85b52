// Package fingerprint decides whether a submitted hardware fingerprint
// describes genuine physical hardware. Validation is a pure function
// of the report plus a reference table of known-emulator signatures;
// it never touches identity or ledger state.
package fingerprint

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/rustchain/rustchain-go/models"
)

// Verdict is the outcome of validating one fingerprint report.
type Verdict struct {
	Accepted   bool                `json:"accepted"`
	Tier       models.HardwareTier `json:"tier"`
	Confidence float64             `json:"confidence"` // 0..1, consumed by the binder's moving confidence
	Reasons    []string            `json:"reasons"`
}

// Checks whose passed=true claim requires raw evidence. A pass with no
// evidence is treated as a failed check, not merely low confidence.
var highSignalChecks = map[string]bool{
	models.CheckAntiEmulation:     true,
	models.CheckClockDrift:        true,
	models.CheckInstructionJitter: true,
}

// Thresholds ported from the original probe implementations.
const (
	minTimingCV      = 0.0001 // below this the timing source is synthetic
	minCacheRatio    = 1.01   // L2/L1 and L3/L2 both flat means no real cache hierarchy
	minTimingSamples = 10
)

// Validator scores fingerprint reports against a reference table.
type Validator struct {
	ref *ReferenceTable
}

func NewValidator(ref *ReferenceTable) *Validator {
	if ref == nil {
		ref = DefaultReferenceTable()
	}
	return &Validator{ref: ref}
}

// Validate applies the acceptance rules: at least 5 of the 6 checks
// must individually pass, high-signal passes must carry evidence, and
// a confirmed hypervisor or emulator signature rejects outright
// regardless of everything else.
func (v *Validator) Validate(report *models.FingerprintReport) Verdict {
	var (
		reasons      []string
		failures     int
		softHits     int
		hardFail     bool
		evidenceFail bool
		simdFlags    []string
	)

	for _, name := range models.RequiredChecks {
		res, ok := report.Checks[name]
		if !ok {
			failures++
			reasons = append(reasons, "missing_check:"+name)
			continue
		}
		if !res.Passed {
			failures++
			reasons = append(reasons, "check_failed:"+name)
			continue
		}
		if highSignalChecks[name] && !res.Evidenced() {
			// An unevidenced pass on a high-signal check rejects the
			// whole report, no matter how the other checks score.
			failures++
			evidenceFail = true
			reasons = append(reasons, "missing_evidence:"+name)
			continue
		}
		if !res.Evidenced() {
			// Legacy boolean pass: accepted at low trust.
			softHits++
			reasons = append(reasons, "legacy_check:"+name)
			continue
		}

		failed, hard, soft := v.inspectEvidence(name, res, &reasons, &simdFlags)
		if hard {
			hardFail = true
		}
		if failed {
			failures++
			if highSignalChecks[name] && strings.Contains(last(reasons), "_evidence:") {
				evidenceFail = true
			}
		}
		softHits += soft
	}

	// A report claiming a vintage non-x86 platform cannot present
	// x86-only vector-instruction evidence. The contradiction is a
	// confirmed spoof, not a drift.
	if v.ref.claimsVintageNonX86(report.Device.Arch, report.Device.Family) {
		for _, flag := range simdFlags {
			if v.ref.isX86OnlyFlag(flag) {
				hardFail = true
				reasons = append(reasons, "arch_contradiction:"+strings.ToLower(flag))
				break
			}
		}
	}

	if hardFail || evidenceFail || failures >= 2 {
		return Verdict{Accepted: false, Tier: models.TierVM, Confidence: 0, Reasons: reasons}
	}

	confidence := 1.0 - 0.25*float64(failures) - 0.1*float64(softHits)
	if confidence < 0 {
		confidence = 0
	}

	return Verdict{
		Accepted:   true,
		Tier:       ClassifyTier(report.Device),
		Confidence: confidence,
		Reasons:    reasons,
	}
}

// inspectEvidence applies the per-check evidence rules. It returns
// whether the check is overridden to failed, whether the failure is a
// hard rejection, and how many soft (confidence-only) hits it found.
func (v *Validator) inspectEvidence(name string, res models.CheckResult, reasons *[]string, simdFlags *[]string) (failed, hard bool, soft int) {
	switch name {
	case models.CheckAntiEmulation:
		var ev EmulationEvidence
		if !decodeEvidence(res.Evidence, &ev) {
			*reasons = append(*reasons, "missing_evidence:"+name)
			return true, false, 0
		}
		for _, ind := range ev.Indicators {
			if v.ref.isHypervisorIndicator(ind) {
				*reasons = append(*reasons, "vm_detected:"+strings.ToLower(ind))
				return true, true, 0
			}
		}
		for platform, hash := range ev.ROMHashes {
			if emu, ok := v.ref.emulatorForROM(hash); ok {
				*reasons = append(*reasons, fmt.Sprintf("known_emulator_rom:%s:%s", platform, emu))
				return true, true, 0
			}
		}

	case models.CheckClockDrift, models.CheckInstructionJitter:
		var ev TimingEvidence
		if !decodeEvidence(res.Evidence, &ev) {
			*reasons = append(*reasons, "missing_evidence:"+name)
			return true, false, 0
		}
		cv := ev.CV
		if len(ev.Samples) >= 2 {
			mean := stat.Mean(ev.Samples, nil)
			if mean > 0 {
				cv = stat.StdDev(ev.Samples, nil) / mean
			}
		}
		if cv < minTimingCV {
			*reasons = append(*reasons, "synthetic_timing:"+name)
			return true, false, 0
		}
		if name == models.CheckClockDrift && ev.DriftStdev == 0 && len(ev.Samples) == 0 {
			*reasons = append(*reasons, "no_drift:"+name)
			return true, false, 0
		}
		if len(ev.Samples) > 0 && len(ev.Samples) < minTimingSamples {
			*reasons = append(*reasons, "low_sample_count:"+name)
			return false, false, 1
		}

	case models.CheckCacheTiming:
		var ev CacheEvidence
		if !decodeEvidence(res.Evidence, &ev) {
			*reasons = append(*reasons, "malformed_evidence:"+name)
			return true, false, 0
		}
		if ev.L1Ns <= 0 || ev.L2Ns <= 0 || ev.L3Ns <= 0 {
			*reasons = append(*reasons, "zero_latency:"+name)
			return true, false, 0
		}
		l2l1 := ev.L2L1Ratio
		if l2l1 == 0 {
			l2l1 = ev.L2Ns / ev.L1Ns
		}
		l3l2 := ev.L3L2Ratio
		if l3l2 == 0 {
			l3l2 = ev.L3Ns / ev.L2Ns
		}
		if l2l1 < minCacheRatio && l3l2 < minCacheRatio {
			*reasons = append(*reasons, "no_cache_hierarchy:"+name)
			return true, false, 0
		}

	case models.CheckThermalDrift:
		var ev ThermalEvidence
		if !decodeEvidence(res.Evidence, &ev) {
			*reasons = append(*reasons, "malformed_evidence:"+name)
			return true, false, 0
		}
		if ev.ColdStdev == 0 && ev.HotStdev == 0 {
			*reasons = append(*reasons, "no_thermal_variance:"+name)
			return true, false, 0
		}

	case models.CheckSIMDIdentity:
		var ev SIMDEvidence
		if !decodeEvidence(res.Evidence, &ev) {
			*reasons = append(*reasons, "malformed_evidence:"+name)
			return true, false, 0
		}
		if len(ev.Flags) == 0 {
			*reasons = append(*reasons, "no_simd_detected:"+name)
			return true, false, 0
		}
		*simdFlags = ev.Flags
	}

	return false, false, 0
}

// ClassifyTier derives the antiquity tier from the claimed device.
// Year takes precedence; family keywords cover devices that predate
// reliable year reporting.
func ClassifyTier(device models.DeviceClaims) models.HardwareTier {
	if device.Year > 0 {
		switch {
		case device.Year < 2006:
			return models.TierClassic
		case device.Year <= 2010:
			return models.TierVintage
		case device.Year <= 2015:
			return models.TierHeritage
		default:
			return models.TierModern
		}
	}

	family := strings.ToLower(device.Family + " " + device.Arch)
	switch {
	case containsAny(family, "g4", "m68k", "68000", "6502", "65c816", "z80", "pentium", "k6", "sparc_v", "mips_r", "alpha_21"):
		return models.TierClassic
	case containsAny(family, "g5", "core2", "core 2", "ultrasparc"):
		return models.TierVintage
	case containsAny(family, "sandy", "ivy", "nehalem", "westmere", "bulldozer"):
		return models.TierHeritage
	default:
		return models.TierModern
	}
}

func last(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[len(reasons)-1]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
