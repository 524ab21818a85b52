package fingerprint

import "strings"

// ReferenceTable holds the known-emulator signatures the validator
// checks evidence against. It is injected so operators can extend the
// emulator database without rebuilding the node.
type ReferenceTable struct {
	// HypervisorIndicators are substrings that identify a hypervisor or
	// container when found in anti-emulation indicator evidence.
	HypervisorIndicators []string
	// EmulatorROMHashes maps known emulator ROM pack digests to the
	// emulator they ship with. Real vintage hardware carries unique or
	// variant ROMs; a match here is a confirmed emulator.
	EmulatorROMHashes map[string]string
	// X86OnlyFlags are SIMD feature flags that exist only on x86 parts.
	X86OnlyFlags []string
	// VintageFamilies are claimed CPU family substrings that denote
	// non-x86 vintage platforms.
	VintageFamilies []string
}

// DefaultReferenceTable returns the built-in signature set.
func DefaultReferenceTable() *ReferenceTable {
	return &ReferenceTable{
		HypervisorIndicators: []string{
			"vmware", "virtualbox", "kvm", "qemu", "xen", "hyperv",
			"parallels", "hypervisor", "docker", "kubernetes",
		},
		EmulatorROMHashes: map[string]string{
			// Common ROM pack digests shipped with Mac/Amiga emulators.
			"9fe4f63b8a7b4c70e6f1b5a2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2": "sheepshaver_newworld",
			"b1946ac92492d2347c6235b4d2611184e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1": "basilisk_quadra",
			"2c17c6393771ee3048ae34d6b380c5ec41c1c2d3e4f5a6b7c8d9e0f1a2b3c4d5": "uae_kickstart31",
		},
		X86OnlyFlags: []string{"sse", "sse2", "sse3", "ssse3", "sse4_1", "sse4_2", "avx", "avx2", "avx512"},
		VintageFamilies: []string{
			"g4", "g5", "powerpc", "ppc", "m68k", "68000", "68040",
			"sparc", "6502", "65c816", "z80", "sh2", "alpha", "pa_risc", "mips_r",
		},
	}
}

func (r *ReferenceTable) isHypervisorIndicator(indicator string) bool {
	low := strings.ToLower(indicator)
	for _, sig := range r.HypervisorIndicators {
		if strings.Contains(low, sig) {
			return true
		}
	}
	return false
}

func (r *ReferenceTable) emulatorForROM(hash string) (string, bool) {
	name, ok := r.EmulatorROMHashes[strings.ToLower(hash)]
	return name, ok
}

func (r *ReferenceTable) isX86OnlyFlag(flag string) bool {
	low := strings.ToLower(flag)
	for _, f := range r.X86OnlyFlags {
		if low == f || strings.HasPrefix(low, f+".") {
			return true
		}
	}
	return false
}

func (r *ReferenceTable) claimsVintageNonX86(arch, family string) bool {
	claim := strings.ToLower(arch + " " + family)
	if strings.Contains(claim, "x86") || strings.Contains(claim, "amd64") {
		return false
	}
	for _, fam := range r.VintageFamilies {
		if strings.Contains(claim, fam) {
			return true
		}
	}
	return false
}
