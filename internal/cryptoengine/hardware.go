package cryptoengine

import "github.com/klauspost/cpuid/v2"

// HardwareSummary reports whether the running CPU has hardware
// acceleration for the ciphers this package implements. It is
// informational only: algorithm selection is never silently changed
// based on it. Logged once per run so operators can explain
// unexpectedly slow encryption on older hardware.
type HardwareSummary struct {
	AESNI   bool
	SHA512  bool // x86 SHA extensions (cpuid.SHA: SHA-1/SHA-256 instructions); no SHA-512-specific check
	AVX2    bool // used by the BLAKE3 and chacha20poly1305 SIMD paths
	VendorID string
}

// DetectHardware inspects the running CPU via klauspost/cpuid.
func DetectHardware() HardwareSummary {
	return HardwareSummary{
		AESNI:    cpuid.CPU.Supports(cpuid.AESNI),
		SHA512:   cpuid.CPU.Supports(cpuid.SHA),
		AVX2:     cpuid.CPU.Supports(cpuid.AVX2),
		VendorID: cpuid.CPU.VendorString,
	}
}
