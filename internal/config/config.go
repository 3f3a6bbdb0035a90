// Package config holds the engine-wide configuration value threaded through
// the backup/restore pipeline. There is deliberately no package-level
// default instance: every caller constructs an EngineConfig and passes it
// explicitly, so two concurrent engine runs in the same process never share
// mutable state.
package config

import (
	"os"
	"strconv"
	"time"
)

// EngineConfig carries every tunable the backup/restore engine needs.
// Zero value is not usable; construct with Default and override fields.
type EngineConfig struct {
	// ChunkSize is the maximum size in bytes of a single archive chunk
	// member (including its trailing HMAC file, sized independently).
	ChunkSize int64

	// ScratchDir is a directory the engine may freely create, populate and
	// delete temporary files under while a backup/restore is in flight.
	ScratchDir string

	// QueueDepth bounds the producer/consumer handoff queue.
	QueueDepth int

	// CompressionFilter names the external-equivalent compression used for
	// new archives ("gzip" or "" for none). Restores always honor whatever
	// the archive header records.
	CompressionFilter string

	// HMACAlgorithm is the default MAC algorithm for newly written
	// archives: "SHA512" (HMAC-SHA512, OpenSSL dgst compatible) or
	// "BLAKE3" (keyed BLAKE3).
	HMACAlgorithm string

	// CipherAlgorithm is the default symmetric cipher for newly written
	// archives when encryption is requested: "aes-256-cbc" (OpenSSL enc
	// compatible) or "chacha20-poly1305".
	CipherAlgorithm string

	// Encrypt requests that C4 encrypt archive chunks with a passphrase.
	Encrypt bool

	// MaxIngressFiles and MaxIngressBytes bound how much a restore will
	// accept from a transport before raising QuotaExceeded. Zero means
	// unlimited.
	MaxIngressFiles int
	MaxIngressBytes int64

	// AllowLegacyV1 gates acceptance of header-less version-1 archives:
	// off unless explicitly requested.
	AllowLegacyV1 bool

	// WorkerJoinTimeout is carried in the configuration (Default sets 30s),
	// but no code reads it.
	WorkerJoinTimeout time.Duration

	// HostCatalogPath names a bolt database for the local host catalog
	// store (D1). The restore command does not read this field; it opens
	// the path given by its --host-catalog flag.
	HostCatalogPath string

	// MetricsAddr, if non-empty, starts a "/metrics" HTTP listener for the
	// duration of the run.
	MetricsAddr string
}

// Default returns a usable EngineConfig with sane defaults: 100 MiB
// chunks, queue depth 10, SHA512 MAC, "gzip" as the compression filter
// and aes-256-cbc as the cipher, with encryption off.
func Default() EngineConfig {
	scratch := os.TempDir()
	return EngineConfig{
		ChunkSize:         104857600,
		ScratchDir:        scratch,
		QueueDepth:        10,
		CompressionFilter: "gzip",
		HMACAlgorithm:     "SHA512",
		CipherAlgorithm:   "aes-256-cbc",
		Encrypt:           false,
		AllowLegacyV1:     false,
		WorkerJoinTimeout: 30 * time.Second,
	}
}

// ApplyEnv overlays process environment variables onto cfg and returns the
// result. Recognized variables: VMBACKUP_LOG_LEVEL is read directly by
// internal/observability, not here; VMBACKUP_METRICS_ADDR sets MetricsAddr;
// UPDATES_MAX_FILES/UPDATES_MAX_BYTES set the restore transport's ingress
// caps, the same names the transport adapter recognizes for its hard quota.
func (cfg EngineConfig) ApplyEnv() EngineConfig {
	if addr := os.Getenv("VMBACKUP_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if v := os.Getenv("UPDATES_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxIngressFiles = n
		}
	}
	if v := os.Getenv("UPDATES_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxIngressBytes = n
		}
	}
	return cfg
}

// RestoreQuotaMinimums computes the hard ingress caps a restore transport
// must enforce at minimum, given how many members the plan expects to
// extract and their total selected size: at least 2 entries per member
// (a data chunk and its .hmac companion, times however many chunks a
// large member splits into, so this is a floor not an exact count) plus
// the fixed header/catalog entries, and the selected bytes plus a 10%
// margin for chunk/HMAC framing overhead.
func RestoreQuotaMinimums(expectedMembers int, selectedTotalBytes int64) (maxFiles int, maxBytes int64) {
	const fixedEntries = 4 // header, header.hmac, catalog(+chunks), catalog.hmac
	maxFiles = fixedEntries + 2*expectedMembers
	maxBytes = selectedTotalBytes + selectedTotalBytes/10
	return maxFiles, maxBytes
}
