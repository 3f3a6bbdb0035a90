package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
)

// CurrentVersion is the header version this engine writes for new archives.
const CurrentVersion = "4"

// headerValuePattern matches the grammar backing.md requires of header
// values: 7-bit ASCII, restricted to [A-Za-z0-9-].
var headerValuePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// knownVersions lists header versions this reader accepts, newest first.
var knownVersions = []string{"4", "3", "2"}

// Header is the parsed archive header record: version comes first, the
// remaining keys may appear in any order in the file but are always
// written in a fixed order by Write.
type Header struct {
	Version           string
	HMACAlgorithm     string
	CryptoAlgorithm   string // empty if archive is not encrypted
	CompressionFilter string // v3+ only; which filter compressed each member
	Encrypted         bool
	Compressed        bool
}

// headerKeyOrder is the fixed key order Write emits, version always first.
var headerKeyOrder = []string{"version", "hmac-algorithm", "crypto-algorithm", "compression-filter", "encrypted", "compressed"}

// Write serializes h as the fixed-order key=value ASCII record, one pair
// per line, version first. encrypted and compressed are always present;
// compression-filter is written only alongside compressed=yes.
func Write(w io.Writer, h Header) error {
	values := map[string]string{
		"version":       h.Version,
		"hmac-algorithm": h.HMACAlgorithm,
	}
	if h.CryptoAlgorithm != "" {
		values["crypto-algorithm"] = h.CryptoAlgorithm
	}
	if h.Encrypted {
		values["encrypted"] = "yes"
	} else {
		values["encrypted"] = "no"
	}
	if h.Compressed {
		values["compressed"] = "yes"
		if h.CompressionFilter != "" {
			values["compression-filter"] = h.CompressionFilter
		}
	} else {
		values["compressed"] = "no"
	}

	bw := bufio.NewWriter(w)
	for _, key := range headerKeyOrder {
		v, ok := values[key]
		if !ok || v == "" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s=%s\n", key, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read parses a header record from r. It validates 7-bit ASCII and the
// value grammar, rejects duplicate keys, and requires a known version as
// the first key. It copies hmac-algorithm as written without checking
// it; the restore path (readArchiveHeader in internal/cli) fixes the
// algorithm afterwards by trial MAC verification via ResolveLegacyMAC.
func Read(r io.Reader) (Header, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]string)
	order := make([]string, 0, 5)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, b := range line {
			if b > 0x7F {
				return Header{}, ErrBadHeaderSyntax
			}
		}
		idx := bytes.IndexByte(line, '=')
		if idx < 0 {
			return Header{}, ErrBadHeaderSyntax
		}
		key := string(line[:idx])
		value := string(line[idx+1:])
		if key == "encrypted" || key == "compressed" {
			if value != "yes" && value != "no" {
				return Header{}, ErrBadHeaderSyntax
			}
		} else if !headerValuePattern.MatchString(value) {
			return Header{}, ErrBadHeaderSyntax
		}
		if _, dup := seen[key]; dup {
			return Header{}, ErrDuplicateKey
		}
		seen[key] = value
		order = append(order, key)
	}
	if err := scanner.Err(); err != nil {
		return Header{}, ErrCorruptHeader
	}
	if len(order) == 0 || order[0] != "version" {
		return Header{}, ErrCorruptHeader
	}

	h := Header{
		Version:           seen["version"],
		HMACAlgorithm:     seen["hmac-algorithm"],
		CryptoAlgorithm:   seen["crypto-algorithm"],
		CompressionFilter: seen["compression-filter"],
		Encrypted:         seen["encrypted"] == "yes",
		Compressed:        seen["compressed"] == "yes",
	}
	if !isKnownVersion(h.Version) {
		return Header{}, ErrUnsupportedVersion
	}
	return h, nil
}

func isKnownVersion(v string) bool {
	for _, kv := range knownVersions {
		if kv == v {
			return true
		}
	}
	return false
}

// ResolveLegacyMAC returns the first algorithm from candidates (tried in
// a fixed, sorted order) whose trial MAC verification (performed by try)
// succeeds. The restore path uses it to validate a v2+ header's
// self-declared hmac-algorithm against the full allow-list rather than
// trusting it outright. A header-less version-1 restore does not call
// it: that path takes SHA512 as the hmac-algorithm without any trial.
func ResolveLegacyMAC(candidates []string, try func(algo string) bool) (string, error) {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted) // deterministic trial order
	for _, algo := range sorted {
		if try(algo) {
			return algo, nil
		}
	}
	return "", ErrCorruptHeader
}
