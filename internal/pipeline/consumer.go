package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/blockvault/vmbackup/internal/archive"
	"github.com/blockvault/vmbackup/internal/cryptoengine"
	"github.com/blockvault/vmbackup/internal/progress"
	"github.com/blockvault/vmbackup/internal/quota"
	"github.com/blockvault/vmbackup/internal/transport"
)

// MemberState is the per-member extraction state machine.
type MemberState int

const (
	StateInit MemberState = iota
	StateExtracting
	StateDone
	StateFailed
)

// MemberResult reports one member's terminal outcome to the planner.
type MemberResult struct {
	Name         string
	State        MemberState
	BytesWritten int64
	Err          error
}

// ConsumerConfig bundles the per-run settings Consumer.Run needs. The
// cipher/compression/mac algorithms come from the already-parsed
// archive.Header (C3 ran before the consumer starts), not from local
// config, since a restore must honor whatever the archive declares.
type ConsumerConfig struct {
	Header     archive.Header
	Passphrase []byte
	DestDir    string

	// SkipBroken, when true, turns a bad-MAC failure on one member into a
	// StateFailed result for that member only: the remaining chunks of
	// the broken member are discarded (not re-validated, since their
	// expected MAC chain is already known to be untrustworthy) and the
	// run continues with the next member. Default false: a bad MAC is
	// fatal for the run.
	SkipBroken bool

	// ShouldExtract, if non-nil, is consulted with a member's base name
	// (e.g. "work/private.img") once its chunk sequence is fully
	// verified. A false result still fully verifies the member's MACs
	// (the archive is a linear stream; chunk numbering can't be skipped)
	// but discards its plaintext instead of writing it to DestDir, used
	// by the restore planner to withhold VMs with unresolved problems.
	ShouldExtract func(base string) bool

	// OnChunkRead, if non-nil, is invoked after each data chunk is read
	// off the source (before MAC verification), for metrics/logging.
	OnChunkRead func(bytes int)

	// OnMACVerified, if non-nil, is invoked after each chunk's MAC check
	// with whether it passed, for metrics/logging.
	OnMACVerified func(success bool)
}

// Consumer drives the extractor-controller side of a restore/verify
// run: reads (data, .hmac) pairs from a transport.Source in strict
// order, verifies each chunk, and feeds each member's verified
// plaintext to an inner tar extractor once the member's full chunk
// sequence has arrived.
type Consumer struct {
	cfg     ConsumerConfig
	quota   *quota.Counter
	tracker *progress.Tracker
}

// NewConsumer constructs a Consumer. quota may be nil for unlimited ingress.
func NewConsumer(cfg ConsumerConfig, q *quota.Counter, tracker *progress.Tracker) *Consumer {
	return &Consumer{cfg: cfg, quota: q, tracker: tracker}
}

var chunkNamePattern = regexp.MustCompile(`^(.+)\.(\d{3})$`)

func parseDataChunkName(name string) (base string, index int, ok bool) {
	m := chunkNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], idx, true
}

// memberAcc accumulates one member's verified ciphertext/plaintext bytes
// across its chunk sequence until the member's extractor can run.
type memberAcc struct {
	base   string
	joiner *archive.Joiner
	buf    *bytes.Buffer
}

// Run reads source to completion, extracting every member into
// cfg.DestDir, and returns one MemberResult per member encountered (in
// the order their first chunk arrived).
func (c *Consumer) Run(ctx context.Context, source transport.Source) ([]MemberResult, error) {
	var results []MemberResult
	var cur *memberAcc
	skipBase := "" // set once a member fails under SkipBroken; cleared when base changes

	finalize := func() error {
		if cur == nil {
			return nil
		}
		res := c.extractMember(cur)
		results = append(results, res)
		cur = nil
		if res.State == StateFailed {
			return res.Err
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return results, archive.ErrCanceled
		default:
		}

		name, r, err := source.Next(ctx)
		if err == io.EOF {
			if ferr := finalize(); ferr != nil {
				return results, ferr
			}
			return results, nil
		}
		if err != nil {
			return results, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return results, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
		}

		if strings.HasSuffix(name, ".hmac") {
			return results, archive.ErrOrphanChunk
		}
		base, idx, ok := parseDataChunkName(name)
		if !ok {
			return results, archive.ErrUnsafeName
		}
		if err := archive.ValidateMemberName(base); err != nil {
			return results, err
		}

		hmacName, hr, err := source.Next(ctx)
		if err != nil {
			return results, archive.ErrOrphanChunk
		}
		macBytes, err := io.ReadAll(hr)
		hr.Close()
		if err != nil {
			return results, err
		}
		if hmacName != archive.HMACName(name) {
			return results, archive.ErrOrphanChunk
		}

		if c.cfg.OnChunkRead != nil {
			c.cfg.OnChunkRead(len(data))
		}

		if c.quota != nil {
			if !c.quota.AddFile() || !c.quota.AddBytes(int64(len(data))) {
				return results, archive.ErrQuotaExceeded
			}
		}

		if base == skipBase {
			continue
		}
		skipBase = ""

		if cur == nil || cur.base != base {
			if err := finalize(); err != nil {
				return results, err
			}
			mac, err := cryptoengine.NewMAC(c.cfg.Header.HMACAlgorithm, c.cfg.Passphrase)
			if err != nil {
				return results, err
			}
			buf := &bytes.Buffer{}
			cur = &memberAcc{base: base, buf: buf, joiner: archive.NewJoiner(buf, mac)}
		}

		if err := cur.joiner.Verify(idx, data, string(macBytes)); err != nil {
			if c.cfg.OnMACVerified != nil {
				c.cfg.OnMACVerified(false)
			}
			if c.cfg.SkipBroken {
				results = append(results, MemberResult{Name: base, State: StateFailed, Err: err})
				cur = nil
				skipBase = base
				continue
			}
			results = append(results, MemberResult{Name: base, State: StateFailed, Err: err})
			return results, err
		}
		if c.cfg.OnMACVerified != nil {
			c.cfg.OnMACVerified(true)
		}
		if c.tracker != nil {
			c.tracker.AddBytes(int64(len(data)))
		}
	}
}

// extractMember decrypts/decompresses cur's accumulated bytes and runs
// the inner tar extractor, writing the member's file into cfg.DestDir.
func (c *Consumer) extractMember(cur *memberAcc) MemberResult {
	res := MemberResult{Name: cur.base, State: StateExtracting}

	plain := cur.buf.Bytes()
	if c.cfg.Header.Encrypted {
		decrypted, err := cryptoengine.DecryptAll(plain, c.cfg.Header.CryptoAlgorithm, c.cfg.Passphrase)
		if err != nil {
			res.State = StateFailed
			res.Err = err
			return res
		}
		plain = decrypted
	}

	var src io.Reader = bytes.NewReader(plain)
	if c.cfg.Header.CompressionFilter == "gzip" {
		gz, err := gzip.NewReader(src)
		if err != nil {
			res.State = StateFailed
			res.Err = err
			return res
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	hdr, err := tr.Next()
	if err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: %v", archive.ErrTruncated, err)
		return res
	}

	if c.cfg.ShouldExtract != nil && !c.cfg.ShouldExtract(cur.base) {
		n, err := io.Copy(io.Discard, tr)
		if err != nil {
			res.State = StateFailed
			res.Err = fmt.Errorf("%w: %v", archive.ErrExtractFailed, err)
			return res
		}
		res.State = StateDone
		res.BytesWritten = n
		return res
	}

	destPath := filepath.Join(c.cfg.DestDir, filepath.FromSlash(hdr.Name))
	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
		return res
	}
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
	if err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
		return res
	}
	defer out.Close()
	n, err := io.Copy(out, tr)
	if err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: %v", archive.ErrExtractFailed, err)
		return res
	}

	res.State = StateDone
	res.BytesWritten = n
	return res
}
