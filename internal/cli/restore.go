package cli

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockvault/vmbackup/internal/archive"
	"github.com/blockvault/vmbackup/internal/catalog"
	"github.com/blockvault/vmbackup/internal/config"
	"github.com/blockvault/vmbackup/internal/cryptoengine"
	"github.com/blockvault/vmbackup/internal/hostcatalog"
	"github.com/blockvault/vmbackup/internal/observability"
	"github.com/blockvault/vmbackup/internal/pipeline"
	"github.com/blockvault/vmbackup/internal/plan"
	"github.com/blockvault/vmbackup/internal/quota"
	"github.com/blockvault/vmbackup/internal/transport"
	"github.com/blockvault/vmbackup/internal/validate"
)

func init() {
	registerRestoreFlags(restoreCmd)
	restoreCmd.SilenceErrors = true
	restoreCmd.SilenceUsage = true
	rootCmd.AddCommand(restoreCmd)

	registerRestoreFlags(verifyCmd)
	verifyCmd.SilenceErrors = true
	verifyCmd.SilenceUsage = true
	rootCmd.AddCommand(verifyCmd)
}

func registerRestoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rsSource, "source", "", "Source directory holding the archive")
	cmd.Flags().StringVar(&rsSourceVM, "source-vm", "", "Read the archive from a helper process instead of a local directory")
	cmd.Flags().StringVar(&rsSourceAddr, "source-addr", "", "Listen for a QUIC connection on host:port instead of reading a local directory")
	cmd.Flags().StringVar(&rsFEC, "fec", "", "K:R Reed-Solomon parity shards expected on the --source-addr QUIC link (e.g. 8:2)")
	cmd.Flags().StringVar(&rsDestRoot, "dest-root", ".", "Directory under which each restored VM's files are written")
	cmd.Flags().StringVar(&rsPassphraseFile, "passphrase-file", "", "File holding the backup passphrase (required)")
	cmd.Flags().StringArrayVar(&rsExclude, "exclude", nil, "VM name to exclude from restore (repeatable)")
	cmd.Flags().BoolVar(&rsRenameConflicting, "rename-conflicting", false, "Rename a VM instead of failing on ALREADY_EXISTS")
	cmd.Flags().StringVar(&rsDefaultTemplate, "default-template", "", "Template to substitute when a VM's recorded template is missing")
	cmd.Flags().StringArrayVar(&rsReplaceTemplate, "replace-template", nil, "OLD:NEW template substitution (repeatable, takes priority over --default-template)")
	cmd.Flags().BoolVar(&rsDefaultNetVM, "default-netvm", false, "Clear a missing netvm instead of failing on MISSING_NETVM")
	cmd.Flags().BoolVar(&rsNoneNetVM, "none-netvm", false, "Same as --default-netvm: resolve a missing netvm to none")
	cmd.Flags().BoolVar(&rsIgnoreUsernameMismatch, "ignore-username-mismatch", false, "Ignore a dom0 username mismatch")
	cmd.Flags().StringVar(&rsHostUsername, "host-username", "", "Management-domain username on this host")
	cmd.Flags().BoolVar(&rsSkipBroken, "skip-broken", false, "Continue past a member with a bad MAC instead of aborting the run")
	cmd.Flags().BoolVar(&rsSkipDom0Home, "skip-dom0-home", false, "Do not restore the dom0 home directory snapshot")
	cmd.Flags().BoolVar(&rsIgnoreMissing, "ignore-missing", false, "Do not fail if a good-to-go VM's files never arrived")
	cmd.Flags().BoolVar(&rsAllowLegacyV1, "allow-legacy-v1", false, "Accept a header-less version-1 archive")
	cmd.Flags().BoolVar(&rsLegacyEncrypted, "legacy-encrypted", false, "A version-1 archive is encrypted (aes-256-cbc, no header to say so)")
	cmd.Flags().BoolVar(&rsLegacyCompressed, "legacy-compressed", false, "A version-1 archive is gzip-compressed (no header to say so)")
	cmd.Flags().StringVar(&rsHostCatalogPath, "host-catalog", "", "Bolt database path for the local host catalog (defaults to an in-memory-only run when empty)")
	cmd.Flags().Int64Var(&rsMaxFiles, "max-files", 0, "Ingress quota: max files (0 = unlimited)")
	cmd.Flags().Int64Var(&rsMaxBytes, "max-bytes", 0, "Ingress quota: max bytes (0 = unlimited)")
	cmd.Flags().StringVar(&rsMetricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics here for the run's duration")
}

var (
	rsSource                  string
	rsSourceVM                string
	rsSourceAddr              string
	rsFEC                     string
	rsDestRoot                string
	rsPassphraseFile          string
	rsExclude                 []string
	rsRenameConflicting       bool
	rsDefaultTemplate         string
	rsReplaceTemplate         []string
	rsDefaultNetVM            bool
	rsNoneNetVM               bool
	rsIgnoreUsernameMismatch  bool
	rsHostUsername            string
	rsSkipBroken              bool
	rsSkipDom0Home            bool
	rsIgnoreMissing           bool
	rsAllowLegacyV1           bool
	rsLegacyEncrypted         bool
	rsLegacyCompressed        bool
	rsHostCatalogPath         string
	rsMaxFiles                int64
	rsMaxBytes                int64
	rsMetricsAddr             string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Verify and extract an archive's VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd, false)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an archive's integrity without writing any files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd, true)
	},
}

var catalogChunkPattern = regexp.MustCompile(`^catalog\.(\d{3})$`)

func runRestore(cmd *cobra.Command, verifyOnly bool) error {
	if rsSource == "" && rsSourceVM == "" && rsSourceAddr == "" {
		return fmt.Errorf("one of --source, --source-vm or --source-addr is required")
	}

	passphrase, err := readPassphraseFile(rsPassphraseFile)
	if err != nil {
		return err
	}

	templateSubs, err := parseTemplateSubstitutions(rsReplaceTemplate)
	if err != nil {
		return err
	}

	hw := cryptoengine.DetectHardware()
	logger.Debug(fmt.Sprintf("cpu features: aes-ni=%v avx2=%v vendor=%s", hw.AESNI, hw.AVX2, hw.VendorID))

	cfg := config.Default().ApplyEnv()
	cfg.AllowLegacyV1 = rsAllowLegacyV1
	if rsMaxFiles > 0 {
		cfg.MaxIngressFiles = int(rsMaxFiles)
	}
	if rsMaxBytes > 0 {
		cfg.MaxIngressBytes = rsMaxBytes
	}

	ctx := rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	var src transport.Source
	switch {
	case rsSourceAddr != "":
		if verr := validate.Addr(rsSourceAddr); verr != nil {
			return fmt.Errorf("--source-addr: %w", verr)
		}
		src, err = transport.ListenQUIC(ctx, rsSourceAddr, nil, nil)
	case rsSourceVM != "":
		src, err = transport.NewHelperSource(ctx, []string{"qrexec-client-vm", rsSourceVM, "qubes.Restore"})
	default:
		src, err = transport.NewLocalFileSource(rsSource)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
	}
	defer src.Close()
	if rsFEC != "" {
		if _, _, ferr := parseFECShards(rsFEC); ferr != nil {
			return ferr
		}
		src = transport.NewFECSource(src)
	}

	peekable := transport.NewPeekable(src)

	header, err := readArchiveHeader(peekable, passphrase, cfg.AllowLegacyV1, rsLegacyEncrypted, rsLegacyCompressed)
	if err != nil {
		return err
	}

	catalogBytes, err := readCatalog(ctx, peekable, header, passphrase)
	if err != nil {
		return err
	}
	parser, err := catalog.ParserForVersion(header.Version)
	if err != nil {
		return err
	}
	doc, err := parser.Parse(catalogBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrCorruptHeader, err)
	}

	metrics := observability.NewMetrics()
	metrics.SetFECEnabled(rsFEC != "")

	var host hostcatalog.HostCatalog
	hostCatalogOpened := false
	if rsHostCatalogPath != "" {
		bolt, err := hostcatalog.OpenBoltHostCatalog(rsHostCatalogPath)
		if err != nil {
			return fmt.Errorf("%w: %v", archive.ErrTransportError, err)
		}
		defer bolt.Close()
		host = bolt
		hostCatalogOpened = true
	}

	excluded := make(map[string]struct{}, len(rsExclude))
	for _, name := range rsExclude {
		excluded[name] = struct{}{}
	}
	opts := plan.Options{
		Exclude:                excluded,
		RenameConflicting:      rsRenameConflicting,
		TemplateSubstitutions:  templateSubs,
		UseDefaultTemplate:     rsDefaultTemplate != "",
		DefaultTemplate:        rsDefaultTemplate,
		UseDefaultNetVM:        rsDefaultNetVM,
		UseNoneNetVM:           rsNoneNetVM,
		IgnoreUsernameMismatch: rsIgnoreUsernameMismatch,
		HostUsername:           rsHostUsername,
		OnHostCatalogOp:        metrics.RecordHostCatalogOp,
	}
	restoreInfo, err := plan.BuildRestoreInfo(doc.Entries, host, opts)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), plan.Summary(restoreInfo))

	destDir := rsDestRoot
	if verifyOnly {
		tmp, err := os.MkdirTemp(cfg.ScratchDir, "vmbackup-verify-*")
		if err != nil {
			return fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
		}
		defer os.RemoveAll(tmp)
		destDir = tmp
	}

	shouldExtract := buildShouldExtract(restoreInfo, verifyOnly, rsSkipDom0Home)

	var selectedBytes int64
	for _, v := range restoreInfo {
		selectedBytes += v.Size
	}
	minFiles, minBytes := config.RestoreQuotaMinimums(len(restoreInfo), selectedBytes)
	if cfg.MaxIngressFiles == 0 || cfg.MaxIngressFiles < minFiles {
		cfg.MaxIngressFiles = minFiles
	}
	if cfg.MaxIngressBytes == 0 || cfg.MaxIngressBytes < minBytes {
		cfg.MaxIngressBytes = minBytes
	}
	q := quota.NewCounter(cfg.MaxIngressFiles, cfg.MaxIngressBytes)

	health := observability.NewHealthChecker(Version)
	health.RegisterCheck("scratch_dir", observability.ScratchDirCheck(cfg.ScratchDir))
	if rsHostCatalogPath != "" {
		health.RegisterCheck("host_catalog", observability.HostCatalogCheck(hostCatalogOpened, rsHostCatalogPath))
	}
	if rsMetricsAddr != "" {
		cfg.MetricsAddr = rsMetricsAddr
	}
	if cfg.MetricsAddr != "" {
		go serveObservability(cfg.MetricsAddr, metrics, health)
	}
	metrics.RecordRunStart()
	runStart := time.Now()
	direction := "restore"
	if verifyOnly {
		direction = "verify"
	}

	decryptStart := time.Now()
	consumer := pipeline.NewConsumer(pipeline.ConsumerConfig{
		Header:        header,
		Passphrase:    passphrase,
		DestDir:       destDir,
		SkipBroken:    rsSkipBroken,
		ShouldExtract: shouldExtract,
		OnChunkRead:   metrics.RecordChunkRead,
		OnMACVerified: func(success bool) {
			metrics.RecordMacVerification(success)
			if success {
				metrics.RecordCryptoOperation("verify", header.HMACAlgorithm, time.Since(decryptStart).Seconds())
			} else {
				logger.MacVerificationFailed(runID(), "member chunk", 0)
				metrics.RecordChunkRetry("bad_mac")
			}
		},
	}, q, rootTracker)

	results, runErr := consumer.Run(ctx, peekable)
	metrics.RecordRunComplete(direction, runErr == nil, time.Since(runStart).Seconds())
	if runErr != nil {
		return runErr
	}

	if !rsIgnoreMissing {
		if err := checkAllGoodToGoArrived(restoreInfo, results, rsSkipDom0Home); err != nil {
			return err
		}
	}

	logger.BackupCompleted(runID(), totalBytesWritten(results), time.Since(runStart))
	fmt.Fprintf(cmd.OutOrStdout(), "%s complete: %d member(s) processed\n", direction, len(results))
	return nil
}

// readArchiveHeader reads and MAC-verifies the "header"/"header.hmac"
// entry pair. The header's own hmac-algorithm field is a hint, not
// ground truth: verification tries every algorithm on
// cryptoengine.MACAlgorithms in turn and fixes hmac-algorithm to
// whichever one actually validates the tag, failing with
// ErrCorruptHeader if none does. When the archive's first entry isn't
// named "header" it is a version-1 archive with no header record at
// all: the CLI's --legacy-encrypted/--legacy-compressed flags stand in
// for what the missing header would have recorded, since a true v1
// stream gives the reader no other way to learn them.
func readArchiveHeader(peekable *transport.PeekableSource, passphrase []byte, allowLegacy, legacyEncrypted, legacyCompressed bool) (archive.Header, error) {
	ctx := context.Background()
	name, r, err := peekable.Next(ctx)
	if err != nil {
		return archive.Header{}, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
	}
	if name != "header" {
		peekable.Unget(name, r, nil)
		if !allowLegacy {
			return archive.Header{}, archive.ErrLegacyNotAllowed
		}
		h := archive.Header{Version: "1", HMACAlgorithm: "SHA512"}
		if legacyEncrypted {
			h.Encrypted = true
			h.CryptoAlgorithm = "aes-256-cbc"
		}
		if legacyCompressed {
			h.Compressed = true
			h.CompressionFilter = "gzip"
		}
		return h, nil
	}

	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return archive.Header{}, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
	}
	header, err := archive.Read(bytes.NewReader(data))
	if err != nil {
		return archive.Header{}, err
	}

	hmacName, hr, err := peekable.Next(ctx)
	if err != nil || hmacName != "header.hmac" {
		return archive.Header{}, archive.ErrOrphanChunk
	}
	macBytes, err := io.ReadAll(hr)
	hr.Close()
	if err != nil {
		return archive.Header{}, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
	}
	resolved, err := archive.ResolveLegacyMAC(cryptoengine.MACAlgorithms, func(algo string) bool {
		mac, err := cryptoengine.NewMAC(algo, passphrase)
		if err != nil {
			return false
		}
		mac.Write(data)
		return hex.EncodeToString(mac.Sum(nil)) == string(macBytes)
	})
	if err != nil {
		return archive.Header{}, archive.ErrCorruptHeader
	}
	header.HMACAlgorithm = resolved
	return header, nil
}

// readCatalog drains the "catalog.NNN"/"catalog.NNN.hmac" chunk pairs
// the catalog snapshot was written as (Producer.ArchiveBytes mirror on
// the write side), verifying each against header.HMACAlgorithm via the
// same Joiner chunk-of-a-linear-stream logic Consumer.Run uses for VM
// members, then unget's the first non-catalog entry so Consumer.Run
// picks up exactly where this function left off.
func readCatalog(ctx context.Context, peekable *transport.PeekableSource, header archive.Header, passphrase []byte) ([]byte, error) {
	mac, err := cryptoengine.NewMAC(header.HMACAlgorithm, passphrase)
	if err != nil {
		return nil, err
	}
	var raw bytes.Buffer
	joiner := archive.NewJoiner(&raw, mac)

	for {
		name, r, err := peekable.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
		}
		m := catalogChunkPattern.FindStringSubmatch(name)
		if m == nil {
			peekable.Unget(name, r, nil)
			break
		}
		idx, _ := strconv.Atoi(m[1])
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
		}

		hmacName, hr, err := peekable.Next(ctx)
		if err != nil || hmacName != archive.HMACName(name) {
			return nil, archive.ErrOrphanChunk
		}
		macBytes, err := io.ReadAll(hr)
		hr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", archive.ErrReadFailed, err)
		}
		if err := joiner.Verify(idx, data, string(macBytes)); err != nil {
			return nil, err
		}
	}

	plainBytes := raw.Bytes()
	if header.Encrypted {
		decrypted, err := cryptoengine.DecryptAll(plainBytes, header.CryptoAlgorithm, passphrase)
		if err != nil {
			return nil, err
		}
		plainBytes = decrypted
	}
	if header.CompressionFilter == "gzip" {
		gz, err := gzip.NewReader(bytes.NewReader(plainBytes))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		plainBytes = decompressed
	}
	return plainBytes, nil
}

// buildShouldExtract returns the predicate Consumer.ConsumerConfig.ShouldExtract
// needs: a VM's member bytes are written to disk only if its plan came out
// good-to-go, we're not in --verify-only (which never writes anything),
// and it isn't the dom0 home snapshot under --skip-dom0-home.
func buildShouldExtract(restoreInfo map[string]*plan.VMToRestore, verifyOnly, skipDom0Home bool) func(base string) bool {
	goodSubdirs := make(map[string]bool, len(restoreInfo))
	for _, v := range restoreInfo {
		if v.GoodToGo() {
			goodSubdirs[v.Subdir] = true
		}
	}
	return func(base string) bool {
		if verifyOnly {
			return false
		}
		if skipDom0Home && strings.HasPrefix(base, "dom0-home/") {
			return false
		}
		for subdir := range goodSubdirs {
			if strings.HasPrefix(base, subdir+"/") {
				return true
			}
		}
		return false
	}
}

func checkAllGoodToGoArrived(restoreInfo map[string]*plan.VMToRestore, results []pipeline.MemberResult, skipDom0Home bool) error {
	arrived := make(map[string]bool, len(results))
	for _, r := range results {
		if r.State != pipeline.StateDone {
			continue
		}
		for _, v := range restoreInfo {
			if strings.HasPrefix(r.Name, v.Subdir+"/") {
				arrived[v.Subdir] = true
			}
		}
	}
	for name, v := range restoreInfo {
		if !v.GoodToGo() {
			continue
		}
		if skipDom0Home && strings.HasPrefix(v.Subdir, "dom0-home/") {
			continue
		}
		if !arrived[v.Subdir] {
			return fmt.Errorf("%w: VM %q (subdir %q) never arrived in the archive stream", archive.ErrTruncated, name, v.Subdir)
		}
	}
	return nil
}

func totalBytesWritten(results []pipeline.MemberResult) int64 {
	var n int64
	for _, r := range results {
		n += r.BytesWritten
	}
	return n
}

func parseTemplateSubstitutions(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	subs := make(map[string]string, len(raw))
	for _, s := range raw {
		old, new, ok := strings.Cut(s, ":")
		if !ok || old == "" || new == "" {
			return nil, fmt.Errorf("--replace-template value %q must be OLD:NEW", s)
		}
		subs[old] = new
	}
	return subs, nil
}
