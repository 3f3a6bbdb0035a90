package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockvault/vmbackup/internal/archive"
	"github.com/blockvault/vmbackup/internal/catalog"
	"github.com/blockvault/vmbackup/internal/config"
	"github.com/blockvault/vmbackup/internal/cryptoengine"
	"github.com/blockvault/vmbackup/internal/observability"
	"github.com/blockvault/vmbackup/internal/pipeline"
	"github.com/blockvault/vmbackup/internal/plan"
	"github.com/blockvault/vmbackup/internal/transport"
	"github.com/blockvault/vmbackup/internal/validate"
)

func init() {
	backupCmd.SilenceErrors = true
	backupCmd.SilenceUsage = true
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringVar(&bkDest, "dest", "", "Destination directory for the archive")
	backupCmd.Flags().StringVar(&bkDestVM, "dest-vm", "", "Run the destination as a helper process instead of a local directory")
	backupCmd.Flags().StringVar(&bkDestAddr, "dest-addr", "", "Dial this host:port over QUIC instead of a local directory or helper process")
	backupCmd.Flags().StringVar(&bkFEC, "fec", "", "K:R Reed-Solomon parity shards over the --dest-addr QUIC link (e.g. 8:2)")
	backupCmd.Flags().BoolVar(&bkEncrypt, "encrypt", false, "Encrypt the archive")
	backupCmd.Flags().BoolVar(&bkNoEncrypt, "no-encrypt", false, "Do not encrypt the archive (default)")
	backupCmd.Flags().BoolVar(&bkCompress, "compress", false, "Compress each archive member")
	backupCmd.Flags().StringVar(&bkCompressFilter, "compress-filter", "gzip", "Compression filter name")
	backupCmd.Flags().StringVar(&bkEncAlgo, "enc-algo", "aes-256-cbc", "Symmetric cipher: aes-256-cbc or chacha20-poly1305")
	backupCmd.Flags().StringVar(&bkHMACAlgo, "hmac-algo", "SHA512", "MAC algorithm: SHA512 or BLAKE3")
	backupCmd.Flags().StringVar(&bkPassphraseFile, "passphrase-file", "", "File holding the backup passphrase (required)")
	backupCmd.Flags().StringArrayVar(&bkExclude, "exclude", nil, "VM name to exclude (repeatable)")
	backupCmd.Flags().StringVar(&bkTmpDir, "tmpdir", "", "Scratch directory override")
	backupCmd.Flags().StringVar(&bkVMRoot, "vm-root", ".", "Directory under which each VM name is a subdirectory of files to archive")
	backupCmd.Flags().StringVar(&bkMetricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics here for the run's duration")

	_ = backupCmd.MarkFlagRequired("passphrase-file")
}

var (
	bkDest           string
	bkDestVM         string
	bkDestAddr       string
	bkFEC            string
	bkEncrypt        bool
	bkNoEncrypt      bool
	bkCompress       bool
	bkCompressFilter string
	bkEncAlgo        string
	bkHMACAlgo       string
	bkPassphraseFile string
	bkExclude        []string
	bkTmpDir         string
	bkVMRoot         string
	bkMetricsAddr    string
)

var backupCmd = &cobra.Command{
	Use:   "backup [VM...]",
	Short: "Archive one or more VM file trees",
	Long: `Archive the file trees of the named VMs (each resolved as a
subdirectory of --vm-root) into an authenticated, optionally compressed
and encrypted archive.`,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, vmNames []string) error {
	if bkEncrypt && bkNoEncrypt {
		return fmt.Errorf("--encrypt and --no-encrypt are mutually exclusive")
	}
	encrypt := bkEncrypt
	if !cryptoengine.IsSupportedCipher(bkEncAlgo) {
		return fmt.Errorf("unknown --enc-algo %q", bkEncAlgo)
	}
	if !cryptoengine.IsSupportedMAC(bkHMACAlgo) {
		return fmt.Errorf("unknown --hmac-algo %q", bkHMACAlgo)
	}

	passphrase, err := readPassphraseFile(bkPassphraseFile)
	if err != nil {
		return err
	}

	cfg := config.Default().ApplyEnv()
	cfg.CompressionFilter = bkCompressFilter
	cfg.HMACAlgorithm = bkHMACAlgo
	cfg.CipherAlgorithm = bkEncAlgo
	cfg.Encrypt = encrypt
	if bkTmpDir != "" {
		cfg.ScratchDir = bkTmpDir
	}
	if bkMetricsAddr != "" {
		cfg.MetricsAddr = bkMetricsAddr
	}

	excluded := make(map[string]struct{}, len(bkExclude))
	for _, name := range bkExclude {
		excluded[name] = struct{}{}
	}
	var selected []string
	for _, name := range vmNames {
		if _, skip := excluded[name]; skip {
			continue
		}
		selected = append(selected, name)
	}
	if len(selected) == 0 {
		return fmt.Errorf("no VMs selected (all excluded, or none named)")
	}

	hw := cryptoengine.DetectHardware()
	logger.Debug(fmt.Sprintf("cpu features: aes-ni=%v avx2=%v vendor=%s", hw.AESNI, hw.AVX2, hw.VendorID))

	metrics := observability.NewMetrics()
	metrics.SetFECEnabled(bkFEC != "")
	health := observability.NewHealthChecker(Version)
	health.RegisterCheck("scratch_dir", observability.ScratchDirCheck(cfg.ScratchDir))
	if cfg.MetricsAddr != "" {
		go serveObservability(cfg.MetricsAddr, metrics, health)
	}
	metrics.RecordRunStart()
	runStart := time.Now()

	ctx := rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	var sink transport.Sink
	switch {
	case bkDestAddr != "":
		if verr := validate.Addr(bkDestAddr); verr != nil {
			return fmt.Errorf("--dest-addr: %w", verr)
		}
		sink, err = transport.NewQUICSink(ctx, bkDestAddr)
	case bkDestVM != "":
		sink, err = transport.NewHelperSink(ctx, []string{"qrexec-client-vm", bkDestVM, "qubes.Backup"})
	case bkDest != "":
		sink, err = transport.NewLocalFileSink(bkDest)
	default:
		err = fmt.Errorf("one of --dest, --dest-vm or --dest-addr is required")
	}
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrWriteFailed, err)
	}
	if bkFEC != "" {
		k, r, ferr := parseFECShards(bkFEC)
		if ferr != nil {
			return ferr
		}
		sink, err = transport.NewFECSink(sink, k, r)
		if err != nil {
			return err
		}
	}

	members, qidOf, err := resolveBackupMembers(bkVMRoot, selected, encrypt)
	if err != nil {
		return err
	}

	pcfg := pipeline.ProducerConfig{
		ChunkSize:         int(cfg.ChunkSize),
		Compress:          bkCompress,
		CompressionFilter: cfg.CompressionFilter,
		Encrypt:           encrypt,
		CipherAlgorithm:   cfg.CipherAlgorithm,
		HMACAlgorithm:     cfg.HMACAlgorithm,
		Passphrase:        passphrase,
	}
	onSent := func(name string, n int) {
		metrics.RecordChunkWritten(n)
		logger.ChunkSealed(runID(), name, 0, n)
	}
	producer := pipeline.NewProducer(pcfg, sink, cfg.QueueDepth, rootTracker, onSent)

	var wg sync.WaitGroup
	var senderErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		senderErr = producer.RunSender(ctx)
	}()

	runErr := func() error {
		header := archive.Header{
			Version:           archive.CurrentVersion,
			HMACAlgorithm:     cfg.HMACAlgorithm,
			CompressionFilter: "",
			Encrypted:         encrypt,
			Compressed:        bkCompress,
		}
		if bkCompress {
			header.CompressionFilter = cfg.CompressionFilter
		}
		if encrypt {
			header.CryptoAlgorithm = cfg.CipherAlgorithm
		}
		var headerBuf bytes.Buffer
		if err := archive.Write(&headerBuf, header); err != nil {
			return err
		}
		mac, err := cryptoengine.NewMAC(cfg.HMACAlgorithm, passphrase)
		if err != nil {
			return err
		}
		mac.Write(headerBuf.Bytes())
		headerMAC := hex.EncodeToString(mac.Sum(nil))
		if err := producer.Queue().Enqueue(ctx, "header", headerBuf.Bytes()); err != nil {
			return err
		}
		if err := producer.Queue().Enqueue(ctx, "header.hmac", []byte(headerMAC)); err != nil {
			return err
		}

		doc := catalog.Document{Entries: make([]plan.CatalogEntry, 0, len(selected))}
		for _, name := range selected {
			subdir := backupSubdir(name, qidOf[name], encrypt)
			doc.Entries = append(doc.Entries, plan.CatalogEntry{
				Name:   name,
				Kind:   "AppVM",
				Subdir: subdir,
			})
		}
		catalogBytes, err := (catalog.YAMLWriter{}).Write(doc)
		if err != nil {
			return err
		}
		if _, err := producer.ArchiveBytes(ctx, "catalog", catalogBytes); err != nil {
			return err
		}

		for _, m := range members {
			memberStart := time.Now()
			n, chunks, err := producer.ArchiveMember(ctx, m)
			if encrypt {
				metrics.RecordCryptoOperation("encrypt", cfg.CipherAlgorithm, time.Since(memberStart).Seconds())
			}
			if err != nil {
				return err
			}
			logger.MemberArchived(runID(), m.MemberName, n, chunks)
		}
		producer.Queue().Close()
		return nil
	}()

	wg.Wait()
	if runErr != nil {
		metrics.RecordRunComplete("backup", false, time.Since(runStart).Seconds())
		return runErr
	}
	if senderErr != nil {
		metrics.RecordRunComplete("backup", false, time.Since(runStart).Seconds())
		return senderErr
	}
	metrics.RecordRunComplete("backup", true, time.Since(runStart).Seconds())
	logger.BackupCompleted(runID(), 0, time.Since(runStart))
	fmt.Fprintf(cmd.OutOrStdout(), "backup complete: %d VM(s) archived to %s\n", len(selected), destinationLabel())
	return nil
}

func destinationLabel() string {
	switch {
	case bkDestAddr != "":
		return bkDestAddr
	case bkDestVM != "":
		return bkDestVM
	default:
		return bkDest
	}
}

// parseFECShards parses a "K:R" flag value into data/parity shard counts.
func parseFECShards(s string) (k, r int, err error) {
	before, after, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("--fec value %q must be K:R", s)
	}
	k, err = strconv.Atoi(before)
	if err != nil {
		return 0, 0, fmt.Errorf("--fec value %q: bad K: %v", s, err)
	}
	r, err = strconv.Atoi(after)
	if err != nil {
		return 0, 0, fmt.Errorf("--fec value %q: bad R: %v", s, err)
	}
	return k, r, nil
}

// resolveBackupMembers walks each selected VM's directory under vmRoot and
// returns one MemberSpec per regular file found, plus the qid this run
// assigned each VM (used only for --encrypt's "vm<qid>/" subdir naming;
// real qid assignment lives in the VM object model this tool doesn't
// own, so this run-local counter stands in for it).
func resolveBackupMembers(vmRoot string, names []string, encrypt bool) ([]pipeline.MemberSpec, map[string]int, error) {
	qidOf := make(map[string]int, len(names))
	var members []pipeline.MemberSpec
	nextQID := 2
	for _, name := range names {
		qidOf[name] = nextQID
		nextQID++

		vmDir := filepath.Join(vmRoot, name)
		info, err := os.Stat(vmDir)
		if err != nil || !info.IsDir() {
			return nil, nil, fmt.Errorf("VM %q not found under %s", name, vmRoot)
		}
		subdir := backupSubdir(name, qidOf[name], encrypt)

		err = filepath.Walk(vmDir, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(vmDir, path)
			if err != nil {
				return err
			}
			memberName := filepath.ToSlash(filepath.Join(subdir, rel))
			if verr := archive.ValidateMemberName(memberName); verr != nil {
				return verr
			}
			members = append(members, pipeline.MemberSpec{SrcPath: path, MemberName: memberName})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return members, qidOf, nil
}

func backupSubdir(name string, qid int, encrypt bool) string {
	if name == "dom0" {
		return filepath.ToSlash(filepath.Join("dom0-home", name))
	}
	if encrypt {
		return fmt.Sprintf("vm%d", qid)
	}
	return name
}

func serveObservability(addr string, metrics *observability.Metrics, health *observability.HealthChecker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

func runID() string { return fmt.Sprintf("run-%d", time.Now().UnixNano()) }
