package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the engine.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger. Level is read from
// VMBACKUP_LOG_LEVEL ("debug", "info", "warn", "error"); defaults to info.
func NewLogger(component, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("VMBACKUP_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}

	logger := zerolog.New(output).Level(level).With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithRun adds run_id context (one run_id per backup/restore invocation).
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{logger: l.logger.With().Str("run_id", runID).Logger()}
}

// WithArchive adds archive/vm context.
func (l *Logger) WithArchive(vmName, archivePath string) *Logger {
	return &Logger{logger: l.logger.With().
		Str("vm", vmName).
		Str("archive_path", archivePath).
		Logger()}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }

func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// BackupStarted logs the start of a backup run.
func (l *Logger) BackupStarted(runID string, vmCount int, destination string) {
	l.logger.Info().
		Str("run_id", runID).
		Int("vm_count", vmCount).
		Str("destination", destination).
		Msg("backup started")
}

// MemberArchived logs completion of one VM's archive member.
func (l *Logger) MemberArchived(runID, vmName string, bytesWritten int64, chunkCount int) {
	l.logger.Info().
		Str("run_id", runID).
		Str("vm", vmName).
		Int64("bytes_written", bytesWritten).
		Int("chunk_count", chunkCount).
		Msg("archive member written")
}

// ChunkSealed logs a single chunk + MAC pair being handed to the sender.
func (l *Logger) ChunkSealed(runID, vmName string, chunkIndex, chunkSize int) {
	l.logger.Debug().
		Str("run_id", runID).
		Str("vm", vmName).
		Int("chunk_index", chunkIndex).
		Int("chunk_size", chunkSize).
		Msg("chunk sealed")
}

// BackupProgress logs byte-based progress.
func (l *Logger) BackupProgress(runID string, bytesDone, bytesTotal int64, elapsed time.Duration) {
	var frac float64
	if bytesTotal > 0 {
		frac = float64(bytesDone) / float64(bytesTotal)
	}
	l.logger.Info().
		Str("run_id", runID).
		Int64("bytes_done", bytesDone).
		Int64("bytes_total", bytesTotal).
		Float64("fraction", frac).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("progress")
}

// BackupCompleted logs a successful backup/restore completion.
func (l *Logger) BackupCompleted(runID string, totalBytes int64, duration time.Duration) {
	l.logger.Info().
		Str("run_id", runID).
		Int64("total_bytes", totalBytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("run completed successfully")
}

// MacVerificationFailed logs a BadMac event during restore.
func (l *Logger) MacVerificationFailed(runID, memberName string, chunkIndex int) {
	l.logger.Error().
		Str("run_id", runID).
		Str("member", memberName).
		Int("chunk_index", chunkIndex).
		Msg("chunk MAC verification failed")
}

// Canceled logs cooperative cancellation being observed.
func (l *Logger) Canceled(runID string, stage string) {
	l.logger.Warn().
		Str("run_id", runID).
		Str("stage", stage).
		Msg("run canceled")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
