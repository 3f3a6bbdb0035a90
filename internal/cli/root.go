// Package cli implements the thin cobra front-end over the backup/restore
// engine: flag parsing, passphrase loading, and translating
// internal/archive.EngineError into the documented process exit codes.
// The engine's actual logic lives in internal/pipeline, internal/plan
// and internal/catalog; this package only wires flags to those
// packages' entry points.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockvault/vmbackup/internal/archive"
	"github.com/blockvault/vmbackup/internal/observability"
	"github.com/blockvault/vmbackup/internal/progress"
)

// Version is set by cmd/vmbackup's main.go at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "vmbackup",
	Short:   "Streaming backup/restore engine for VM file trees",
	Version: Version,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the CLI and returns the process exit code (0 success;
// 1 user error; 2 integrity failure; 3 transport/disk I/O error;
// 4 canceled), translating any EngineError rootCmd.Execute surfaces.
func Execute(version string) int {
	Version = version
	rootCmd.Version = version

	tracker := progress.New(0, nil)
	ctx, cancel := progress.CancelableContext(rootCmdContext(), tracker)
	defer cancel()
	rootCtx = ctx
	rootTracker = tracker

	shutdownTracing, err := observability.InitTracing(ctx, "vmbackup")
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing init failed (continuing without it):", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ncanceling...")
		tracker.Cancel()
	}()

	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return archive.ExitOK
}

func exitCodeFor(err error) int {
	var eerr archive.EngineError
	if ok := asEngineError(err, &eerr); ok {
		return eerr.ExitCode()
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return archive.ExitUsageError
}

func asEngineError(err error, target *archive.EngineError) bool {
	for err != nil {
		if ee, ok := err.(archive.EngineError); ok {
			*target = ee
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

var logger = observability.NewLogger("vmbackup", "dev", os.Stderr)
