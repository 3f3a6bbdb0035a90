package cli

import (
	"context"

	"github.com/blockvault/vmbackup/internal/progress"
)

// rootCtx and rootTracker are set once by Execute and shared by every
// subcommand's RunE, so Ctrl-C cancels whichever run is in flight.
var (
	rootCtx     context.Context
	rootTracker *progress.Tracker
)

func rootCmdContext() context.Context { return context.Background() }
