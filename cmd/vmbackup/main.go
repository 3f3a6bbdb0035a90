// Command vmbackup is the CLI entrypoint for the streaming VM backup and
// restore engine: see internal/cli for the actual command tree.
package main

import (
	"os"

	"github.com/blockvault/vmbackup/internal/cli"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
