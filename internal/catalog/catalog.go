// Package catalog implements the catalog adapter: reading and writing
// the VM metadata snapshot embedded in the archive. The archive treats
// that snapshot as an opaque, independently-parsed blob, so this package
// defines a concrete YAML shape for it and selects the parser by
// archive header version.
package catalog

import (
	"fmt"

	"github.com/blockvault/vmbackup/internal/plan"
)

// Document is the parsed catalog snapshot: every VM record the restore
// planner needs.
type Document struct {
	Entries []plan.CatalogEntry
}

// Parser turns raw catalog document bytes into a Document, or fails.
type Parser interface {
	Parse(data []byte) (Document, error)
}

// Writer sets the per-VM backup-content/backup-path/backup-size
// feature triple on entries before serializing the snapshot.
type Writer interface {
	Write(doc Document) ([]byte, error)
}

// ParserForVersion selects the catalog parser matching an archive
// header's version: version 1 uses the flat legacy format, version >= 2
// uses the YAML document.
func ParserForVersion(version string) (Parser, error) {
	switch version {
	case "1":
		return LegacyParser{}, nil
	case "2", "3", "4":
		return YAMLParser{}, nil
	default:
		return nil, fmt.Errorf("catalog: no parser registered for archive version %q", version)
	}
}
