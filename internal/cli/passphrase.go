package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/blockvault/vmbackup/internal/validate"
)

// readPassphraseFile reads a passphrase from path, trimming one trailing
// LF and then one trailing CR (so an LF, CRLF or lone CR line ending is
// removed), so a shell-authored file with a trailing editor newline
// round-trips.
func readPassphraseFile(path string) ([]byte, error) {
	if err := validate.FilePath(path, true); err != nil {
		return nil, fmt.Errorf("--passphrase-file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	if len(data) == 0 {
		return nil, fmt.Errorf("passphrase file %q is empty", path)
	}
	return data, nil
}
