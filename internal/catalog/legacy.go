package catalog

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/blockvault/vmbackup/internal/plan"
)

// LegacyParser reads the version-1 catalog format: one VM per
// blank-line-separated block of "key: value" lines. Version-1 archives
// predate the structured YAML snapshot and the feature-triple bookkeeping
// it carries; a legacy restore still needs name/template/netvm/subdir to
// plan against, so this is a minimal reading of that older shape rather
// than a byte-for-byte reproduction of any one historical format.
type LegacyParser struct{}

func (LegacyParser) Parse(data []byte) (Document, error) {
	var entries []plan.CatalogEntry
	cur := plan.CatalogEntry{}
	hasFields := false

	flush := func() {
		if hasFields {
			entries = append(entries, cur)
		}
		cur = plan.CatalogEntry{}
		hasFields = false
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		hasFields = true
		switch key {
		case "name":
			cur.Name = value
		case "label":
			cur.Label = value
		case "template":
			cur.Template = value
		case "netvm":
			cur.NetVM = value
		case "kind":
			cur.Kind = value
		case "subdir":
			cur.Subdir = value
		case "size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.Size = n
			}
		}
	}
	flush()
	return Document{Entries: entries}, nil
}
