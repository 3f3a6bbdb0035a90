package catalog

import (
	"gopkg.in/yaml.v3"

	"github.com/blockvault/vmbackup/internal/plan"
)

// yamlDocument is the on-wire shape of a version >= 2 catalog snapshot.
type yamlDocument struct {
	VMs []yamlVM `yaml:"vms"`
}

type yamlVM struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label,omitempty"`
	Template string `yaml:"template,omitempty"`
	NetVM    string `yaml:"netvm,omitempty"`
	Kind     string `yaml:"kind"`

	// Feature triple set by Write at backup time, read back by the
	// restore planner to locate this VM's files in the archive.
	BackupContent bool   `yaml:"backup-content,omitempty"`
	BackupPath    string `yaml:"backup-path,omitempty"`
	BackupSize    int64  `yaml:"backup-size,omitempty"`
}

// YAMLParser reads the version >= 2 catalog document.
type YAMLParser struct{}

func (YAMLParser) Parse(data []byte) (Document, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	entries := make([]plan.CatalogEntry, 0, len(doc.VMs))
	for _, v := range doc.VMs {
		entries = append(entries, plan.CatalogEntry{
			Name:     v.Name,
			Label:    v.Label,
			Template: v.Template,
			NetVM:    v.NetVM,
			Kind:     v.Kind,
			Subdir:   v.BackupPath,
			Size:     v.BackupSize,
		})
	}
	return Document{Entries: entries}, nil
}

// YAMLWriter serializes a Document back into the version >= 2 shape,
// setting each entry's backup-content/backup-path/backup-size triple.
type YAMLWriter struct{}

func (YAMLWriter) Write(doc Document) ([]byte, error) {
	out := yamlDocument{VMs: make([]yamlVM, 0, len(doc.Entries))}
	for _, e := range doc.Entries {
		out.VMs = append(out.VMs, yamlVM{
			Name:          e.Name,
			Label:         e.Label,
			Template:      e.Template,
			NetVM:         e.NetVM,
			Kind:          e.Kind,
			BackupContent: true,
			BackupPath:    e.Subdir,
			BackupSize:    e.Size,
		})
	}
	return yaml.Marshal(out)
}
