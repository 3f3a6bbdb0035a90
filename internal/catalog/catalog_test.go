package catalog

import (
	"testing"

	"github.com/blockvault/vmbackup/internal/plan"
)

func TestYAMLRoundTrip(t *testing.T) {
	doc := Document{Entries: []plan.CatalogEntry{
		{Name: "work", Label: "blue", Template: "fedora-38", NetVM: "sys-firewall", Kind: "AppVM", Subdir: "appvms/work", Size: 4096},
		{Name: "fedora-38", Kind: "TemplateVM", Subdir: "vm-templates/fedora-38", Size: 8192},
	}}

	data, err := (YAMLWriter{}).Write(doc)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := (YAMLParser{}).Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.Entries))
	}
	if got.Entries[0].Name != "work" || got.Entries[0].Subdir != "appvms/work" || got.Entries[0].Size != 4096 {
		t.Fatalf("unexpected first entry: %+v", got.Entries[0])
	}
	if got.Entries[1].Name != "fedora-38" || got.Entries[1].Kind != "TemplateVM" {
		t.Fatalf("unexpected second entry: %+v", got.Entries[1])
	}
}

func TestLegacyParser(t *testing.T) {
	data := []byte("name: work\nlabel: blue\ntemplate: fedora-38\nsubdir: appvms/work\nsize: 4096\n\nname: fedora-38\nkind: TemplateVM\nsubdir: vm-templates/fedora-38\nsize: 8192\n")

	doc, err := (LegacyParser{}).Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(doc.Entries))
	}
	if doc.Entries[0].Name != "work" || doc.Entries[0].Size != 4096 {
		t.Fatalf("unexpected first entry: %+v", doc.Entries[0])
	}
	if doc.Entries[1].Name != "fedora-38" || doc.Entries[1].Kind != "TemplateVM" {
		t.Fatalf("unexpected second entry: %+v", doc.Entries[1])
	}
}

func TestParserForVersion(t *testing.T) {
	if _, err := ParserForVersion("1"); err != nil {
		t.Fatalf("version 1: %v", err)
	}
	if _, err := ParserForVersion("4"); err != nil {
		t.Fatalf("version 4: %v", err)
	}
	if _, err := ParserForVersion("99"); err == nil {
		t.Fatal("expected error for unknown version")
	}
}
