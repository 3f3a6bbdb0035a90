package plan

import (
	"path/filepath"
	"testing"

	"github.com/blockvault/vmbackup/internal/hostcatalog"
)

func openTestHost(t *testing.T, existing ...hostcatalog.Entry) hostcatalog.HostCatalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.db")
	c, err := hostcatalog.OpenBoltHostCatalog(path)
	if err != nil {
		t.Fatalf("OpenBoltHostCatalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	for _, e := range existing {
		if err := c.Put(e); err != nil {
			t.Fatalf("Put(%s): %v", e.Name, err)
		}
	}
	return c
}

func TestBuildRestoreInfo_Exclude(t *testing.T) {
	host := openTestHost(t)
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM"}}
	opts := Options{Exclude: map[string]struct{}{"work": {}}}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if v.GoodToGo() {
		t.Fatal("expected excluded VM to not be good to go")
	}
	if _, ok := v.Problems[ProblemExcluded]; !ok {
		t.Fatalf("expected EXCLUDED problem, got %+v", v.Problems)
	}
}

func TestBuildRestoreInfo_RenameConflicting(t *testing.T) {
	host := openTestHost(t, hostcatalog.Entry{Name: "work", Kind: "AppVM"})
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM"}}
	opts := Options{RenameConflicting: true}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if !v.GoodToGo() {
		t.Fatalf("expected renamed VM to be good to go, problems=%+v", v.Problems)
	}
	if v.Name != "work1" {
		t.Fatalf("expected renamed to work1, got %q", v.Name)
	}
}

func TestBuildRestoreInfo_RenameConflictingSkipsAllTakenSuffixes(t *testing.T) {
	host := openTestHost(t,
		hostcatalog.Entry{Name: "work", Kind: "AppVM"},
		hostcatalog.Entry{Name: "work1", Kind: "AppVM"},
		hostcatalog.Entry{Name: "work2", Kind: "AppVM"},
		hostcatalog.Entry{Name: "work3", Kind: "AppVM"},
		hostcatalog.Entry{Name: "work4", Kind: "AppVM"},
	)
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM"}}
	opts := Options{RenameConflicting: true}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if !v.GoodToGo() {
		t.Fatalf("expected renamed VM to be good to go, problems=%+v", v.Problems)
	}
	if v.Name != "work5" {
		t.Fatalf("expected renamed to work5 with work1..work4 already taken, got %q", v.Name)
	}
}

func TestBuildRestoreInfo_AlreadyExistsWithoutRename(t *testing.T) {
	host := openTestHost(t, hostcatalog.Entry{Name: "work", Kind: "AppVM"})
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM"}}
	opts := Options{RenameConflicting: false}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if v.GoodToGo() {
		t.Fatal("expected ALREADY_EXISTS problem")
	}
	if _, ok := v.Problems[ProblemAlreadyExists]; !ok {
		t.Fatalf("expected ALREADY_EXISTS, got %+v", v.Problems)
	}
}

func TestBuildRestoreInfo_MissingTemplateSubstitutesDefault(t *testing.T) {
	host := openTestHost(t, hostcatalog.Entry{Name: "fedora-38", Kind: "TemplateVM"})
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM", Template: "debian-12"}}
	opts := Options{UseDefaultTemplate: true, DefaultTemplate: "fedora-38"}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if !v.GoodToGo() {
		t.Fatalf("expected substitution to resolve, problems=%+v", v.Problems)
	}
	if v.Template != "fedora-38" || v.OrigTemplate != "debian-12" {
		t.Fatalf("unexpected template substitution: template=%q origTemplate=%q", v.Template, v.OrigTemplate)
	}
}

func TestBuildRestoreInfo_ExplicitTemplateSubstitutionWins(t *testing.T) {
	host := openTestHost(t, hostcatalog.Entry{Name: "fedora-38", Kind: "TemplateVM"}, hostcatalog.Entry{Name: "debian-12", Kind: "TemplateVM"})
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM", Template: "debian-12"}}
	opts := Options{TemplateSubstitutions: map[string]string{"debian-12": "fedora-38"}}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if !v.GoodToGo() {
		t.Fatalf("expected explicit substitution to resolve, problems=%+v", v.Problems)
	}
	if v.Template != "fedora-38" || v.OrigTemplate != "debian-12" {
		t.Fatalf("unexpected substitution: template=%q origTemplate=%q", v.Template, v.OrigTemplate)
	}
}

func TestBuildRestoreInfo_MissingTemplateNoDefault(t *testing.T) {
	host := openTestHost(t)
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM", Template: "debian-12"}}
	opts := Options{}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if v.GoodToGo() {
		t.Fatal("expected MISSING_TEMPLATE problem")
	}
	if _, ok := v.Problems[ProblemMissingTemplate]; !ok {
		t.Fatalf("expected MISSING_TEMPLATE, got %+v", v.Problems)
	}
}

func TestBuildRestoreInfo_TemplateResolvedFromBackup(t *testing.T) {
	host := openTestHost(t)
	entries := []CatalogEntry{
		{Name: "custom-tpl", Kind: "TemplateVM"},
		{Name: "work", Kind: "AppVM", Template: "custom-tpl"},
	}
	opts := Options{}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["work"]
	if !v.GoodToGo() {
		t.Fatalf("expected template resolved via backup, problems=%+v", v.Problems)
	}
}

func TestBuildRestoreInfo_MissingNetVM(t *testing.T) {
	host := openTestHost(t)
	entries := []CatalogEntry{{Name: "work", Kind: "AppVM", NetVM: "sys-firewall"}}

	infoMissing, err := BuildRestoreInfo(entries, host, Options{})
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	if infoMissing["work"].GoodToGo() == false {
		if _, ok := infoMissing["work"].Problems[ProblemMissingNetVM]; !ok {
			t.Fatalf("expected MISSING_NETVM, got %+v", infoMissing["work"].Problems)
		}
	} else {
		t.Fatal("expected MISSING_NETVM problem when no policy set")
	}

	infoNone, err := BuildRestoreInfo(entries, host, Options{UseNoneNetVM: true})
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	if !infoNone["work"].GoodToGo() {
		t.Fatalf("expected UseNoneNetVM to resolve, problems=%+v", infoNone["work"].Problems)
	}
}

func TestBuildRestoreInfo_UsernameMismatch(t *testing.T) {
	host := openTestHost(t)
	entries := []CatalogEntry{{Name: "dom0", Kind: "AdminVM"}}
	opts := Options{HostUsername: "alice", BackupUsername: "bob"}

	info, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	v := info["dom0"]
	if _, ok := v.Problems[ProblemUsernameMismatch]; !ok {
		t.Fatalf("expected USERNAME_MISMATCH, got %+v", v.Problems)
	}

	opts.IgnoreUsernameMismatch = true
	info2, err := BuildRestoreInfo(entries, host, opts)
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	if !info2["dom0"].GoodToGo() {
		t.Fatalf("expected ignore_username_mismatch to suppress the problem, got %+v", info2["dom0"].Problems)
	}
}

func TestSummary_Deterministic(t *testing.T) {
	host := openTestHost(t)
	entries := []CatalogEntry{{Name: "zeta", Kind: "AppVM"}, {Name: "alpha", Kind: "AppVM"}}
	info, err := BuildRestoreInfo(entries, host, Options{})
	if err != nil {
		t.Fatalf("BuildRestoreInfo: %v", err)
	}
	summary := Summary(info)
	alphaIdx := indexOf(summary, "alpha")
	zetaIdx := indexOf(summary, "zeta")
	if alphaIdx < 0 || zetaIdx < 0 || alphaIdx > zetaIdx {
		t.Fatalf("expected alpha before zeta in summary, got %q", summary)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
