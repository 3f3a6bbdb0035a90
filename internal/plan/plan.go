// Package plan implements restore planning: resolving a restore plan's
// name conflicts and template/netvm substitutions against a HostCatalog
// (one rename attempt per numeric suffix up to 99, then give up).
// Enumerating the VMs to back up is done in internal/cli, not here.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blockvault/vmbackup/internal/hostcatalog"
)

// Problem names one reason a VM is not good to go for restore.
type Problem string

const (
	ProblemExcluded         Problem = "EXCLUDED"
	ProblemAlreadyExists    Problem = "ALREADY_EXISTS"
	ProblemMissingTemplate  Problem = "MISSING_TEMPLATE"
	ProblemMissingNetVM     Problem = "MISSING_NETVM"
	ProblemUsernameMismatch Problem = "USERNAME_MISMATCH"
)

// CatalogEntry is one VM record from the parsed backup catalog
// snapshot, the planner's input.
type CatalogEntry struct {
	Name     string
	Label    string
	Template string // name, or "" for none
	NetVM    string // name, or "" for none
	Kind     string
	Subdir   string // archive subdir holding this VM's files
	Size     int64
}

// VMToRestore is one planned restore outcome.
type VMToRestore struct {
	Entry        CatalogEntry
	Subdir       string
	Size         int64
	Name         string // target name on host, possibly renamed
	Template     string // resolved target template name
	OrigTemplate string // set when Template was substituted
	NetVM        string // resolved target netvm name, "" for none
	Problems     map[Problem]struct{}
}

// GoodToGo reports whether v has no unresolved problems.
func (v *VMToRestore) GoodToGo() bool { return len(v.Problems) == 0 }

func (v *VMToRestore) addProblem(p Problem) {
	if v.Problems == nil {
		v.Problems = make(map[Problem]struct{})
	}
	v.Problems[p] = struct{}{}
}

// Options configures restore conflict resolution.
type Options struct {
	Exclude           map[string]struct{}
	RenameConflicting bool

	// TemplateSubstitutions maps a template name recorded in the backup
	// to the name it should be replaced with on this host (CLI
	// --replace-template OLD:NEW), consulted before the host/in-backup
	// presence check so an explicit substitution always wins.
	TemplateSubstitutions map[string]string
	UseDefaultTemplate    bool
	DefaultTemplate       string
	UseDefaultNetVM       bool
	UseNoneNetVM          bool
	IgnoreUsernameMismatch bool
	HostUsername           string // management-domain username on this host
	BackupUsername         string // username recorded in the backup

	// OnHostCatalogOp, if non-nil, is invoked after every host catalog
	// lookup this package makes, for metrics/logging.
	OnHostCatalogOp func(op string, err error)
}

func (o Options) reportLookup(err error) {
	if o.OnHostCatalogOp != nil {
		o.OnHostCatalogOp("lookup", err)
	}
}

// BuildRestoreInfo resolves entries into a name -> VMToRestore plan
// against host, applying the policy in Options in a fixed order:
// exclude, then name collision, then template, then netvm, then (for
// the management domain) username mismatch.
func BuildRestoreInfo(entries []CatalogEntry, host hostcatalog.HostCatalog, opts Options) (map[string]*VMToRestore, error) {
	restoreInfo := make(map[string]*VMToRestore, len(entries))
	for _, e := range entries {
		restoreInfo[e.Name] = &VMToRestore{
			Entry:    e,
			Subdir:   e.Subdir,
			Size:     e.Size,
			Name:     e.Name,
			Template: e.Template,
			NetVM:    e.NetVM,
		}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := restoreInfo[name]

		if _, excluded := opts.Exclude[name]; excluded {
			v.addProblem(ProblemExcluded)
			continue
		}

		if host != nil {
			_, found, err := host.Lookup(name)
			opts.reportLookup(err)
			if err != nil {
				return nil, err
			} else if found {
				if opts.RenameConflicting {
					newName, ok := generateNewName(name, restoreInfo, host, opts)
					if ok {
						v.Name = newName
					} else {
						v.addProblem(ProblemAlreadyExists)
					}
				} else {
					v.addProblem(ProblemAlreadyExists)
				}
			}
		}

		if v.Template != "" {
			resolveTemplate(v, restoreInfo, host, opts)
		}

		if v.NetVM != "" {
			resolveNetVM(v, restoreInfo, host, opts)
		}

		if name == "dom0" && !opts.IgnoreUsernameMismatch && opts.HostUsername != "" &&
			opts.BackupUsername != "" && opts.HostUsername != opts.BackupUsername {
			v.addProblem(ProblemUsernameMismatch)
		}
	}

	return restoreInfo, nil
}

func resolveTemplate(v *VMToRestore, restoreInfo map[string]*VMToRestore, host hostcatalog.HostCatalog, opts Options) {
	templateName := v.Template
	if sub, ok := opts.TemplateSubstitutions[templateName]; ok {
		v.OrigTemplate = templateName
		v.Template = sub
		return
	}
	hostHasIt := false
	if host != nil {
		e, found, err := host.Lookup(templateName)
		opts.reportLookup(err)
		if found && e.Kind == "TemplateVM" {
			hostHasIt = true
		}
	}
	inBackup := false
	if t, ok := restoreInfo[templateName]; ok && t.GoodToGo() && t.Entry.Kind == "TemplateVM" {
		inBackup = true
	}
	if hostHasIt || inBackup {
		return
	}
	if opts.UseDefaultTemplate && opts.DefaultTemplate != "" {
		v.OrigTemplate = templateName
		v.Template = opts.DefaultTemplate
		return
	}
	v.addProblem(ProblemMissingTemplate)
}

func resolveNetVM(v *VMToRestore, restoreInfo map[string]*VMToRestore, host hostcatalog.HostCatalog, opts Options) {
	netvmName := v.NetVM
	hostHasIt := false
	if host != nil {
		e, found, err := host.Lookup(netvmName)
		opts.reportLookup(err)
		if found && (e.Kind == "NetVM" || e.Kind == "ProxyVM") {
			hostHasIt = true
		}
	}
	inBackup := false
	if n, ok := restoreInfo[netvmName]; ok && n.GoodToGo() &&
		(n.Entry.Kind == "NetVM" || n.Entry.Kind == "ProxyVM") {
		inBackup = true
	}
	if hostHasIt || inBackup {
		return
	}
	switch {
	case opts.UseDefaultNetVM:
		v.NetVM = ""
	case opts.UseNoneNetVM:
		v.NetVM = ""
	default:
		v.addProblem(ProblemMissingNetVM)
	}
}

// generateNewName implements the reference rename scheme: truncate to
// 29 characters, then append the smallest integer N >= 1 (as a plain
// suffix, not zero-padded) not already used in restoreInfo's keys,
// values, or the host catalog, giving up at N=100.
func generateNewName(origName string, restoreInfo map[string]*VMToRestore, host hostcatalog.HostCatalog, opts Options) (string, bool) {
	base := origName
	if len(base) > 29 {
		base = base[:29]
	}
	for n := 1; n < 100; n++ {
		candidate := fmt.Sprintf("%s%d", base, n)
		if !nameCollides(candidate, restoreInfo, host, opts) {
			return candidate, true
		}
	}
	return "", false
}

func nameCollides(candidate string, restoreInfo map[string]*VMToRestore, host hostcatalog.HostCatalog, opts Options) bool {
	if _, ok := restoreInfo[candidate]; ok {
		return true
	}
	for _, v := range restoreInfo {
		if v.Name == candidate {
			return true
		}
	}
	if host != nil {
		_, found, err := host.Lookup(candidate)
		opts.reportLookup(err)
		if found {
			return true
		}
	}
	return false
}

// Summary produces a deterministic, name-sorted textual summary of the
// planned restore outcome for every VM.
func Summary(restoreInfo map[string]*VMToRestore) string {
	names := make([]string, 0, len(restoreInfo))
	for name := range restoreInfo {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		v := restoreInfo[name]
		status := "OK"
		if !v.GoodToGo() {
			problems := make([]string, 0, len(v.Problems))
			for p := range v.Problems {
				problems = append(problems, string(p))
			}
			sort.Strings(problems)
			status = strings.Join(problems, ",")
		}
		target := v.Name
		if target != name {
			fmt.Fprintf(&b, "%s -> %s: %s\n", name, target, status)
		} else {
			fmt.Fprintf(&b, "%s: %s\n", name, status)
		}
	}
	return b.String()
}
