package models

import "strings"

// Requirement is a single dependency constraint, e.g. "numpy>=1.14" or a
// fully pinned "numpy==1.15.4".
type Requirement struct {
	Name       string
	Constraint string // may be empty
	Line       string // original text, used when rendering non-pinned entries
}

// Pinned reports whether the requirement names exactly one version.
func (r Requirement) Pinned() bool {
	return strings.HasPrefix(r.Constraint, "==")
}

// String renders the requirement in pip syntax.
func (r Requirement) String() string {
	if r.Line != "" {
		return r.Line
	}
	return r.Name + r.Constraint
}

// Manifest is an unordered set of loose dependency constraints.
type Manifest struct {
	Path         string
	Requirements []Requirement
}

// LockFile is a fully pinned snapshot derived from one or more manifests.
type LockFile struct {
	Path      string
	Sources   []string // manifests the lock was derived from
	Generator string   // command an operator runs to regenerate it
	Pins      []Requirement
}

// LockDefinition describes how a lock file is produced and where copies live.
type LockDefinition struct {
	Name      string   `yaml:"-"`
	Manifests []string `yaml:"manifests"`
	Output    string   `yaml:"output"`
	Copies    []string `yaml:"copies,omitempty"`
}

// TrackedFiles lists every file drift checks care about.
func (d LockDefinition) TrackedFiles() []string {
	files := make([]string, 0, len(d.Manifests)+1+len(d.Copies))
	files = append(files, d.Manifests...)
	files = append(files, d.Output)
	files = append(files, d.Copies...)
	return files
}
