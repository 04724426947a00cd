// Package lockfile parses dependency manifests, renders fully pinned lock
// files and keeps the two in sync.
package lockfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spachava753/stagehand/internal/models"
)

// HeaderPrefix starts the first line of every generated lock file.
const HeaderPrefix = "# You should not edit this file directly."

var separators = regexp.MustCompile(`[-_.]+`)

// CanonicalName normalises a distribution name so that "Scikit_Image",
// "scikit-image" and "scikit.image" compare equal.
func CanonicalName(name string) string {
	return separators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// ParseRequirementLine parses one line of a requirements file. ok is false
// for blank lines, comments and pip options such as -r or --index-url.
func ParseRequirementLine(line string) (req models.Requirement, ok bool) {
	if i := strings.Index(line, " #"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return models.Requirement{}, false
	}

	spec := line
	if i := strings.Index(spec, ";"); i >= 0 {
		spec = strings.TrimSpace(spec[:i])
	}
	end := strings.IndexAny(spec, "<>=!~[ @")
	if end < 0 {
		end = len(spec)
	}
	name := strings.TrimSpace(spec[:end])
	rest := spec[end:]
	if strings.HasPrefix(rest, "[") {
		if j := strings.Index(rest, "]"); j >= 0 {
			rest = rest[j+1:]
		}
	}
	return models.Requirement{
		Name:       name,
		Constraint: strings.ReplaceAll(strings.TrimSpace(rest), " ", ""),
		Line:       line,
	}, name != ""
}

// Parse reads requirements from r, skipping comments and options.
func Parse(r io.Reader) ([]models.Requirement, error) {
	var reqs []models.Requirement
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if req, ok := ParseRequirementLine(sc.Text()); ok {
			reqs = append(reqs, req)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// ParseManifest reads a loose requirements file.
func ParseManifest(path string) (models.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	defer f.Close()

	reqs, err := Parse(f)
	if err != nil {
		return models.Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return models.Manifest{Path: path, Requirements: reqs}, nil
}

// ParseLockFile reads a generated lock file, including the provenance
// recorded in its header.
func ParseLockFile(path string) (models.LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.LockFile{}, fmt.Errorf("reading lock file: %w", err)
	}

	lock := models.LockFile{Path: path}
	first, _, _ := strings.Cut(string(data), "\n")
	if strings.HasPrefix(first, HeaderPrefix) {
		if start, end := strings.Index(first, "("), strings.Index(first, ")"); start >= 0 && end > start {
			for _, s := range strings.Split(first[start+1:end], ",") {
				if s = strings.TrimSpace(s); s != "" {
					lock.Sources = append(lock.Sources, s)
				}
			}
		}
		if parts := strings.Split(first, "`"); len(parts) >= 3 {
			lock.Generator = parts[1]
		}
	}

	lock.Pins, err = Parse(strings.NewReader(string(data)))
	if err != nil {
		return models.LockFile{}, fmt.Errorf("parsing lock file %s: %w", path, err)
	}
	return lock, nil
}

// ParseFreeze turns `pip freeze` output into pins. Editable installs and the
// bogus pkg-resources entry some distributions emit are dropped.
func ParseFreeze(out string) []models.Requirement {
	var pins []models.Requirement
	for _, line := range strings.Split(out, "\n") {
		req, ok := ParseRequirementLine(line)
		if !ok || CanonicalName(req.Name) == "pkg-resources" {
			continue
		}
		pins = append(pins, req)
	}
	return pins
}

// Header returns the generated-file banner for lock.
func Header(lock models.LockFile) string {
	h := HeaderPrefix + "  Instead, you should edit one of the following files (" +
		strings.Join(lock.Sources, ", ") + ")"
	if lock.Generator != "" {
		h += " and run `" + lock.Generator + "`"
	}
	return h + "."
}

// Render produces the canonical bytes of lock: the header followed by one
// pin per line sorted by canonical name, so resolution order during install
// never shows up in the file. Duplicate names keep the first pin.
func Render(lock models.LockFile) []byte {
	pins := make([]models.Requirement, 0, len(lock.Pins))
	seen := make(map[string]struct{}, len(lock.Pins))
	for _, p := range lock.Pins {
		key := CanonicalName(p.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pins = append(pins, p)
	}
	sort.SliceStable(pins, func(i, j int) bool {
		return CanonicalName(pins[i].Name) < CanonicalName(pins[j].Name)
	})

	var b strings.Builder
	b.WriteString(Header(lock))
	b.WriteByte('\n')
	for _, p := range pins {
		b.WriteString(p.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Index maps canonical names to pins.
func Index(pins []models.Requirement) map[string]models.Requirement {
	idx := make(map[string]models.Requirement, len(pins))
	for _, p := range pins {
		if _, ok := idx[CanonicalName(p.Name)]; !ok {
			idx[CanonicalName(p.Name)] = p
		}
	}
	return idx
}
