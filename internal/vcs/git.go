// Package vcs answers the version-control questions the release workflow and
// the lock drift check ask: which tag is checked out, is the tree clean, and
// which tracked files carry uncommitted changes.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spachava753/stagehand/internal/shell"
)

// State classifies the working tree relative to release tags.
type State string

const (
	StateUntagged    State = "untagged"
	StateTaggedClean State = "tagged-clean"
	StateTaggedDirty State = "tagged-dirty"
)

// VersionInfo is the structured result of a version query.
type VersionInfo struct {
	Version string
	State   State
}

// Git queries a repository through the git CLI.
type Git struct {
	Dir    string
	Runner shell.Runner
}

// New creates a Git for the repository at dir.
func New(dir string, r shell.Runner) *Git {
	return &Git{Dir: dir, Runner: r}
}

func (g *Git) output(ctx context.Context, args ...string) (string, error) {
	return shell.Output(ctx, g.Runner, shell.Command{
		Argv: append([]string{"git"}, args...),
		Dir:  g.Dir,
	})
}

// Version reports the annotated tag at HEAD and whether tracked files are
// modified. A HEAD without an exact annotated tag is untagged; lightweight
// tags do not count.
func (g *Git) Version(ctx context.Context) (VersionInfo, error) {
	tag, err := g.output(ctx, "describe", "--exact-match", "HEAD")
	tag = strings.TrimSpace(tag)
	if err != nil || tag == "" {
		if ctx.Err() != nil {
			return VersionInfo{}, ctx.Err()
		}
		return VersionInfo{State: StateUntagged}, nil
	}

	status, err := g.output(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return VersionInfo{}, fmt.Errorf("querying working tree status: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		return VersionInfo{Version: tag, State: StateTaggedDirty}, nil
	}
	return VersionInfo{Version: tag, State: StateTaggedClean}, nil
}

var dirtyMarker = regexp.MustCompile(`(?i)(^|[.+-])dirty($|[.+-])`)

// FromDescribe interprets an operator-supplied version string such as the
// output of `git describe --dirty` or a setuptools version. This is the only
// place a textual marker is consulted; repository queries use Version.
func FromDescribe(s string) VersionInfo {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return VersionInfo{State: StateUntagged}
	case dirtyMarker.MatchString(s):
		return VersionInfo{Version: s, State: StateTaggedDirty}
	default:
		return VersionInfo{Version: s, State: StateTaggedClean}
	}
}

// ModifiedFiles returns the subset of paths that have uncommitted changes
// (staged, unstaged or untracked), in the order git reports them.
func (g *Git) ModifiedFiles(ctx context.Context, paths ...string) ([]string, error) {
	args := []string{"status", "--porcelain", "--"}
	args = append(args, paths...)
	out, err := g.output(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("querying modified files: %w", err)
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files
}

// ErrTagExists is returned by Tag when the tag is already present.
var ErrTagExists = errors.New("tag already exists")

// Tag creates an annotated tag at HEAD.
func (g *Git) Tag(ctx context.Context, tag, message string) error {
	if _, err := g.output(ctx, "rev-parse", "-q", "--verify", "refs/tags/"+tag); err == nil {
		return fmt.Errorf("%s: %w", tag, ErrTagExists)
	}
	if message == "" {
		message = "Release " + tag
	}
	if _, err := g.output(ctx, "tag", "-a", tag, "-m", message); err != nil {
		return fmt.Errorf("creating tag %s: %w", tag, err)
	}
	return nil
}
