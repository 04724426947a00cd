package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/stagehand/internal/environment/venv"
	"github.com/spachava753/stagehand/internal/logging"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

// fakePip simulates virtualenv and pip. Each freeze returns the same set of
// packages in a different order, as a resolver might.
type fakePip struct {
	freezes  atomic.Int32
	failOn   string
	packages []string
}

func (f *fakePip) handle(cmd shell.Command) (int, error) {
	switch {
	case cmd.Argv[0] == "virtualenv":
		return 0, os.MkdirAll(filepath.Join(cmd.Argv[len(cmd.Argv)-1], "bin"), 0755)
	case strings.HasSuffix(cmd.Argv[0], "pip") && cmd.Argv[1] == "freeze":
		n := int(f.freezes.Add(1))
		pkgs := append([]string(nil), f.packages...)
		for i := 0; i < n; i++ {
			pkgs = append(pkgs[1:], pkgs[0])
		}
		cmd.Stdout.Write([]byte(strings.Join(pkgs, "\n") + "\n"))
		return 0, nil
	case strings.HasSuffix(cmd.Argv[0], "pip") && f.failOn != "" && cmd.Argv[len(cmd.Argv)-1] == f.failOn:
		return 1, nil
	}
	return 0, nil
}

type setup struct {
	dir  string
	def  models.LockDefinition
	fake *shell.Fake
	pip  *fakePip
	mgr  *Manager
}

func newSetup(t *testing.T, vcs ChangeDetector) *setup {
	t.Helper()
	dir := t.TempDir()
	manifest := filepath.Join(dir, "REQUIREMENTS.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("numpy\nclick>=6\nscikit-image\n"), 0644))

	pip := &fakePip{packages: []string{"numpy==1.15.4", "click==7.0", "scikit-image==0.14.1", "scipy==1.1.0"}}
	fake := &shell.Fake{Handler: pip.handle}
	prov := venv.NewProvisioner("python3", false, fake, logging.Discard())

	return &setup{
		dir: dir,
		def: models.LockDefinition{
			Name:      "strict",
			Manifests: []string{manifest},
			Output:    filepath.Join(dir, "REQUIREMENTS-STRICT.txt"),
			Copies:    []string{filepath.Join(dir, "starfish", "REQUIREMENTS-STRICT.txt")},
		},
		fake: fake,
		pip:  pip,
		mgr:  NewManager(prov, vcs, logging.Discard()),
	}
}

func TestRefreshIsDeterministic(t *testing.T) {
	s := newSetup(t, nil)
	ctx := context.Background()

	_, err := s.mgr.Refresh(ctx, s.def)
	require.NoError(t, err)
	first, err := os.ReadFile(s.def.Output)
	require.NoError(t, err)

	_, err = s.mgr.Refresh(ctx, s.def)
	require.NoError(t, err)
	second, err := os.ReadFile(s.def.Output)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.True(t, strings.HasPrefix(string(first), HeaderPrefix))

	cp, err := os.ReadFile(s.def.Copies[0])
	require.NoError(t, err)
	assert.Equal(t, first, cp, "copy must be byte-identical")

	assert.NoDirExists(t, ScratchEnvPath(s.def), "scratch env must be destroyed")
}

func TestRefreshSeedsWithPreviousLock(t *testing.T) {
	s := newSetup(t, nil)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(s.def.Output, []byte("numpy==1.15.0\n"), 0644))

	_, err := s.mgr.Refresh(ctx, s.def)
	require.NoError(t, err)

	var installs []string
	for _, c := range s.fake.Commands() {
		if len(c.Argv) == 4 && c.Argv[1] == "install" {
			installs = append(installs, c.Argv[3])
		}
	}
	assert.Equal(t, []string{s.def.Output, s.def.Manifests[0]}, installs)
}

func TestRefreshFailureKeepsPreviousLock(t *testing.T) {
	s := newSetup(t, nil)
	s.pip.failOn = s.def.Manifests[0]
	previous := []byte("numpy==1.15.0\n")
	require.NoError(t, os.WriteFile(s.def.Output, previous, 0644))

	_, err := s.mgr.Refresh(context.Background(), s.def)

	var cmdErr *models.CommandError
	require.ErrorAs(t, err, &cmdErr)
	got, readErr := os.ReadFile(s.def.Output)
	require.NoError(t, readErr)
	assert.Equal(t, previous, got, "a failed refresh must not touch the lock")
	assert.NoFileExists(t, s.def.Copies[0])
	assert.NoDirExists(t, ScratchEnvPath(s.def))
}

func TestRefreshCopyFailureKeepsEveryLock(t *testing.T) {
	s := newSetup(t, nil)
	previous := []byte("numpy==1.15.0\n")
	require.NoError(t, os.WriteFile(s.def.Output, previous, 0644))
	// A file where the copy's directory should be makes the copy unwritable.
	blocker := filepath.Join(s.dir, "docs")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	s.def.Copies = append(s.def.Copies, filepath.Join(blocker, "REQUIREMENTS-STRICT.txt"))

	_, err := s.mgr.Refresh(context.Background(), s.def)
	require.Error(t, err)

	got, readErr := os.ReadFile(s.def.Output)
	require.NoError(t, readErr)
	assert.Equal(t, previous, got, "the primary lock must not change when a copy fails")
	assert.NoFileExists(t, s.def.Copies[0])

	leftovers, globErr := filepath.Glob(filepath.Join(s.dir, ".REQUIREMENTS-STRICT.txt.tmp-*"))
	require.NoError(t, globErr)
	assert.Empty(t, leftovers, "staged files must be removed")
	assert.NoDirExists(t, ScratchEnvPath(s.def))
}

func TestRefreshRefusesLeftoverScratchEnv(t *testing.T) {
	s := newSetup(t, nil)
	require.NoError(t, os.MkdirAll(ScratchEnvPath(s.def), 0755))

	_, err := s.mgr.Refresh(context.Background(), s.def)

	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.NoFileExists(t, s.def.Output)
}

type staticVCS []string

func (v staticVCS) ModifiedFiles(ctx context.Context, paths ...string) ([]string, error) {
	return v, nil
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("clean", func(t *testing.T) {
		s := newSetup(t, staticVCS(nil))
		_, err := s.mgr.Refresh(ctx, s.def)
		require.NoError(t, err)
		assert.NoError(t, s.mgr.Verify(ctx, []models.LockDefinition{s.def}))
	})

	t.Run("uncommitted changes", func(t *testing.T) {
		s := newSetup(t, staticVCS{"REQUIREMENTS-STRICT.txt"})
		err := s.mgr.Verify(ctx, []models.LockDefinition{s.def})

		var drift *models.DriftError
		require.ErrorAs(t, err, &drift)
		assert.Equal(t, []string{"REQUIREMENTS-STRICT.txt"}, drift.Files)
		assert.Equal(t, models.ExitUncommittedRequirements, models.ExitCodeOf(err))
	})

	t.Run("manifest not in lock", func(t *testing.T) {
		s := newSetup(t, staticVCS(nil))
		_, err := s.mgr.Refresh(ctx, s.def)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(s.def.Manifests[0], []byte("numpy\nxarray\n"), 0644))

		err = s.mgr.Verify(ctx, []models.LockDefinition{s.def})
		var drift *models.DriftError
		require.ErrorAs(t, err, &drift)
		assert.Equal(t, []string{s.def.Manifests[0]}, drift.Files)
		assert.Equal(t, models.ExitFailure, models.ExitCodeOf(err))
	})

	t.Run("stale copy", func(t *testing.T) {
		s := newSetup(t, staticVCS(nil))
		_, err := s.mgr.Refresh(ctx, s.def)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(s.def.Copies[0], []byte("numpy==1.0\n"), 0644))

		err = s.mgr.Verify(ctx, []models.LockDefinition{s.def})
		var drift *models.DriftError
		require.ErrorAs(t, err, &drift)
		assert.Equal(t, []string{s.def.Copies[0]}, drift.Files)
	})
}
