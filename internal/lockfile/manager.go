package lockfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/stagehand/internal/environment/venv"
	"github.com/spachava753/stagehand/internal/models"
)

// ChangeDetector reports tracked files with uncommitted modifications.
type ChangeDetector interface {
	ModifiedFiles(ctx context.Context, paths ...string) ([]string, error)
}

// Manager regenerates and verifies lock files.
type Manager struct {
	Provisioner *venv.Provisioner
	VCS         ChangeDetector
	Logger      *slog.Logger
}

// NewManager creates a lock manager.
func NewManager(p *venv.Provisioner, vcs ChangeDetector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Provisioner: p, VCS: vcs, Logger: logger}
}

// ScratchEnvPath is where Refresh builds the throwaway environment for def:
// a hidden directory next to the first manifest.
func ScratchEnvPath(def models.LockDefinition) string {
	m := def.Manifests[0]
	return filepath.Join(filepath.Dir(m), "."+filepath.Base(m)+"-env")
}

// Generator is the command recorded in a lock file header.
func Generator(def models.LockDefinition) string {
	return "stagehand lock refresh " + def.Name
}

// Refresh regenerates def.Output from def.Manifests.
//
// A throwaway environment is created, seeded with the previous lock (when
// one exists) so unrelated pins stay stable, then every manifest is installed
// on top. The frozen result replaces the output and every copy together, or
// none of them. The environment is destroyed whether or not the refresh succeeded.
func (m *Manager) Refresh(ctx context.Context, def models.LockDefinition) (lock models.LockFile, err error) {
	if len(def.Manifests) == 0 || def.Output == "" {
		return lock, models.Configf("", "lock %q needs at least one manifest and an output", def.Name)
	}
	for _, manifest := range def.Manifests {
		if _, statErr := os.Stat(manifest); statErr != nil {
			return lock, models.Configf("", "lock %q: manifest %s: %v", def.Name, manifest, statErr)
		}
	}

	logger := m.Logger.With("lock", def.Name)
	env, err := m.Provisioner.Create(ctx, ScratchEnvPath(def))
	if err != nil {
		return lock, fmt.Errorf("creating scratch environment: %w", err)
	}
	defer func() {
		if _, derr := m.Provisioner.Destroy(context.WithoutCancel(ctx), env); derr != nil {
			err = errors.Join(err, fmt.Errorf("destroying scratch environment: %w", derr))
		}
	}()

	if _, statErr := os.Stat(def.Output); statErr == nil {
		logger.Debug("seeding with previous lock", "path", def.Output)
		if err := m.Provisioner.Install(ctx, env, def.Output); err != nil {
			return lock, err
		}
	}
	for _, manifest := range def.Manifests {
		if err := m.Provisioner.Install(ctx, env, manifest); err != nil {
			return lock, err
		}
	}

	frozen, err := m.Provisioner.Freeze(ctx, env)
	if err != nil {
		return lock, err
	}

	lock = models.LockFile{
		Path:      def.Output,
		Sources:   def.Manifests,
		Generator: Generator(def),
		Pins:      ParseFreeze(frozen),
	}
	data := Render(lock)

	dests := append([]string{def.Output}, def.Copies...)
	if err := WriteAll(ctx, dests, data); err != nil {
		return lock, err
	}

	logger.Info("lock refreshed", "output", def.Output, "pins", len(lock.Pins), "copies", len(def.Copies))
	return lock, nil
}

// WriteAll replaces every path with data. Each destination is first staged
// as a temporary file in its own directory; nothing is renamed into place
// until all of them are staged, so a failure leaves every path untouched.
func WriteAll(ctx context.Context, paths []string, data []byte) error {
	staged := make([]string, len(paths))
	defer func() {
		for _, tmp := range staged {
			if tmp != "" {
				os.Remove(tmp)
			}
		}
	}()

	g, _ := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			tmp, err := stage(path, data)
			staged[i] = tmp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, path := range paths {
		if err := os.Rename(staged[i], path); err != nil {
			return fmt.Errorf("replacing %s: %w", path, err)
		}
		staged[i] = ""
	}
	return nil
}

// stage writes data to a synced temporary file next to path and returns its
// name. On error the name of any partial file is still returned for cleanup.
func stage(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return name, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return name, fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return name, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(name, 0644); err != nil {
		return name, fmt.Errorf("writing %s: %w", path, err)
	}
	return name, nil
}

// Verify checks every lock definition for drift.
//
// Uncommitted modifications to any tracked requirements file are reported
// first, with ExitUncommittedRequirements. Otherwise each manifest must be
// satisfied by its lock (every name present, exact pins matching) and every
// copy must be byte-identical to its lock.
func (m *Manager) Verify(ctx context.Context, defs []models.LockDefinition) error {
	var tracked []string
	seen := map[string]struct{}{}
	for _, def := range defs {
		for _, f := range def.TrackedFiles() {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				tracked = append(tracked, f)
			}
		}
	}
	if len(tracked) == 0 {
		return nil
	}

	if m.VCS != nil {
		modified, err := m.VCS.ModifiedFiles(ctx, tracked...)
		if err != nil {
			return err
		}
		if len(modified) > 0 {
			return &models.DriftError{
				Files:  modified,
				Reason: "uncommitted requirements changes",
				Code:   models.ExitUncommittedRequirements,
			}
		}
	}

	var drifted []string
	for _, def := range defs {
		files, err := contentDrift(def)
		if err != nil {
			return err
		}
		drifted = append(drifted, files...)
	}
	if len(drifted) > 0 {
		return &models.DriftError{Files: drifted, Reason: "requirements out of sync with lock"}
	}
	return nil
}

func contentDrift(def models.LockDefinition) ([]string, error) {
	primary, err := os.ReadFile(def.Output)
	if errors.Is(err, os.ErrNotExist) {
		return []string{def.Output}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	lock, err := ParseLockFile(def.Output)
	if err != nil {
		return nil, err
	}
	pins := Index(lock.Pins)

	var drifted []string
	for _, path := range def.Manifests {
		manifest, err := ParseManifest(path)
		if err != nil {
			return nil, err
		}
		if !satisfied(manifest, pins) {
			drifted = append(drifted, path)
		}
	}
	for _, cp := range def.Copies {
		data, err := os.ReadFile(cp)
		if err != nil || !bytes.Equal(data, primary) {
			drifted = append(drifted, cp)
		}
	}
	return drifted, nil
}

// satisfied checks names and exact pins only; range specifiers are left to
// the resolver that produced the lock.
func satisfied(manifest models.Manifest, pins map[string]models.Requirement) bool {
	for _, req := range manifest.Requirements {
		pin, ok := pins[CanonicalName(req.Name)]
		if !ok {
			return false
		}
		if req.Pinned() && req.Constraint != pin.Constraint {
			return false
		}
	}
	return true
}
