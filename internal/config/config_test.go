package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spachava753/stagehand/internal/config"
	"github.com/spachava753/stagehand/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoadTaskfile(t *testing.T) {
	path := writeFile(t, "stagehand.yaml", `vars:
  python: python3
  src: starfish
env:
  PYTHONPATH: ${src}
workers: 2
tasks:
  lint:
    usage: run flake8
    run: ["flake8 ${src}"]
  fast:
    deps: [lint]
    run: ["${python} -m pytest -m 'not slow' ${src}"]
    sources: ["${src}/**/*.py"]
locks:
  main:
    manifests: [REQUIREMENTS.txt]
    output: REQUIREMENTS-STRICT.txt
    copies: ["${src}/REQUIREMENTS-STRICT.txt"]
tests:
  shards:
    - name: unit
      run: "${python} -m pytest ${src}/core"
`)

	tf, err := config.LoadTaskfile(path, map[string]string{"python": "python3.6"})
	if err != nil {
		t.Fatalf("LoadTaskfile failed: %v", err)
	}

	if tf.Path != path {
		t.Errorf("expected path %s, got %s", path, tf.Path)
	}
	if tf.Workers != 2 {
		t.Errorf("expected workers 2, got %d", tf.Workers)
	}
	if tf.Tests.Workers != 2 {
		t.Errorf("expected test workers to follow workers, got %d", tf.Tests.Workers)
	}
	if tf.Shell != "/bin/sh" {
		t.Errorf("expected default shell /bin/sh, got %s", tf.Shell)
	}
	if tf.Env["PYTHONPATH"] != "starfish" {
		t.Errorf("expected env to expand vars, got %s", tf.Env["PYTHONPATH"])
	}
	if tf.Env[config.PlotBackendVar] != "Agg" {
		t.Errorf("expected headless plot backend, got %q", tf.Env[config.PlotBackendVar])
	}

	fast := tf.Tasks["fast"]
	if want := []string{"python3.6 -m pytest -m 'not slow' starfish"}; !reflect.DeepEqual(fast.Run, want) {
		t.Errorf("expected override to win, got %v", fast.Run)
	}
	if want := []string{"starfish/**/*.py"}; !reflect.DeepEqual(fast.Sources, want) {
		t.Errorf("expected expanded sources, got %v", fast.Sources)
	}

	lock := tf.Locks["main"]
	if lock.Name != "main" {
		t.Errorf("expected lock name main, got %q", lock.Name)
	}
	if want := []string{"starfish/REQUIREMENTS-STRICT.txt"}; !reflect.DeepEqual(lock.Copies, want) {
		t.Errorf("expected expanded copies, got %v", lock.Copies)
	}

	if got := tf.Tests.Shards[0].Run; got != "python3.6 -m pytest starfish/core" {
		t.Errorf("expected expanded shard command, got %s", got)
	}

	names := []string{}
	for _, task := range tf.TaskList() {
		names = append(names, task.Name)
	}
	if want := []string{"fast", "lint"}; !reflect.DeepEqual(names, want) {
		t.Errorf("expected sorted named tasks, got %v", names)
	}
}

func TestExpandLeavesUnknownReferences(t *testing.T) {
	got := config.Expand("echo ${known} ${HOME} $PATH", map[string]string{"known": "yes"})
	if got != "echo yes ${HOME} $PATH" {
		t.Errorf("unexpected expansion: %s", got)
	}
}

func TestLoadTaskfileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadTaskfile(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected ErrNotExist, got %v", err)
		}
	})

	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "tasks: [unterminated"},
		{"lock without output", "locks:\n  main:\n    manifests: [REQUIREMENTS.txt]\n"},
		{"lock without manifests", "locks:\n  main:\n    output: REQUIREMENTS-STRICT.txt\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadTaskfile(writeFile(t, "stagehand.yaml", tt.content), nil)
			var cfgErr *models.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if models.ExitCodeOf(err) != models.ExitUsage {
				t.Errorf("expected usage exit code, got %d", models.ExitCodeOf(err))
			}
		})
	}
}

func TestLoadReleaseConfig(t *testing.T) {
	path := writeFile(t, "release.toml", `[release]
package = "starfish"
build_command = "python setup.py sdist"

[verify]
tasks = ["fast", "slow", "docs"]

[docker]
image = "spacetx/starfish"
smoke_command = "starfish --help"
memory = "4G"
`)

	cfg, err := config.LoadReleaseConfig(path, map[string]string{"version": "0.0.14", "build_number": "7"}, false)
	if err != nil {
		t.Fatalf("LoadReleaseConfig failed: %v", err)
	}

	if cfg.Release.Package != "starfish" {
		t.Errorf("expected package starfish, got %s", cfg.Release.Package)
	}
	if cfg.Release.StagingEnv != ".venv" {
		t.Errorf("expected default staging env, got %s", cfg.Release.StagingEnv)
	}
	if cfg.Release.Version != "0.0.14" {
		t.Errorf("expected version override, got %q", cfg.Release.Version)
	}
	if cfg.Docker.BuildNumber != "7" {
		t.Errorf("expected build number override, got %q", cfg.Docker.BuildNumber)
	}
	if cfg.Docker.MemoryMB != 4096 {
		t.Errorf("expected legacy memory to convert to 4096 MiB, got %d", cfg.Docker.MemoryMB)
	}
	if cfg.Docker.Backend != "docker" {
		t.Errorf("expected default backend docker, got %s", cfg.Docker.Backend)
	}
	if want := []string{"fast", "slow", "docs"}; !reflect.DeepEqual(cfg.Verify.Tasks, want) {
		t.Errorf("expected verify tasks %v, got %v", want, cfg.Verify.Tasks)
	}
}

func TestLoadReleaseConfigMemoryMBWins(t *testing.T) {
	path := writeFile(t, "release.toml", "[docker]\nmemory = \"4G\"\nmemory_mb = 1024\n")
	cfg, err := config.LoadReleaseConfig(path, nil, false)
	if err != nil {
		t.Fatalf("LoadReleaseConfig failed: %v", err)
	}
	if cfg.Docker.MemoryMB != 1024 {
		t.Errorf("expected memory_mb to win, got %d", cfg.Docker.MemoryMB)
	}
}

func TestLoadReleaseConfigMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.toml")

	cfg, err := config.LoadReleaseConfig(path, map[string]string{"tag": "v0.0.14"}, true)
	if err != nil {
		t.Fatalf("expected defaults for a missing file, got %v", err)
	}
	if cfg.Release.Tag != "v0.0.14" {
		t.Errorf("expected overrides applied to defaults, got %q", cfg.Release.Tag)
	}

	if _, err := config.LoadReleaseConfig(path, nil, false); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist when the file is required, got %v", err)
	}
}

func TestLoadReleaseConfigErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		overrides map[string]string
	}{
		{"unknown key", "[release]\npackge = \"starfish\"\n", nil},
		{"bad toml", "[release\n", nil},
		{"bad memory", "[docker]\nmemory = \"lots\"\n", nil},
		{"unknown backend", "[docker]\nbackend = \"podman\"\n", nil},
		{"bad cpus override", "", map[string]string{"cpus": "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadReleaseConfig(writeFile(t, "release.toml", tt.content), tt.overrides, false)
			if models.ExitCodeOf(err) != models.ExitUsage {
				t.Errorf("expected usage exit code, got %v", err)
			}
		})
	}
}
