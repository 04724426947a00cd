package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

const taskfile = `vars:
  python: python3
tasks:
  requirements:
    usage: install requirements
    run: ["echo requirements"]
  install:
    deps: [requirements]
    run: ["${python} -m pip install -e ."]
  fast:
    usage: fast tests
    deps: [install]
    run: ["${python} -m pytest -m 'not slow'"]
locks:
  main:
    manifests: [REQUIREMENTS.txt]
    output: REQUIREMENTS-STRICT.txt
`

type testApp struct {
	app    *App
	fake   *shell.Fake
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// newTestApp runs in a fresh working directory holding files.
func newTestApp(t *testing.T, files map[string]string, handler func(shell.Command) (int, error)) *testApp {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for name, content := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(name), 0755))
		require.NoError(t, os.WriteFile(name, []byte(content), 0644))
	}

	ta := &testApp{
		fake:   &shell.Fake{Handler: handler},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	ta.app = &App{
		Stdout:    ta.stdout,
		Stderr:    ta.stderr,
		Getenv:    func(string) string { return "" },
		NewRunner: func(string, map[string]string) shell.Runner { return ta.fake },
	}
	return ta
}

func (ta *testApp) run(args ...string) error {
	return ta.app.Run(context.Background(), args)
}

func TestRunExecutesPrerequisitesInOrder(t *testing.T) {
	ta := newTestApp(t, map[string]string{"stagehand.yaml": taskfile}, nil)

	require.NoError(t, ta.run("run", "fast", "python=python3.6"))
	assert.Equal(t, []string{
		"echo requirements",
		"python3.6 -m pip install -e .",
		"python3.6 -m pytest -m 'not slow'",
	}, ta.fake.Lines())
	assert.Contains(t, ta.stdout.String(), "Succeeded: 3")
}

func TestRunUnknownTask(t *testing.T) {
	ta := newTestApp(t, map[string]string{"stagehand.yaml": taskfile}, nil)

	err := ta.run("run", "fast", "docs")
	assert.Equal(t, models.ExitUsage, models.ExitCodeOf(err))
	assert.Empty(t, ta.fake.Commands())
}

func TestRunFailureExitCode(t *testing.T) {
	ta := newTestApp(t, map[string]string{"stagehand.yaml": taskfile}, func(cmd shell.Command) (int, error) {
		if strings.Contains(cmd.Line, "pip install") {
			return 1, nil
		}
		return 0, nil
	})

	err := ta.run("run", "fast")
	assert.Equal(t, models.ExitFailure, models.ExitCodeOf(err))
	assert.Len(t, ta.fake.Commands(), 2)
	assert.Contains(t, ta.stdout.String(), "Skipped: 1")
}

func TestList(t *testing.T) {
	ta := newTestApp(t, map[string]string{"stagehand.yaml": taskfile}, nil)

	require.NoError(t, ta.run("list"))
	out := ta.stdout.String()
	assert.Contains(t, out, "fast")
	assert.Contains(t, out, "fast tests")
	assert.Contains(t, out, "(install)")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"deploy"}},
		{"bad flag", []string{"-nope", "list"}},
		{"bad log level", []string{"-log-level", "loud", "list"}},
		{"release without step", []string{"release"}},
		{"unknown release step", []string{"release", "publish"}},
		{"empty override key", []string{"run", "fast", "=x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestApp(t, map[string]string{"stagehand.yaml": taskfile}, nil)
			err := ta.run(tt.args...)
			assert.Equal(t, models.ExitUsage, models.ExitCodeOf(err), "err = %v", err)
		})
	}
}

func TestReleaseCheck(t *testing.T) {
	t.Run("clean version prints once", func(t *testing.T) {
		ta := newTestApp(t, nil, nil)
		require.NoError(t, ta.run("release", "check", "version=0.0.14"))
		assert.Equal(t, "0.0.14\n", ta.stdout.String())
	})
	t.Run("dirty version", func(t *testing.T) {
		ta := newTestApp(t, nil, nil)
		err := ta.run("release", "check", "version=0.0.14-dirty")
		assert.Equal(t, models.ExitVersionDirty, models.ExitCodeOf(err))
		assert.Empty(t, ta.stdout.String())
	})
	t.Run("untagged checkout", func(t *testing.T) {
		ta := newTestApp(t, nil, func(cmd shell.Command) (int, error) {
			if len(cmd.Argv) > 1 && cmd.Argv[0] == "git" && cmd.Argv[1] == "describe" {
				return 128, nil
			}
			return 0, nil
		})
		err := ta.run("release", "check")
		assert.Equal(t, models.ExitVersionUnset, models.ExitCodeOf(err))
	})
}

func TestReleaseGates(t *testing.T) {
	t.Run("stale staging env", func(t *testing.T) {
		ta := newTestApp(t, map[string]string{".venv/bin/python": ""}, nil)
		err := ta.run("release", "ready")
		assert.Equal(t, models.ExitStaleReleaseEnv, models.ExitCodeOf(err))
		assert.DirExists(t, ".venv")
	})
	t.Run("tag not requested", func(t *testing.T) {
		ta := newTestApp(t, nil, nil)
		err := ta.run("release", "tag")
		assert.Equal(t, models.ExitTagNotRequested, models.ExitCodeOf(err))
		assert.Empty(t, ta.fake.Commands())
	})
	t.Run("verify before prep", func(t *testing.T) {
		ta := newTestApp(t, map[string]string{".venv/bin/python": ""}, nil)
		err := ta.run("release", "verify", "version=0.0.14")
		assert.Equal(t, models.ExitReleaseOutOfOrder, models.ExitCodeOf(err))
	})
}

func TestLockVerifyReportsUncommittedChanges(t *testing.T) {
	files := map[string]string{
		"stagehand.yaml":          taskfile,
		"REQUIREMENTS.txt":        "numpy\n",
		"REQUIREMENTS-STRICT.txt": "numpy==1.15.4\n",
	}
	ta := newTestApp(t, files, func(cmd shell.Command) (int, error) {
		if len(cmd.Argv) > 1 && cmd.Argv[0] == "git" && cmd.Argv[1] == "status" {
			fmt.Fprintln(cmd.Stdout, " M REQUIREMENTS.txt")
		}
		return 0, nil
	})

	err := ta.run("lock", "verify")
	assert.Equal(t, models.ExitUncommittedRequirements, models.ExitCodeOf(err))
	assert.Contains(t, err.Error(), "REQUIREMENTS.txt")
}

func TestLockVerifyInSync(t *testing.T) {
	files := map[string]string{
		"stagehand.yaml":          taskfile,
		"REQUIREMENTS.txt":        "numpy>=1.14\n",
		"REQUIREMENTS-STRICT.txt": "numpy==1.15.4\n",
	}
	ta := newTestApp(t, files, nil)

	require.NoError(t, ta.run("lock", "verify"))
	assert.Contains(t, ta.stdout.String(), "in sync")
}

func TestPipelineCommand(t *testing.T) {
	files := map[string]string{
		"in.json": "{}",
		"pipeline.hcl": `sources = ["in.json"]

stage "filter" {
  command   = "filter"
  inputs    = { input = "in.json" }
  output    = "filtered/out.json"
  algorithm = "WhiteTophat"
  params    = { "masking-radius" = var.radius }
}
`,
	}
	ta := newTestApp(t, files, func(cmd shell.Command) (int, error) {
		for i, a := range cmd.Argv {
			if a == "--output" {
				return 0, os.WriteFile(cmd.Argv[i+1], []byte("stack"), 0644)
			}
		}
		return 0, nil
	})

	require.NoError(t, ta.run("pipeline", "radius=15"))
	require.Len(t, ta.fake.Lines(), 1)
	assert.Equal(t, "starfish filter --input in.json --output filtered/out.json WhiteTophat --masking-radius 15", ta.fake.Lines()[0])
	assert.Contains(t, ta.stdout.String(), "tiled-image-stack\tfiltered/out.json")
}

func TestVersion(t *testing.T) {
	ta := newTestApp(t, nil, nil)
	require.NoError(t, ta.run("version"))
	assert.Equal(t, "stagehand version dev\n", ta.stdout.String())
}
