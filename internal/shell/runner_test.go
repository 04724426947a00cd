package shell

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRun(t *testing.T) {
	var stdout bytes.Buffer
	r := NewExec("", map[string]string{"STAGEHAND_GREETING": "hello"})

	code, err := r.Run(context.Background(), Command{
		Line:   `echo "$STAGEHAND_GREETING $STAGEHAND_NAME"; exit 3`,
		Env:    map[string]string{"STAGEHAND_NAME": "world"},
		Stdout: &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "hello world\n", stdout.String())
}

func TestExecRunArgvInDir(t *testing.T) {
	dir := t.TempDir()
	out, err := Output(context.Background(), NewExec("", nil), Command{Argv: []string{"pwd"}, Dir: dir})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), dir), "pwd = %q", out)
}

func TestExecRunEmptyCommand(t *testing.T) {
	_, err := NewExec("", nil).Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestExecRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExec("", nil).Run(ctx, Command{Line: "sleep 5"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutputReportsStderr(t *testing.T) {
	_, err := Output(context.Background(), NewExec("", nil), Command{Line: "echo broken >&2; exit 1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "broken")
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv(
		[]string{"PATH=/bin", "HOME=/root", "PATH=/usr/bin"},
		map[string]string{"HOME": "/tmp", "B": "2", "A": "1"},
		map[string]string{"A": "3"},
	)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/tmp", "A=3", "B=2"}, got)
}

func TestWithEnvCommandWins(t *testing.T) {
	fake := &Fake{}
	r := WithEnv(fake, map[string]string{"VIRTUAL_ENV": "/venv", "MPLBACKEND": "Agg"})

	_, err := r.Run(context.Background(), Command{Line: "pytest", Env: map[string]string{"MPLBACKEND": "pdf"}})
	require.NoError(t, err)
	require.Len(t, fake.Commands(), 1)
	assert.Equal(t, map[string]string{"VIRTUAL_ENV": "/venv", "MPLBACKEND": "pdf"}, fake.Commands()[0].Env)
}

func TestFakeLines(t *testing.T) {
	fake := &Fake{Handler: func(cmd Command) (int, error) {
		if cmd.Line == "false" {
			return 1, nil
		}
		return 0, nil
	}}
	ctx := context.Background()

	code, _ := fake.Run(ctx, Command{Line: "false"})
	assert.Equal(t, 1, code)
	_, _ = fake.Run(ctx, Command{Argv: []string{"git", "status"}})
	assert.Equal(t, []string{"false", "git status"}, fake.Lines())
}
