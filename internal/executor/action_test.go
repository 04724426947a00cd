package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/spachava753/stagehand/internal/logging"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

func TestActionRunnerRunsLinesInOrder(t *testing.T) {
	fake := &shell.Fake{}
	a := NewActionRunner(fake, map[string]string{"MPLBACKEND": "Agg", "LEVEL": "base"}, logging.Discard())

	task := models.Task{
		Name: "fast",
		Run:  []string{"flake8 starfish", "pytest -v -n 8 starfish"},
		Env:  map[string]string{"LEVEL": "task"},
	}
	res, err := a.Execute(context.Background(), task, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.TaskSucceeded {
		t.Errorf("status = %s, want succeeded", res.Status)
	}

	cmds := fake.Commands()
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Line != "flake8 starfish" || cmds[1].Line != "pytest -v -n 8 starfish" {
		t.Errorf("unexpected command order: %v", fake.Lines())
	}
	if got := cmds[0].Env["LEVEL"]; got != "base" {
		t.Errorf("runner env should win, got LEVEL=%q", got)
	}
	if got := cmds[0].Env["MPLBACKEND"]; got != "Agg" {
		t.Errorf("expected MPLBACKEND=Agg, got %q", got)
	}
}

func TestActionRunnerKeepsActivatedEnv(t *testing.T) {
	fake := &shell.Fake{}
	activation := map[string]string{"VIRTUAL_ENV": "/release/.venv", "PATH": "/release/.venv/bin:/usr/bin"}
	a := NewActionRunner(fake, activation, logging.Discard())

	task := models.Task{
		Name: "slow",
		Run:  []string{"pytest starfish"},
		Env:  map[string]string{"PATH": "/opt/conda/bin", "VIRTUAL_ENV": "", "TESTING": "1"},
	}
	if _, err := a.Execute(context.Background(), task, false); err != nil {
		t.Fatalf("execute: %v", err)
	}

	env := fake.Commands()[0].Env
	for k, want := range activation {
		if env[k] != want {
			t.Errorf("%s = %q, want %q", k, env[k], want)
		}
	}
	if env["TESTING"] != "1" {
		t.Errorf("task env should still apply, got TESTING=%q", env["TESTING"])
	}
}

func TestActionRunnerStopsAtFailingLine(t *testing.T) {
	fake := &shell.Fake{Handler: func(cmd shell.Command) (int, error) {
		if cmd.Line == "mypy starfish" {
			return 2, nil
		}
		return 0, nil
	}}
	a := NewActionRunner(fake, nil, logging.Discard())

	task := models.Task{Name: "lint", Run: []string{"flake8 starfish", "mypy starfish", "echo unreachable"}}
	res, err := a.Execute(context.Background(), task, false)

	var cmdErr *models.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Task != "lint" || cmdErr.Command != "mypy starfish" || cmdErr.ExitCode != 2 {
		t.Errorf("unexpected error fields: %+v", cmdErr)
	}
	if res.Status != models.TaskFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if n := len(fake.Commands()); n != 2 {
		t.Errorf("expected 2 commands before stopping, got %d", n)
	}
}

func TestActionRunnerFuncTakesPrecedence(t *testing.T) {
	fake := &shell.Fake{}
	a := NewActionRunner(fake, nil, logging.Discard())

	called := false
	task := models.Task{
		Name: "builtin",
		Run:  []string{"echo ignored"},
		Func: func(context.Context) error {
			called = true
			return errors.New("boom")
		},
	}
	_, err := a.Execute(context.Background(), task, false)

	var cmdErr *models.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Task != "builtin" {
		t.Fatalf("expected CommandError for builtin, got %v", err)
	}
	if !called {
		t.Error("expected Func to run")
	}
	if len(fake.Commands()) != 0 {
		t.Errorf("Run lines should be ignored when Func is set, got %v", fake.Lines())
	}
}
