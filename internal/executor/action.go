package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
	"github.com/spachava753/stagehand/internal/taskgraph"
)

// ActionRunner executes a single task's action and reports its outcome.
type ActionRunner interface {
	Execute(ctx context.Context, task models.Task, depRan bool) (*models.TaskResult, error)
}

// DefaultActionRunner checks freshness, then runs a task's Func or its Run
// lines through a shell.Runner.
type DefaultActionRunner struct {
	Runner shell.Runner
	// Env is applied to every command over the task's own env. It carries
	// the staging environment activation during release verify.
	Env    map[string]string
	Logger *slog.Logger
}

// NewActionRunner creates a new action runner.
func NewActionRunner(r shell.Runner, env map[string]string, logger *slog.Logger) *DefaultActionRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultActionRunner{Runner: r, Env: env, Logger: logger}
}

// Execute runs the task unless its targets are fresh. A returned error means
// the task failed; the result is always populated.
func (a *DefaultActionRunner) Execute(ctx context.Context, task models.Task, depRan bool) (*models.TaskResult, error) {
	result := &models.TaskResult{
		Name:      task.Name,
		Status:    models.TaskPending,
		StartedAt: time.Now(),
	}
	defer func() {
		result.EndedAt = time.Now()
		result.DurationSec = result.EndedAt.Sub(result.StartedAt).Seconds()
	}()

	stale, reason, err := taskgraph.Stale(task, depRan)
	if err != nil {
		result.Status = models.TaskFailed
		return result, err
	}
	if !stale {
		a.Logger.Debug("task up to date", "task", task.Name)
		result.Status = models.TaskFresh
		return result, nil
	}
	a.Logger.Info("running task", "task", task.Name, "reason", reason)

	if task.Func != nil {
		if err := task.Func(ctx); err != nil {
			result.Status = models.TaskFailed
			var cmdErr *models.CommandError
			if errors.As(err, &cmdErr) {
				return result, err
			}
			return result, &models.CommandError{Task: task.Name, Command: "(builtin)", Err: err}
		}
		result.Status = models.TaskSucceeded
		return result, nil
	}

	for _, line := range task.Run {
		code, err := a.Runner.Run(ctx, shell.Command{
			Line: line,
			Dir:  task.Dir,
			Env:  overlay(task.Env, a.Env),
		})
		if err != nil {
			result.Status = models.TaskFailed
			return result, &models.CommandError{Task: task.Name, Command: line, Err: err}
		}
		if code != 0 {
			result.Status = models.TaskFailed
			return result, &models.CommandError{Task: task.Name, Command: line, ExitCode: code}
		}
	}

	result.Status = models.TaskSucceeded
	return result, nil
}

func overlay(base, top map[string]string) map[string]string {
	if len(base) == 0 && len(top) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// describe renders a short human summary of a failed result.
func describe(r *models.TaskResult, err error) string {
	if err == nil {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %v", r.Status, err)
}
