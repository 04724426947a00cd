// Package executor runs the tasks of a taskgraph.Graph with a bounded pool of
// workers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/taskgraph"
)

// Engine coordinates the execution of a task and its prerequisites.
type Engine struct {
	graph   *taskgraph.Graph
	actions ActionRunner
	workers int
	logger  *slog.Logger
}

// NewEngine creates a new engine. workers below one is treated as one.
func NewEngine(g *taskgraph.Graph, actions ActionRunner, workers int, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{graph: g, actions: actions, workers: workers, logger: logger}
}

type job struct {
	task   models.Task
	depRan bool
}

type outcome struct {
	result *models.TaskResult
	err    error
}

// Run executes the named tasks and everything they depend on.
//
// Unknown names are reported before anything runs. Each task runs at most
// once. A task starts only after all of its prerequisites finished as fresh
// or succeeded. On the first failure no further tasks are started, tasks in
// flight are allowed to finish, and the failing task's error is returned.
func (e *Engine) Run(ctx context.Context, names ...string) (*models.RunResult, error) {
	closure, err := e.graph.Closure(names...)
	if err != nil {
		return nil, err
	}

	res := &models.RunResult{
		RunID:     uuid.NewString(),
		Requested: names,
		Tasks:     make(map[string]*models.TaskResult, len(closure)),
	}
	logger := e.logger.With("run_id", res.RunID)
	logger.Debug("resolved tasks", "requested", names, "closure", closure)

	inClosure := make(map[string]bool, len(closure))
	remaining := make(map[string]int, len(closure))
	for _, n := range closure {
		inClosure[n] = true
	}
	for _, n := range closure {
		remaining[n] = len(e.graph.Deps(n))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	nWorkers := min(e.workers, max(len(closure), 1))
	jobs := make(chan job, len(closure))
	outcomes := make(chan outcome, len(closure))

	var wg sync.WaitGroup
	for range nWorkers {
		wg.Go(func() {
			for j := range jobs {
				if runCtx.Err() != nil {
					outcomes <- outcome{result: &models.TaskResult{Name: j.task.Name, Status: models.TaskSkipped}}
					continue
				}
				r, err := e.actions.Execute(runCtx, j.task, j.depRan)
				if r == nil {
					r = &models.TaskResult{Name: j.task.Name, Status: models.TaskFailed}
				}
				if err != nil {
					r.Status = models.TaskFailed
					r.Error = err.Error()
				}
				outcomes <- outcome{result: r, err: err}
			}
		})
	}

	dispatched := 0
	dispatch := func(name string) {
		t, _ := e.graph.Task(name)
		depRan := false
		for _, d := range e.graph.Deps(name) {
			if res.Status(d) == models.TaskSucceeded {
				depRan = true
			}
		}
		jobs <- job{task: t, depRan: depRan}
		dispatched++
	}

	for _, n := range closure {
		if remaining[n] == 0 {
			dispatch(n)
		}
	}

	var firstErr error
	for received := 0; received < dispatched; received++ {
		o := <-outcomes
		res.Tasks[o.result.Name] = o.result

		switch o.result.Status {
		case models.TaskFailed:
			logger.Error("task failed", "task", o.result.Name, "error", describe(o.result, o.err), "error_type", models.TypeOf(o.err))
			if firstErr == nil {
				firstErr = o.err
				cancel()
			}
			res.Order = append(res.Order, o.result.Name)
			continue
		case models.TaskSkipped:
			continue
		case models.TaskSucceeded:
			res.Order = append(res.Order, o.result.Name)
		}

		if firstErr != nil || runCtx.Err() != nil {
			continue
		}
		for _, m := range e.graph.Dependents(o.result.Name) {
			if !inClosure[m] {
				continue
			}
			remaining[m]--
			if remaining[m] == 0 {
				dispatch(m)
			}
		}
	}
	close(jobs)
	wg.Wait()

	for _, n := range closure {
		if _, ok := res.Tasks[n]; !ok {
			res.Tasks[n] = &models.TaskResult{Name: n, Status: models.TaskSkipped}
		}
		if res.Tasks[n].Status == models.TaskSkipped {
			res.Skipped++
		}
	}

	if firstErr == nil && ctx.Err() != nil {
		res.Cancelled = true
		firstErr = fmt.Errorf("run cancelled: %w", ctx.Err())
	}
	if firstErr != nil {
		return res, firstErr
	}

	logger.Info("run complete", "requested", names, "executed", len(res.Order), "tasks", len(closure))
	return res, nil
}
