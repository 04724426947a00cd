// Package testsuite runs a sharded test suite in parallel and aggregates
// coverage once every shard has finished.
package testsuite

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

// Runner executes suites through a shell.Runner.
type Runner struct {
	Shell  shell.Runner
	Env    map[string]string
	Logger *slog.Logger
}

// New creates a suite runner. env is applied to every shard and to the
// coverage command.
func New(r shell.Runner, env map[string]string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Shell: r, Env: env, Logger: logger}
}

// Result lists the shards that completed and whether coverage ran.
type Result struct {
	Passed   []string
	Coverage bool
}

// Run executes every shard with at most suite.Workers in flight. The first
// failing shard cancels the others and coverage is skipped. Coverage runs
// exactly once, after all shards have passed.
func (r *Runner) Run(ctx context.Context, suite models.TestSuite) (*Result, error) {
	if len(suite.Shards) == 0 {
		return nil, models.Configf("", "test suite has no shards")
	}
	seen := map[string]struct{}{}
	for _, s := range suite.Shards {
		if s.Name == "" || s.Run == "" {
			return nil, models.Configf("", "test shard needs a name and a run command")
		}
		if _, dup := seen[s.Name]; dup {
			return nil, models.Configf("", "duplicate test shard %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	workers := suite.Workers
	if workers <= 0 {
		workers = 1
	}

	res := &Result{}
	passed := make(chan string, len(suite.Shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, shard := range suite.Shards {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			r.Logger.Info("running test shard", "shard", shard.Name)
			code, err := r.Shell.Run(gctx, shell.Command{Line: shard.Run, Env: r.Env})
			if err != nil {
				return &models.CommandError{Task: "test " + shard.Name, Command: shard.Run, Err: err}
			}
			if code != 0 {
				return &models.CommandError{Task: "test " + shard.Name, Command: shard.Run, ExitCode: code}
			}
			passed <- shard.Name
			return nil
		})
	}
	err := g.Wait()
	close(passed)
	for name := range passed {
		res.Passed = append(res.Passed, name)
	}
	if err != nil {
		return res, err
	}

	if suite.Coverage == "" {
		return res, nil
	}
	r.Logger.Info("aggregating coverage", "shards", len(res.Passed))
	code, err := r.Shell.Run(ctx, shell.Command{Line: suite.Coverage, Env: r.Env})
	if err != nil {
		return res, fmt.Errorf("running coverage: %w", err)
	}
	if code != 0 {
		return res, &models.CommandError{Task: "coverage", Command: suite.Coverage, ExitCode: code}
	}
	res.Coverage = true
	return res, nil
}
