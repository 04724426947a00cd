package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spachava753/stagehand/internal/config"
	"github.com/spachava753/stagehand/internal/environment"
	"github.com/spachava753/stagehand/internal/environment/apple"
	"github.com/spachava753/stagehand/internal/environment/docker"
	"github.com/spachava753/stagehand/internal/environment/modal"
	"github.com/spachava753/stagehand/internal/environment/venv"
	"github.com/spachava753/stagehand/internal/executor"
	"github.com/spachava753/stagehand/internal/lockfile"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/pipeline"
	"github.com/spachava753/stagehand/internal/release"
	"github.com/spachava753/stagehand/internal/release/ledger"
	"github.com/spachava753/stagehand/internal/shell"
	"github.com/spachava753/stagehand/internal/taskgraph"
	"github.com/spachava753/stagehand/internal/testsuite"
	"github.com/spachava753/stagehand/internal/vcs"
)

// runTasks builds the graph and runs names, with env overlaid on every
// command.
func (inv *invocation) runTasks(ctx context.Context, tf config.Taskfile, r shell.Runner, tasks []models.Task, env map[string]string, names ...string) (*models.RunResult, error) {
	g, err := taskgraph.New(tf.Path, tasks)
	if err != nil {
		return nil, err
	}
	actions := executor.NewActionRunner(r, env, inv.logger)
	return executor.NewEngine(g, actions, tf.Workers, inv.logger).Run(ctx, names...)
}

func (inv *invocation) run(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return models.Configf("command line", "run needs at least one task")
	}
	tf, err := inv.taskfile(false)
	if err != nil {
		return err
	}
	res, err := inv.runTasks(ctx, tf, inv.runner(tf), tf.TaskList(), nil, names...)
	inv.summary(res)
	return err
}

// summary prints the outcome of an engine run.
func (inv *invocation) summary(res *models.RunResult) {
	if res == nil {
		return
	}
	counts := map[models.TaskStatus]int{}
	for _, t := range res.Tasks {
		counts[t.Status]++
	}
	w := inv.app.Stdout
	fmt.Fprintf(w, "\nRun: %s\n", res.RunID)
	fmt.Fprintf(w, "Succeeded: %d\n", counts[models.TaskSucceeded])
	fmt.Fprintf(w, "Fresh: %d\n", counts[models.TaskFresh])
	fmt.Fprintf(w, "Failed: %d\n", counts[models.TaskFailed])
	fmt.Fprintf(w, "Skipped: %d\n", res.Skipped)
	if res.Cancelled {
		fmt.Fprintln(w, "Cancelled: yes")
	}
}

func (inv *invocation) lockManager(tf config.Taskfile, r shell.Runner) *lockfile.Manager {
	p := venv.NewProvisioner(tf.Python, inv.opts.ci, r, inv.logger)
	return lockfile.NewManager(p, vcs.New(".", r), inv.logger)
}

func (inv *invocation) lock(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return models.Configf("command line", "lock needs a subcommand: refresh or verify")
	}
	tf, err := inv.taskfile(false)
	if err != nil {
		return err
	}
	if len(tf.Locks) == 0 {
		return models.Configf(tf.Path, "no locks defined")
	}
	m := inv.lockManager(tf, inv.runner(tf))

	switch args[0] {
	case "refresh":
		defs := tf.LockList()
		if names := args[1:]; len(names) > 0 {
			defs = defs[:0]
			for _, name := range names {
				def, ok := tf.Locks[name]
				if !ok {
					return models.Configf(tf.Path, "unknown lock %q", name)
				}
				defs = append(defs, def)
			}
		}
		for _, def := range defs {
			if _, err := m.Refresh(ctx, def); err != nil {
				return fmt.Errorf("refreshing %s: %w", def.Name, err)
			}
		}
		return nil
	case "verify":
		if len(args) > 1 {
			return models.Configf("command line", "lock verify takes no arguments")
		}
		if err := m.Verify(ctx, tf.LockList()); err != nil {
			return err
		}
		fmt.Fprintln(inv.app.Stdout, "lock files are in sync")
		return nil
	default:
		return models.Configf("command line", "unknown lock subcommand %q", args[0])
	}
}

// controller assembles the release controller. The ledger is returned so the
// caller can close it.
func (inv *invocation) controller(ctx context.Context, step string) (*release.Controller, *ledger.Ledger, error) {
	cfg, err := config.LoadReleaseConfig(inv.opts.release, inv.opts.overrides, true)
	if err != nil {
		return nil, nil, err
	}
	tf, err := inv.taskfile(true)
	if err != nil {
		return nil, nil, err
	}
	r := inv.runner(tf)

	l, err := ledger.Open(cfg.Release.LedgerPath)
	if err != nil {
		return nil, nil, err
	}

	images := docker.NewProvider(r, inv.app.Stderr)
	var smoke environment.Provider = images
	switch cfg.Docker.Backend {
	case "apple":
		smoke = apple.NewProvider(apple.ConfigFromRelease(cfg.Docker), r, inv.app.Stderr)
	case "modal":
		// Only verify talks to modal; other steps must not need credentials.
		if step == "verify" {
			mp, err := modal.NewProvider(ctx, modal.ConfigFromRelease(cfg.Docker), r)
			if err != nil {
				l.Close()
				return nil, nil, err
			}
			smoke = mp
		}
	}

	tasks := tf.TaskList()
	c := &release.Controller{
		Config:      cfg,
		Repo:        vcs.New(".", r),
		Provisioner: venv.NewProvisioner(tf.Python, inv.opts.ci, r, inv.logger),
		Runner:      r,
		Ledger:      l,
		Tasks: release.TaskRunnerFunc(func(ctx context.Context, env map[string]string, names ...string) error {
			res, err := inv.runTasks(ctx, tf, r, tasks, env, names...)
			inv.summary(res)
			return err
		}),
		Smoke:  smoke,
		Images: images,
		Out:    inv.app.Stdout,
		Logger: inv.logger.With("step", step),
	}
	return c, l, nil
}

func (inv *invocation) release(ctx context.Context, step string) error {
	c, l, err := inv.controller(ctx, step)
	if err != nil {
		return err
	}
	defer l.Close()
	return c.Run(ctx, step)
}

func (inv *invocation) pipeline(ctx context.Context, stages []string) error {
	tf, err := inv.taskfile(true)
	if err != nil {
		return err
	}
	p, err := pipeline.Load(inv.opts.pipeline, inv.opts.overrides)
	if err != nil {
		return err
	}
	r := inv.runner(tf)
	tasks, err := p.Tasks(r, inv.logger)
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		stages = p.StageNames()
	}
	res, err := inv.runTasks(ctx, config.Taskfile{Path: p.Path, Workers: tf.Workers}, r, tasks, nil, stages...)
	inv.summary(res)
	if err != nil {
		return err
	}
	for _, a := range p.Artifacts() {
		if a.Producer == "" || res.Status(a.Producer) == models.TaskPending {
			continue
		}
		fmt.Fprintf(inv.app.Stdout, "%s\t%s\n", a.Format, a.Path)
	}
	return nil
}

func (inv *invocation) test(ctx context.Context) error {
	tf, err := inv.taskfile(false)
	if err != nil {
		return err
	}
	res, err := testsuite.New(inv.runner(tf), nil, inv.logger).Run(ctx, tf.Tests)
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.app.Stdout, "Shards passed: %d\n", len(res.Passed))
	if res.Coverage {
		fmt.Fprintln(inv.app.Stdout, "Coverage: combined")
	}
	return nil
}

// clean removes everything a failed release or lock refresh can leave
// behind. Release history is kept.
func (inv *invocation) clean(ctx context.Context) error {
	c, l, err := inv.controller(ctx, "clean")
	if err != nil {
		return err
	}
	defer l.Close()

	var errs []error
	if err := c.Clean(ctx); err != nil {
		errs = append(errs, err)
	}
	tf, err := inv.taskfile(true)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, def := range tf.LockList() {
		path := lockfile.ScratchEnvPath(def)
		absent, err := c.Provisioner.DestroyPath(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			continue
		}
		if !absent {
			inv.logger.Info("removed leftover scratch environment", "path", path)
		}
	}
	return errors.Join(errs...)
}
