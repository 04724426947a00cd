// Package cli implements the stagehand command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spachava753/stagehand/internal/config"
	"github.com/spachava753/stagehand/internal/logging"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

// Version is set at build time.
var Version = "dev"

// App holds the process-level dependencies of a CLI invocation.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
	// NewRunner builds the command runner from the taskfile's shell and
	// base environment. Tests substitute a fake.
	NewRunner func(sh string, env map[string]string) shell.Runner
}

// New returns an App wired to the real process.
func New(stdout, stderr io.Writer) *App {
	return &App{
		Stdout: stdout,
		Stderr: stderr,
		Getenv: os.Getenv,
		NewRunner: func(sh string, env map[string]string) shell.Runner {
			return shell.NewExec(sh, env)
		},
	}
}

// options are the global flags plus the key=value overrides.
type options struct {
	taskfile  string
	release   string
	pipeline  string
	workers   int
	logLevel  string
	logFormat string
	overrides map[string]string
	ci        bool
}

type invocation struct {
	app    *App
	opts   options
	logger *slog.Logger
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `stagehand - task runner and release workflow for image-processing pipelines

Usage: stagehand [flags] <command> [args] [key=value...]

Commands:
  run <task>...          Run tasks and their prerequisites
  list                   List tasks
  lock refresh [name]... Regenerate lock files
  lock verify            Check lock files for drift
  release <step>         Run a release step (check, ready, env, prep, verify,
                         docker, upload, confirm-upload, tag, clean)
  pipeline [stage]...    Run pipeline stages (all by default)
  test                   Run the parallel test suite
  clean                  Remove the staging environment, dist and scratch envs
  version                Print the stagehand version

Flags:
`)
}

// Run parses args and executes the requested command.
func (a *App) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stagehand", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	var opts options
	fs.StringVar(&opts.taskfile, "f", "stagehand.yaml", "taskfile path")
	fs.StringVar(&opts.release, "r", "release.toml", "release config path")
	fs.StringVar(&opts.pipeline, "p", "pipeline.hcl", "pipeline definition path")
	fs.IntVar(&opts.workers, "j", 0, "parallel workers (default from taskfile)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: "+strings.Join(logging.Levels, ", "))
	fs.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	fs.Usage = func() {
		printUsage(a.Stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &models.ConfigError{Source: "command line", Msg: "parsing flags", Err: err}
	}

	positional, overrides, err := splitOverrides(fs.Args())
	if err != nil {
		return err
	}
	opts.overrides = overrides
	opts.ci = truthy(a.Getenv("CI"))
	if v, ok := overrides["ci"]; ok {
		opts.ci = truthy(v)
		delete(overrides, "ci")
	}

	if len(positional) == 0 {
		fs.Usage()
		return models.Configf("command line", "no command given")
	}

	logger, err := logging.New(opts.logLevel, opts.logFormat, a.Stderr)
	if err != nil {
		return models.Configf("command line", "%v", err)
	}
	slog.SetDefault(logger)

	inv := &invocation{app: a, opts: opts, logger: logger}
	cmd, rest := positional[0], positional[1:]
	switch cmd {
	case "run":
		return inv.run(ctx, rest)
	case "list":
		return inv.list()
	case "lock":
		return inv.lock(ctx, rest)
	case "release":
		if len(rest) != 1 {
			return models.Configf("command line", "release takes exactly one step")
		}
		return inv.release(ctx, rest[0])
	case "pipeline":
		return inv.pipeline(ctx, rest)
	case "test":
		return inv.test(ctx)
	case "clean":
		return inv.clean(ctx)
	case "version":
		fmt.Fprintf(a.Stdout, "stagehand version %s\n", Version)
		return nil
	case "help":
		fs.Usage()
		return nil
	default:
		return models.Configf("command line", "unknown command %q", cmd)
	}
}

// splitOverrides separates key=value overrides from positional arguments.
func splitOverrides(args []string) ([]string, map[string]string, error) {
	var positional []string
	overrides := map[string]string{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			positional = append(positional, arg)
			continue
		}
		if k == "" {
			return nil, nil, models.Configf("command line", "override %q has no key", arg)
		}
		overrides[k] = v
	}
	return positional, overrides, nil
}

func truthy(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// taskfile loads the taskfile. When optional is set a missing file yields
// the defaults.
func (inv *invocation) taskfile(optional bool) (config.Taskfile, error) {
	tf, err := config.LoadTaskfile(inv.opts.taskfile, inv.opts.overrides)
	if err != nil && optional && errors.Is(err, os.ErrNotExist) {
		tf = config.DefaultTaskfile()
		tf.Path = inv.opts.taskfile
		return tf, nil
	}
	if err != nil {
		return tf, err
	}
	if inv.opts.workers > 0 {
		tf.Workers = inv.opts.workers
		tf.Tests.Workers = inv.opts.workers
	}
	return tf, nil
}

func (inv *invocation) runner(tf config.Taskfile) shell.Runner {
	return inv.app.NewRunner(tf.Shell, tf.Env)
}

func (inv *invocation) list() error {
	tf, err := inv.taskfile(false)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(inv.app.Stdout, 0, 0, 2, ' ', 0)
	for _, t := range tf.TaskList() {
		deps := ""
		if len(t.Deps) > 0 {
			deps = "(" + strings.Join(t.Deps, ", ") + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Usage, deps)
	}
	return w.Flush()
}
