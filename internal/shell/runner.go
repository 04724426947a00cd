// Package shell runs external commands on behalf of tasks, environments and
// pipeline stages.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// DefaultShell interprets command lines when no shell is configured.
const DefaultShell = "/bin/sh"

// Command is a single process invocation. Exactly one of Line or Argv is set:
// Line is interpreted by the runner's shell, Argv is executed directly.
type Command struct {
	Line   string
	Argv   []string
	Dir    string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	if c.Line != "" {
		return c.Line
	}
	return strings.Join(c.Argv, " ")
}

// Runner executes commands. A non-zero exit is reported through the exit
// code; err is reserved for failures to start or wait for the process.
type Runner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// Exec runs commands as real child processes.
type Exec struct {
	// Shell interprets Command.Line. Defaults to DefaultShell.
	Shell string
	// Env is applied to every child on top of the parent environment.
	Env map[string]string
	// Stdout and Stderr are used when the command does not set its own.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExec creates a runner that streams to the process's stdout and stderr.
func NewExec(sh string, env map[string]string) *Exec {
	if sh == "" {
		sh = DefaultShell
	}
	return &Exec{Shell: sh, Env: env, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run executes cmd and waits for it to finish.
func (e *Exec) Run(ctx context.Context, cmd Command) (int, error) {
	var argv []string
	switch {
	case cmd.Line != "":
		sh := e.Shell
		if sh == "" {
			sh = DefaultShell
		}
		argv = []string{sh, "-c", cmd.Line}
	case len(cmd.Argv) > 0:
		argv = cmd.Argv
	default:
		return -1, errors.New("empty command")
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = MergeEnv(os.Environ(), e.Env, cmd.Env)
	c.Stdout = firstWriter(cmd.Stdout, e.Stdout)
	c.Stderr = firstWriter(cmd.Stderr, e.Stderr)

	slog.Debug("running command", "command", cmd.String(), "dir", cmd.Dir)

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, fmt.Errorf("running %q: %w", cmd.String(), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("running %q: %w", cmd.String(), err)
}

// MergeEnv layers overlays onto a KEY=VALUE list. Later overlays win.
// Overlay keys are applied in sorted order so the result is deterministic.
func MergeEnv(base []string, overlays ...map[string]string) []string {
	out := make([]string, 0, len(base))
	index := make(map[string]int, len(base))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := index[k]; ok {
			out[i] = kv
			continue
		}
		index[k] = len(out)
		out = append(out, kv)
	}
	for _, overlay := range overlays {
		for _, k := range sortedKeys(overlay) {
			kv := k + "=" + overlay[k]
			if i, ok := index[k]; ok {
				out[i] = kv
				continue
			}
			index[k] = len(out)
			out = append(out, kv)
		}
	}
	return out
}

func firstWriter(ws ...io.Writer) io.Writer {
	for _, w := range ws {
		if w != nil {
			return w
		}
	}
	return io.Discard
}

// WithEnv wraps a runner so every command also receives env. Command-level
// values still take precedence.
func WithEnv(r Runner, env map[string]string) Runner {
	return &envRunner{next: r, env: env}
}

type envRunner struct {
	next Runner
	env  map[string]string
}

func (r *envRunner) Run(ctx context.Context, cmd Command) (int, error) {
	merged := make(map[string]string, len(r.env)+len(cmd.Env))
	for k, v := range r.env {
		merged[k] = v
	}
	for k, v := range cmd.Env {
		merged[k] = v
	}
	cmd.Env = merged
	return r.next.Run(ctx, cmd)
}

// Output runs cmd capturing stdout. A non-zero exit is returned as an error
// that includes whatever the command wrote to stderr.
func Output(ctx context.Context, r Runner, cmd Command) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	code, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return stdout.String(), fmt.Errorf("%q exited with code %d: %s", cmd.String(), code, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Fake records commands instead of running them.
type Fake struct {
	// Handler decides the outcome of each command. Nil means exit 0.
	Handler func(cmd Command) (int, error)

	mu       sync.Mutex
	commands []Command
}

// Run records cmd and delegates to Handler.
func (f *Fake) Run(ctx context.Context, cmd Command) (int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if f.Handler == nil {
		return 0, nil
	}
	return f.Handler(cmd)
}

// Commands returns a copy of every recorded command.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// Lines returns the rendered form of every recorded command.
func (f *Fake) Lines() []string {
	cmds := f.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.String()
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
