// Package venv provisions disposable Python package environments.
//
// Environments are never reused: Create refuses an existing path, and callers
// that need a clean slate must Destroy first. Operations on one path are
// single-writer; a second concurrent call for the same path fails with a
// ConflictError instead of waiting.
package venv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spachava753/stagehand/internal/environment"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

// Env is a provisioned package environment rooted at Path.
type Env struct {
	Path      string
	State     models.EnvState
	Installed []string // requirement files and artifacts, in install order

	runner shell.Runner
}

var _ environment.Environment = (*Env)(nil)

// ID returns the environment directory.
func (e *Env) ID() string { return e.Path }

// Bin returns the path of an executable inside the environment.
func (e *Env) Bin(name string) string {
	return filepath.Join(e.Path, "bin", name)
}

// ActivationEnv returns the variables that make the environment's
// interpreter and tools take precedence over the ambient ones.
func (e *Env) ActivationEnv() map[string]string {
	path := filepath.Join(e.Path, "bin")
	if cur := os.Getenv("PATH"); cur != "" {
		path += string(os.PathListSeparator) + cur
	}
	return map[string]string{
		"VIRTUAL_ENV": e.Path,
		"PATH":        path,
	}
}

// Exec runs a shell command line with the environment activated.
func (e *Env) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	env := e.ActivationEnv()
	for k, v := range opts.Env {
		env[k] = v
	}
	return e.runner.Run(ctx, shell.Command{
		Line:   cmd,
		Dir:    opts.WorkDir,
		Env:    env,
		Stdout: stdout,
		Stderr: stderr,
	})
}

// Destroy removes the environment directory. It is a no-op when the
// directory is already gone.
func (e *Env) Destroy(ctx context.Context) error {
	if err := os.RemoveAll(e.Path); err != nil {
		return fmt.Errorf("removing environment %s: %w", e.Path, err)
	}
	e.State = models.EnvTornDown
	return nil
}

// Provisioner creates, populates and destroys package environments.
type Provisioner struct {
	// Python is the interpreter environments are created from.
	Python string
	// CI selects `python -m venv` instead of virtualenv.
	CI     bool
	Runner shell.Runner
	Logger *slog.Logger

	mu   sync.Mutex
	busy map[string]struct{}
}

// NewProvisioner creates a provisioner.
func NewProvisioner(python string, ci bool, r shell.Runner, logger *slog.Logger) *Provisioner {
	if python == "" {
		python = "python3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{Python: python, CI: ci, Runner: r, Logger: logger}
}

// acquire marks path as in use. The returned func releases it.
func (p *Provisioner) acquire(path string) (func(), error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = filepath.Clean(path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy == nil {
		p.busy = make(map[string]struct{})
	}
	if _, ok := p.busy[key]; ok {
		return nil, &models.ConflictError{Path: path, Msg: "environment is in use by another operation"}
	}
	p.busy[key] = struct{}{}
	return func() {
		p.mu.Lock()
		delete(p.busy, key)
		p.mu.Unlock()
	}, nil
}

// Exists reports whether anything occupies path.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CreateCommand returns the argv used to create an environment at path.
func (p *Provisioner) CreateCommand(path string) []string {
	if p.CI {
		return []string{p.Python, "-m", "venv", path}
	}
	return []string{"virtualenv", "-p", p.Python, path}
}

// Create provisions a new environment at path. It fails with a
// ConflictError when path already exists.
func (p *Provisioner) Create(ctx context.Context, path string) (*Env, error) {
	release, err := p.acquire(path)
	if err != nil {
		return nil, err
	}
	defer release()

	if Exists(path) {
		return nil, &models.ConflictError{Path: path, Msg: "environment already exists; remove it before creating a new one"}
	}

	argv := p.CreateCommand(path)
	p.Logger.Info("creating environment", "path", path, "ci", p.CI)
	code, err := p.Runner.Run(ctx, shell.Command{Argv: argv})
	if err == nil && code != 0 {
		err = &models.CommandError{Task: "create environment", Command: strings.Join(argv, " "), ExitCode: code}
	}
	if err != nil {
		// Do not leave a half-built environment behind.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("removing partial environment: %w", rmErr))
		}
		return nil, err
	}

	return &Env{Path: path, State: models.EnvCreated, runner: p.Runner}, nil
}

// Open returns a handle for an environment created by an earlier invocation.
func (p *Provisioner) Open(path string) (*Env, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening environment: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening environment: %s is not a directory", path)
	}
	return &Env{Path: path, State: models.EnvPopulated, runner: p.Runner}, nil
}

// Install installs a requirements or lock file into env with pip.
func (p *Provisioner) Install(ctx context.Context, env *Env, file string) error {
	return p.pip(ctx, env, file, "install", "-r", file)
}

// InstallArtifact installs a built distribution (sdist or wheel) into env.
func (p *Provisioner) InstallArtifact(ctx context.Context, env *Env, artifact string) error {
	return p.pip(ctx, env, artifact, "install", artifact)
}

func (p *Provisioner) pip(ctx context.Context, env *Env, what string, args ...string) error {
	release, err := p.acquire(env.Path)
	if err != nil {
		return err
	}
	defer release()

	if env.State == models.EnvTornDown || env.State == models.EnvAbsent {
		return fmt.Errorf("installing %s: environment %s is %s", what, env.Path, env.State)
	}

	argv := append([]string{env.Bin("pip")}, args...)
	p.Logger.Info("installing into environment", "path", env.Path, "source", what)
	code, err := p.Runner.Run(ctx, shell.Command{Argv: argv, Env: env.ActivationEnv()})
	if err != nil {
		return fmt.Errorf("installing %s: %w", what, err)
	}
	if code != 0 {
		return &models.CommandError{Task: "install " + what, Command: strings.Join(argv, " "), ExitCode: code}
	}
	env.State = models.EnvPopulated
	env.Installed = append(env.Installed, what)
	return nil
}

// Freeze returns the `pip freeze` listing of env.
func (p *Provisioner) Freeze(ctx context.Context, env *Env) (string, error) {
	release, err := p.acquire(env.Path)
	if err != nil {
		return "", err
	}
	defer release()

	out, err := shell.Output(ctx, p.Runner, shell.Command{
		Argv: []string{env.Bin("pip"), "freeze"},
		Env:  env.ActivationEnv(),
	})
	if err != nil {
		return "", fmt.Errorf("freezing %s: %w", env.Path, err)
	}
	return out, nil
}

// Destroy removes env. alreadyAbsent reports that there was nothing to
// remove.
func (p *Provisioner) Destroy(ctx context.Context, env *Env) (alreadyAbsent bool, err error) {
	release, err := p.acquire(env.Path)
	if err != nil {
		return false, err
	}
	defer release()

	if _, statErr := os.Lstat(env.Path); errors.Is(statErr, fs.ErrNotExist) {
		env.State = models.EnvTornDown
		return true, nil
	}
	p.Logger.Info("destroying environment", "path", env.Path)
	return false, env.Destroy(ctx)
}

// DestroyPath removes whatever environment lives at path.
func (p *Provisioner) DestroyPath(ctx context.Context, path string) (alreadyAbsent bool, err error) {
	return p.Destroy(ctx, &Env{Path: path, State: models.EnvPopulated, runner: p.Runner})
}
