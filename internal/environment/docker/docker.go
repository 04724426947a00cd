// Package docker provides container environments and release image builds
// through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/stagehand/internal/environment"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
	"github.com/spachava753/stagehand/internal/util"
)

// Provider runs docker through a shell.Runner.
type Provider struct {
	runner shell.Runner
	out    io.Writer
}

// NewProvider returns a docker provider. Build output is streamed to out.
func NewProvider(r shell.Runner, out io.Writer) *Provider {
	if out == nil {
		out = io.Discard
	}
	return &Provider{runner: r, out: out}
}

func (p *Provider) Name() string {
	return "docker"
}

// docker runs one docker subcommand and turns a non-zero exit into an error
// carrying its stderr.
func docker(ctx context.Context, r shell.Runner, action string, args ...string) error {
	var stderr bytes.Buffer
	code, err := r.Run(ctx, shell.Command{
		Argv:   append([]string{"docker"}, args...),
		Stdout: io.Discard,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if code != 0 {
		return fmt.Errorf("%s: exit code %d: %s", action, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// envFlags renders env as sorted -e flags so command lines are stable.
func envFlags(env map[string]string) []string {
	var flags []string
	for _, k := range models.SortedKeys(env) {
		flags = append(flags, "-e", k+"="+env[k])
	}
	return flags
}

// BuildImage builds the context directory under every requested tag and
// returns the first.
func (p *Provider) BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error) {
	if len(opts.Tags) == 0 {
		return "", errors.New("docker build: at least one tag is required")
	}
	argv := []string{"docker", "build"}
	for _, tag := range opts.Tags {
		argv = append(argv, "-t", tag)
	}
	if opts.NoCache {
		argv = append(argv, "--no-cache")
	}
	argv = append(argv, opts.ContextDir)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	slog.Debug("building docker image", "tags", opts.Tags, "context", opts.ContextDir)
	code, err := p.runner.Run(ctx, shell.Command{Argv: argv, Stdout: p.out, Stderr: p.out})
	switch {
	case err != nil:
		return "", fmt.Errorf("docker build: %w", err)
	case code != 0:
		return "", fmt.Errorf("docker build exited with code %d", code)
	}
	return opts.Tags[0], nil
}

// TagImage adds target as another name for source.
func (p *Provider) TagImage(ctx context.Context, source, target string) error {
	return docker(ctx, p.runner, "docker tag", "tag", source, target)
}

// CreateEnvironment starts a detached container that idles until Destroy.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("stagehand-%d", time.Now().UnixNano())
	}

	args := []string{"run", "-d", "--name", name}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if mem := util.FormatMemoryMB(opts.MemoryMB); mem != "" {
		args = append(args, "--memory", mem)
	}
	args = append(args, envFlags(opts.Env)...)
	args = append(args, opts.ImageRef, "sleep", "infinity")

	if err := docker(ctx, p.runner, "docker run", args...); err != nil {
		return nil, err
	}
	return &DockerEnvironment{containerID: name, runner: p.runner}, nil
}

// DockerEnvironment is a container started by CreateEnvironment.
type DockerEnvironment struct {
	containerID string
	runner      shell.Runner
}

func (e *DockerEnvironment) ID() string {
	return e.containerID
}

// Exec runs cmd under bash inside the container.
func (e *DockerEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	argv := append([]string{"docker", "exec"}, envFlags(opts.Env)...)
	if opts.WorkDir != "" {
		argv = append(argv, "-w", opts.WorkDir)
	}
	argv = append(argv, e.containerID, "bash", "-c", cmd)

	code, err := e.runner.Run(ctx, shell.Command{Argv: argv, Stdout: stdout, Stderr: stderr})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, fmt.Errorf("docker exec in %s timed out after %s", e.containerID, opts.Timeout)
		}
		return -1, fmt.Errorf("docker exec: %w", err)
	}
	return code, nil
}

// Destroy force-removes the container. A container that is already gone is
// not an error.
func (e *DockerEnvironment) Destroy(ctx context.Context) error {
	err := docker(ctx, e.runner, "docker rm", "rm", "-f", e.containerID)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

// PushCommand returns the command an operator runs to publish ref.
func PushCommand(ref string) string {
	return "docker push " + ref
}
