// Package environment defines the isolated execution environments used by the
// lock manager and the release controller.
//
// Two kinds exist: package environments (virtualenvs, see package venv) that
// hold an interpreter plus installed packages, and container environments
// (docker, apple or modal) used to smoke-test a release image.
package environment

import (
	"context"
	"io"
	"time"
)

// Environment is an isolated place commands can run in.
type Environment interface {
	// ID returns the unique identifier for this environment: a directory for
	// package environments, a container or sandbox id otherwise.
	ID() string

	// Exec executes a command in the environment, streaming stdout and stderr to the provided writers.
	// Returns the exit code or error on failure.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts ExecOptions) (int, error)

	// Destroy removes the environment and cleans up all resources. It is
	// safe to call on an environment that is already gone.
	Destroy(ctx context.Context) error
}

// ExecOptions configures command execution.
type ExecOptions struct {
	Env     map[string]string
	Timeout time.Duration
	WorkDir string
}

// Provider is a factory for container environments.
type Provider interface {
	// Name returns the provider name ("docker" or "modal").
	Name() string

	// BuildImage builds a container image from the given context directory
	// and returns a reference usable by CreateEnvironment.
	BuildImage(ctx context.Context, opts BuildImageOptions) (string, error)

	// CreateEnvironment creates and starts a new environment from an image.
	CreateEnvironment(ctx context.Context, opts CreateEnvironmentOptions) (Environment, error)
}

// Tagger is implemented by providers that can add tags to a built image.
type Tagger interface {
	TagImage(ctx context.Context, source, target string) error
}

// BuildImageOptions configures image building.
type BuildImageOptions struct {
	ContextDir string
	// Tags are applied in order; the first is the returned reference.
	Tags    []string
	Timeout time.Duration
	NoCache bool
}

// CreateEnvironmentOptions configures environment creation.
type CreateEnvironmentOptions struct {
	Name     string
	ImageRef string
	CPUs     int
	MemoryMB int
	Env      map[string]string
}

// Run executes cmd in env and destroys env afterwards, whatever the outcome.
func Run(ctx context.Context, env Environment, cmd string, stdout, stderr io.Writer, opts ExecOptions) (code int, err error) {
	defer func() {
		if derr := env.Destroy(context.WithoutCancel(ctx)); derr != nil && err == nil {
			err = derr
		}
	}()
	return env.Exec(ctx, cmd, stdout, stderr, opts)
}
