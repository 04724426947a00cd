// Package apple runs release smoke tests in containers managed by Apple's
// container CLI.
package apple

import (
	"bytes"
	"context"
	"encoding/json"
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

// Provider drives the `container` CLI through a shell.Runner.
type Provider struct {
	config ProviderConfig
	runner shell.Runner
	out    io.Writer
}

// NewProvider creates a new Apple Container provider. Build output is
// streamed to out.
func NewProvider(cfg ProviderConfig, r shell.Runner, out io.Writer) *Provider {
	if out == nil {
		out = io.Discard
	}
	return &Provider{config: cfg, runner: r, out: out}
}

func (p *Provider) Name() string {
	return "apple"
}

// run executes the container CLI and returns its exit code and stderr.
func (p *Provider) run(ctx context.Context, stdout io.Writer, args ...string) (int, string, error) {
	var stderr bytes.Buffer
	if stdout == nil {
		stdout = io.Discard
	}
	code, err := p.runner.Run(ctx, shell.Command{
		Argv:   append([]string{"container"}, args...),
		Stdout: stdout,
		Stderr: &stderr,
	})
	return code, strings.TrimSpace(stderr.String()), err
}

// BuildImage builds a container image using Apple Container. Extra tags are
// passed to the same build.
func (p *Provider) BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error) {
	if len(opts.Tags) == 0 {
		return "", fmt.Errorf("building container image: at least one tag is required")
	}
	args := []string{"build"}
	for _, tag := range opts.Tags {
		args = append(args, "-t", tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	args = append(args, opts.ContextDir)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	slog.Debug("executing container build", "tags", opts.Tags, "context", opts.ContextDir, "no_cache", opts.NoCache)
	code, err := p.runner.Run(ctx, shell.Command{
		Argv:   append([]string{"container"}, args...),
		Stdout: p.out,
		Stderr: p.out,
	})
	if err != nil {
		return "", fmt.Errorf("building container image: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("building container image: container build exited with code %d", code)
	}
	return opts.Tags[0], nil
}

// CreateEnvironment creates and starts an Apple Container. A name collision
// with a leftover container is retried once under a unique name.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	containerName := opts.Name
	if containerName == "" {
		containerName = fmt.Sprintf("stagehand-%d", time.Now().UnixNano())
	}

	args := []string{"run", "-d", "--name", containerName}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if mem := util.FormatMemoryMB(opts.MemoryMB); mem != "" {
		args = append(args, "--memory", mem)
	}
	for _, k := range models.SortedKeys(opts.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	args = append(args, opts.ImageRef, "sleep", "infinity")

	slog.Debug("creating apple container", "name", containerName, "image", opts.ImageRef, "cpus", opts.CPUs, "memory_mb", opts.MemoryMB)

	var stdout bytes.Buffer
	code, errMsg, err := p.run(ctx, &stdout, args...)
	if err != nil {
		return nil, fmt.Errorf("creating apple container: %w", err)
	}
	if code != 0 && (strings.Contains(errMsg, "name already in use") || strings.Contains(errMsg, "already exists")) {
		containerName = fmt.Sprintf("%s-%d", containerName, time.Now().UnixNano())
		args[3] = containerName
		slog.Debug("retrying with unique name", "name", containerName)
		stdout.Reset()
		if code, errMsg, err = p.run(ctx, &stdout, args...); err != nil {
			return nil, fmt.Errorf("creating apple container: %w", err)
		}
	}
	if code != 0 {
		return nil, fmt.Errorf("creating apple container: exit code %d: %s", code, errMsg)
	}

	containerID := strings.TrimSpace(stdout.String())
	if containerID == "" {
		// Some CLI versions print nothing; the name still addresses it.
		containerID = containerName
	}

	uid, gid := p.detectRuntimeUID(ctx, containerID)
	return &Environment{
		containerID: containerID,
		runtimeUID:  uid,
		runtimeGID:  gid,
		provider:    p,
	}, nil
}

// detectRuntimeUID determines the UID and GID to use for exec operations.
// Priority: explicit config, then container inspect, then `id` inside the
// container, then 1000.
func (p *Provider) detectRuntimeUID(ctx context.Context, containerID string) (uid, gid string) {
	if p.config.RuntimeUser != "" {
		uid, gid = p.config.RuntimeUser, p.config.RuntimeGroup
		if gid == "" {
			gid = uid
		}
		return uid, gid
	}
	if uid, gid = p.detectFromInspect(ctx, containerID); uid != "" {
		return uid, gid
	}
	if uid, gid = p.detectFromExec(ctx, containerID); uid != "" {
		return uid, gid
	}
	slog.Warn("could not detect runtime UID, defaulting to 1000", "container_id", containerID)
	return "1000", "1000"
}

func (p *Provider) output(ctx context.Context, args ...string) (string, bool) {
	var stdout bytes.Buffer
	code, _, err := p.run(ctx, &stdout, args...)
	if err != nil || code != 0 {
		return "", false
	}
	return strings.TrimSpace(stdout.String()), true
}

// detectFromInspect reads the image's configured user from container inspect.
func (p *Provider) detectFromInspect(ctx context.Context, containerID string) (uid, gid string) {
	out, ok := p.output(ctx, "inspect", containerID)
	if !ok {
		return "", ""
	}
	var inspectData []struct {
		Config struct {
			User string `json:"User"`
		} `json:"Config"`
	}
	if err := json.Unmarshal([]byte(out), &inspectData); err != nil || len(inspectData) == 0 {
		slog.Debug("failed to parse inspect output", "error", err)
		return "", ""
	}

	user := inspectData[0].Config.User
	if user == "" {
		return "0", "0"
	}
	uid, gid, found := strings.Cut(user, ":")
	if !found {
		gid = uid
	}
	if !isNumeric(uid) {
		if resolved, ok := p.output(ctx, "exec", containerID, "id", "-u", uid); ok {
			uid = resolved
		}
	}
	if !isNumeric(gid) {
		gid = uid
	}
	return uid, gid
}

// detectFromExec runs id inside the container.
func (p *Provider) detectFromExec(ctx context.Context, containerID string) (uid, gid string) {
	uid, ok := p.output(ctx, "exec", containerID, "id", "-u")
	if !ok {
		return "", ""
	}
	if gid, ok = p.output(ctx, "exec", containerID, "id", "-g"); !ok {
		gid = uid
	}
	return uid, gid
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Environment is a started container plus the user its commands run as.
type Environment struct {
	containerID string
	runtimeUID  string
	runtimeGID  string
	provider    *Provider
}

func (e *Environment) ID() string {
	return e.containerID
}

// Exec executes a command in the container as the runtime user.
func (e *Environment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"container", "exec"}
	if e.runtimeUID != "" && e.runtimeUID != "0" {
		args = append(args, "--uid", e.runtimeUID)
	}
	for _, k := range models.SortedKeys(opts.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = append(args, e.containerID, "bash", "-c", cmd)

	code, err := e.provider.runner.Run(ctx, shell.Command{Argv: args, Stdout: stdout, Stderr: stderr})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, fmt.Errorf("container exec in %s timed out after %s", e.containerID, opts.Timeout)
		}
		return -1, fmt.Errorf("container exec: %w", err)
	}
	return code, nil
}

// Destroy force-removes the container. One that is already gone is not an
// error.
func (e *Environment) Destroy(ctx context.Context) error {
	slog.Debug("destroying apple container", "container_id", e.containerID)
	code, errMsg, err := e.provider.run(ctx, nil, "rm", "--force", e.containerID)
	if err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	if code != 0 && !strings.Contains(errMsg, "No such container") && !strings.Contains(errMsg, "not found") {
		return fmt.Errorf("removing container: %s", errMsg)
	}
	return nil
}
