// Package modal runs release smoke tests in Modal sandboxes.
package modal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modal-labs/libmodal/modal-go"

	"github.com/spachava753/stagehand/internal/environment"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

// ProviderConfig is the [docker] section as the modal backend sees it.
type ProviderConfig struct {
	// AppName is the Modal app sandboxes run under. Empty means one app per
	// smoke environment, named after it.
	AppName string
	// Regions restricts where sandboxes may be scheduled.
	Regions []string
	// Verbose turns on Modal's sandbox logs.
	Verbose bool
}

// ConfigFromRelease extracts the Modal settings of a release's docker section.
func ConfigFromRelease(d models.DockerSection) ProviderConfig {
	return ProviderConfig{
		AppName: d.ModalApp,
		Regions: d.Regions,
		Verbose: d.Verbose,
	}
}

const (
	defaultMemoryMiB = 2048
	sandboxTimeout   = time.Hour
)

// Provider runs smoke environments as Modal sandboxes.
type Provider struct {
	client *modal.Client
	config ProviderConfig
	// cli runs the modal CLI for what the SDK does not expose.
	cli shell.Runner
}

// NewProvider checks the image builder version and connects to Modal.
func NewProvider(ctx context.Context, config ProviderConfig, r shell.Runner) (*Provider, error) {
	if err := checkImageBuilder(ctx, r); err != nil {
		return nil, err
	}

	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{client: client, config: config, cli: r}, nil
}

func (p *Provider) Name() string {
	return "modal"
}

// BuildImage validates the Dockerfile in the context directory and returns
// the directory as the image reference. The image itself is built when the
// sandbox is created, since Modal images are bound to an app.
func (p *Provider) BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error) {
	if _, err := readDockerfile(opts.ContextDir); err != nil {
		return "", err
	}
	slog.Debug("modal build deferred", "context", opts.ContextDir, "tags", opts.Tags)
	return opts.ContextDir, nil
}

func readDockerfile(contextDir string) (dockerfile, error) {
	content, err := os.ReadFile(filepath.Join(contextDir, "Dockerfile"))
	if err != nil {
		return dockerfile{}, fmt.Errorf("reading Dockerfile: %w", err)
	}
	df, err := parseDockerfile(string(content))
	if err != nil {
		return dockerfile{}, fmt.Errorf("parsing Dockerfile: %w", err)
	}
	return df, nil
}

// image resolves ref to a Modal image: a context directory is replayed from
// its Dockerfile and built eagerly, anything else is a registry reference.
func (p *Provider) image(ctx context.Context, app *modal.App, ref string) (*modal.Image, error) {
	info, err := os.Stat(ref)
	if err != nil || !info.IsDir() {
		slog.Debug("using registry image for modal", "image", ref)
		return p.client.Images.FromRegistry(ref, nil), nil
	}

	df, err := readDockerfile(ref)
	if err != nil {
		return nil, err
	}
	image := p.client.Images.FromRegistry(df.Base, nil)
	if len(df.Commands) > 0 {
		image = image.DockerfileCommands(df.Commands, nil)
	}
	// Build errors should surface before a sandbox is requested.
	built, err := image.Build(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("building image from %s: %w", ref, err)
	}
	return built, nil
}

// CreateEnvironment starts a sandbox from ImageRef, which is either a build
// context returned by BuildImage or a registry reference.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	appName := p.config.AppName
	if appName == "" {
		appName = opts.Name
	}
	if appName == "" {
		appName = fmt.Sprintf("stagehand-%d", time.Now().UnixNano())
	}

	app, err := p.client.Apps.FromName(ctx, appName, &modal.AppFromNameParams{CreateIfMissing: true})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}
	image, err := p.image(ctx, app, opts.ImageRef)
	if err != nil {
		return nil, err
	}

	params := &modal.SandboxCreateParams{
		CPU:       float64(max(opts.CPUs, 1)),
		MemoryMiB: opts.MemoryMB,
		Env:       maps.Clone(opts.Env),
		Timeout:   sandboxTimeout,
		Verbose:   p.config.Verbose,
		Regions:   p.config.Regions,
	}
	if params.MemoryMiB <= 0 {
		params.MemoryMiB = defaultMemoryMiB
	}
	slog.Debug("creating modal sandbox", "app", appName, "cpus", params.CPU, "memory_mib", params.MemoryMiB, "regions", params.Regions)

	sandbox, err := p.client.Sandboxes.Create(ctx, app, image, params)
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}
	return &ModalEnvironment{
		sandbox: sandbox,
		appName: appName,
		// A shared app outlives the smoke test.
		stopApp: p.config.AppName == "",
		cli:     p.cli,
	}, nil
}

// ModalEnvironment is one sandbox and the app it belongs to.
type ModalEnvironment struct {
	sandbox *modal.Sandbox
	appName string
	stopApp bool
	cli     shell.Runner
}

func (e *ModalEnvironment) ID() string {
	return e.sandbox.SandboxID
}

// Exec runs cmd under bash, streaming both outputs until the process exits.
func (e *ModalEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	params := &modal.SandboxExecParams{
		Env:     opts.Env,
		Timeout: opts.Timeout,
		Workdir: opts.WorkDir,
	}

	slog.Debug("executing command in modal sandbox", "sandbox_id", e.sandbox.SandboxID, "command", cmd)
	process, err := e.sandbox.Exec(ctx, []string{"bash", "-c", cmd}, params)
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}

	copied := make(chan struct{}, 2)
	drain := func(w io.Writer, r io.Reader) {
		if w == nil {
			w = io.Discard
		}
		_, _ = io.Copy(w, r)
		copied <- struct{}{}
	}
	go drain(stdout, process.Stdout)
	go drain(stderr, process.Stderr)
	<-copied
	<-copied

	exitCode, err := process.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("waiting for process: %w", err)
	}
	return exitCode, nil
}

// Destroy terminates the sandbox and, for a per-test app, stops the app.
func (e *ModalEnvironment) Destroy(ctx context.Context) error {
	slog.Debug("destroying modal sandbox", "sandbox_id", e.sandbox.SandboxID, "app", e.appName)

	if err := e.sandbox.Terminate(ctx); err != nil && !gone(err.Error()) {
		return fmt.Errorf("terminating sandbox: %w", err)
	}
	if !e.stopApp {
		return nil
	}
	return stopApp(ctx, e.cli, e.appName)
}

// stopApp stops appName through the CLI, since the SDK has no app stop.
func stopApp(ctx context.Context, r shell.Runner, appName string) error {
	var out bytes.Buffer
	code, err := r.Run(ctx, shell.Command{
		Argv:   []string{"modal", "app", "stop", appName},
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		return fmt.Errorf("stopping modal app: %w", err)
	}
	if code != 0 && !gone(out.String()) {
		return fmt.Errorf("stopping modal app %s: %s", appName, strings.TrimSpace(out.String()))
	}
	return nil
}

// gone reports whether a Modal error means the resource no longer exists.
func gone(msg string) bool {
	for _, s := range []string{"already terminated", "already stopped", "not found", "Could not find"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
