// Package release drives the release workflow: version gates, a staging
// environment that installs the exact published artifact, verification
// against that environment, image tagging and printed upload commands.
//
// Each step is a method on Controller so the CLI can invoke them one at a
// time. Progress is recorded per version in the ledger, which is what lets
// later steps refuse to run before earlier ones have succeeded.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spachava753/stagehand/internal/environment"
	"github.com/spachava753/stagehand/internal/environment/docker"
	"github.com/spachava753/stagehand/internal/environment/venv"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/release/ledger"
	"github.com/spachava753/stagehand/internal/shell"
	"github.com/spachava753/stagehand/internal/vcs"
)

// Steps lists the workflow steps in the order an operator runs them.
var Steps = []string{"check", "ready", "env", "prep", "verify", "docker", "upload", "confirm-upload", "tag", "clean"}

// Repository is the version-control surface the workflow needs.
type Repository interface {
	Version(ctx context.Context) (vcs.VersionInfo, error)
	Tag(ctx context.Context, tag, message string) error
}

// TaskRunner runs named tasks with env overlaid on every command they spawn.
type TaskRunner interface {
	RunTasks(ctx context.Context, env map[string]string, names ...string) error
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, env map[string]string, names ...string) error

// RunTasks implements TaskRunner.
func (f TaskRunnerFunc) RunTasks(ctx context.Context, env map[string]string, names ...string) error {
	return f(ctx, env, names...)
}

// ImageBuilder builds and tags release images locally.
type ImageBuilder interface {
	BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error)
	environment.Tagger
}

// Controller holds everything the release steps touch.
type Controller struct {
	Config      models.ReleaseConfig
	Repo        Repository
	Provisioner *venv.Provisioner
	Runner      shell.Runner
	Ledger      *ledger.Ledger
	Tasks       TaskRunner
	// Smoke runs the container smoke test; Images tags the published image.
	Smoke  environment.Provider
	Images ImageBuilder
	Out    io.Writer
	Logger *slog.Logger
}

func (c *Controller) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Run dispatches a step by name.
func (c *Controller) Run(ctx context.Context, step string) error {
	switch step {
	case "check":
		_, err := c.Check(ctx)
		return err
	case "ready":
		return c.Ready(ctx)
	case "env":
		_, err := c.Env(ctx)
		return err
	case "prep":
		return c.Prep(ctx)
	case "verify":
		return c.Verify(ctx)
	case "docker":
		_, err := c.Docker(ctx)
		return err
	case "upload":
		return c.Upload(ctx)
	case "confirm-upload":
		return c.ConfirmUpload(ctx)
	case "tag":
		return c.Tag(ctx)
	case "clean":
		return c.Clean(ctx)
	default:
		return models.Configf("", "unknown release step %q (want one of %s)", step, strings.Join(Steps, ", "))
	}
}

// version resolves the release version and enforces that it is set and
// clean. An operator-supplied version=... takes precedence over the
// repository query.
func (c *Controller) version(ctx context.Context) (string, error) {
	var info vcs.VersionInfo
	if v := c.Config.Release.Version; v != "" {
		info = vcs.FromDescribe(v)
	} else {
		var err error
		if info, err = c.Repo.Version(ctx); err != nil {
			return "", fmt.Errorf("querying version: %w", err)
		}
	}

	switch info.State {
	case vcs.StateTaggedClean:
		return info.Version, nil
	case vcs.StateTaggedDirty:
		return "", &models.PreconditionError{
			Gate: "release-check",
			Code: models.ExitVersionDirty,
			Msg:  fmt.Sprintf("version %s has uncommitted changes", info.Version),
			Hint: "commit or stash changes so HEAD matches the tag exactly",
		}
	default:
		return "", &models.PreconditionError{
			Gate: "release-check",
			Code: models.ExitVersionUnset,
			Msg:  "version is not set",
			Hint: "check out an annotated release tag or pass version=<version>",
		}
	}
}

// Check verifies the version gate and prints the version exactly once. It
// records nothing, so it may run at any point of a release.
func (c *Controller) Check(ctx context.Context) (string, error) {
	v, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(c.out(), v)
	return v, nil
}

// Ready fails if a staging environment from an earlier release still
// exists. It never removes it.
func (c *Controller) Ready(ctx context.Context) error {
	path := c.Config.Release.StagingEnv
	if venv.Exists(path) {
		return &models.PreconditionError{
			Gate: "release-ready",
			Code: models.ExitStaleReleaseEnv,
			Msg:  fmt.Sprintf("a previous release environment exists at %s", path),
			Hint: "inspect it, then run `stagehand release clean`",
		}
	}
	return nil
}

// Env provisions the staging environment and installs the CI requirements.
func (c *Controller) Env(ctx context.Context) (*venv.Env, error) {
	env, err := c.Provisioner.Create(ctx, c.Config.Release.StagingEnv)
	if err != nil {
		return nil, fmt.Errorf("creating staging environment: %w", err)
	}
	if err := c.Provisioner.Install(ctx, env, c.Config.Release.CIRequirements); err != nil {
		return env, fmt.Errorf("installing CI requirements: %w", err)
	}
	return env, nil
}

// SdistPath is where the build command is expected to leave the source
// distribution for version.
func (c *Controller) SdistPath(version string) string {
	return filepath.Join(c.Config.Release.DistDir, fmt.Sprintf("%s-%s.tar.gz", c.Config.Release.Package, version))
}

// Prep runs check, ready and env, then builds the source distribution and
// installs it into the staging environment.
func (c *Controller) Prep(ctx context.Context) error {
	if c.Config.Release.Package == "" {
		return models.Configf("release config", "release.package is required to locate the built distribution")
	}
	v, err := c.Check(ctx)
	if err != nil {
		return err
	}
	if err := c.Ready(ctx); err != nil {
		return err
	}
	if c.Ledger != nil {
		if _, err := c.Ledger.Transition(ctx, v, models.ReleaseTaggedClean); err != nil {
			return err
		}
	}
	env, err := c.Env(ctx)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(c.Config.Release.DistDir); err != nil {
		return fmt.Errorf("removing old distributions: %w", err)
	}
	build := c.Config.Release.BuildCommand
	c.logger().Info("building distribution", "version", v, "command", build)
	code, err := c.Runner.Run(ctx, shell.Command{Line: build})
	if err != nil {
		return &models.CommandError{Task: "release-prep", Command: build, Err: err}
	}
	if code != 0 {
		return &models.CommandError{Task: "release-prep", Command: build, ExitCode: code}
	}

	sdist := c.SdistPath(v)
	if _, err := os.Stat(sdist); err != nil {
		return fmt.Errorf("locating built distribution: %w", err)
	}
	if err := c.Provisioner.InstallArtifact(ctx, env, sdist); err != nil {
		return fmt.Errorf("installing %s into staging environment: %w", sdist, err)
	}

	if c.Ledger != nil {
		if _, err := c.Ledger.Transition(ctx, v, models.ReleaseBuilt); err != nil {
			return err
		}
	}
	c.logger().Info("release prepared", "version", v, "artifact", sdist, "env", env.Path)
	return nil
}

// gate resolves the version and checks the ledger allows moving to next.
func (c *Controller) gate(ctx context.Context, next models.ReleaseState) (string, error) {
	v, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	if c.Ledger != nil {
		if _, err := c.Ledger.Require(ctx, v, next); err != nil {
			return "", err
		}
	}
	return v, nil
}

// Verify re-runs the configured suites with the staging environment's
// activation overlaid on every nested command, then smoke-tests the image.
func (c *Controller) Verify(ctx context.Context) error {
	v, err := c.gate(ctx, models.ReleaseVerified)
	if err != nil {
		return err
	}
	env, err := c.Provisioner.Open(c.Config.Release.StagingEnv)
	if err != nil {
		return fmt.Errorf("staging environment: %w", err)
	}

	c.logger().Info("verifying release", "version", v, "tasks", c.Config.Verify.Tasks)
	if err := c.Tasks.RunTasks(ctx, env.ActivationEnv(), c.Config.Verify.Tasks...); err != nil {
		return err
	}
	if err := c.smokeTest(ctx, v); err != nil {
		return err
	}

	if c.Ledger != nil {
		if _, err := c.Ledger.Transition(ctx, v, models.ReleaseVerified); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) smokeTest(ctx context.Context, version string) error {
	d := c.Config.Docker
	if d.SmokeCommand == "" || c.Smoke == nil {
		c.logger().Warn("skipping container smoke test", "reason", "no smoke command or backend configured")
		return nil
	}

	ref, err := c.Smoke.BuildImage(ctx, environment.BuildImageOptions{
		ContextDir: d.Context,
		Tags:       []string{smokeImage(d.Image, version)},
		Timeout:    time.Duration(d.BuildTimeoutSec * float64(time.Second)),
	})
	if err != nil {
		return fmt.Errorf("smoke test: %w", err)
	}
	env, err := c.Smoke.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{
		Name:     "stagehand-smoke-" + sanitize(version),
		ImageRef: ref,
		CPUs:     d.CPUs,
		MemoryMB: d.MemoryMB,
	})
	if err != nil {
		return fmt.Errorf("smoke test: %w", err)
	}

	c.logger().Info("running smoke test", "backend", c.Smoke.Name(), "environment", env.ID())
	code, err := environment.Run(ctx, env, d.SmokeCommand, c.out(), c.out(), environment.ExecOptions{})
	if err != nil {
		return &models.CommandError{Task: "release-verify", Command: d.SmokeCommand, Err: err}
	}
	if code != 0 {
		return &models.CommandError{Task: "release-verify", Command: d.SmokeCommand, ExitCode: code}
	}
	return nil
}

func smokeImage(image, version string) string {
	if image == "" {
		image = "stagehand-smoke"
	}
	return image + ":" + version + "-smoke"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// ImageTags returns the primary and build-number-qualified tags.
func (c *Controller) ImageTags(version string) ([]string, error) {
	d := c.Config.Docker
	if d.Image == "" {
		return nil, models.Configf("release config", "docker.image is required")
	}
	if d.BuildNumber == "" {
		return nil, models.Configf("release config", "docker.build_number is required (pass build_number=...)")
	}
	return []string{
		d.Image + ":" + version,
		d.Image + ":" + version + "-" + d.BuildNumber,
	}, nil
}

// Docker builds the release image and applies both tags. Only a verified
// release is tagged.
func (c *Controller) Docker(ctx context.Context) ([]string, error) {
	v, err := c.gate(ctx, models.ReleaseUploaded)
	if err != nil {
		return nil, err
	}
	tags, err := c.ImageTags(v)
	if err != nil {
		return nil, err
	}
	ref, err := c.Images.BuildImage(ctx, environment.BuildImageOptions{
		ContextDir: c.Config.Docker.Context,
		Tags:       tags[:1],
		Timeout:    time.Duration(c.Config.Docker.BuildTimeoutSec * float64(time.Second)),
	})
	if err != nil {
		return nil, err
	}
	for _, tag := range tags[1:] {
		if err := c.Images.TagImage(ctx, ref, tag); err != nil {
			return nil, err
		}
	}
	c.logger().Info("release image tagged", "version", v, "tags", tags)
	return tags, nil
}

// UploadCommands returns the publication commands for version.
func (c *Controller) UploadCommands(version string) ([]string, error) {
	tags, err := c.ImageTags(version)
	if err != nil {
		return nil, err
	}
	cmds := []string{
		fmt.Sprintf("twine upload --repository %s %s", c.Config.Upload.Repository, c.SdistPath(version)),
	}
	for _, tag := range tags {
		cmds = append(cmds, docker.PushCommand(tag))
	}
	return cmds, nil
}

// Upload prints the upload commands. It never runs them.
func (c *Controller) Upload(ctx context.Context) error {
	v, err := c.gate(ctx, models.ReleaseUploaded)
	if err != nil {
		return err
	}
	cmds, err := c.UploadCommands(v)
	if err != nil {
		return err
	}
	w := c.out()
	fmt.Fprintln(w, "# Run these commands to publish, then `stagehand release confirm-upload`:")
	for _, cmd := range cmds {
		fmt.Fprintln(w, cmd)
	}
	return nil
}

// ConfirmUpload records that the operator published the release.
func (c *Controller) ConfirmUpload(ctx context.Context) error {
	v, err := c.version(ctx)
	if err != nil {
		return err
	}
	if c.Ledger == nil {
		return errors.New("confirm-upload needs a release ledger")
	}
	if _, err := c.Ledger.Transition(ctx, v, models.ReleaseUploaded); err != nil {
		return err
	}
	c.logger().Info("release marked uploaded", "version", v)
	return nil
}

// Tag creates the annotated release tag named by tag=....
func (c *Controller) Tag(ctx context.Context) error {
	tag := c.Config.Release.Tag
	if tag == "" {
		return &models.PreconditionError{
			Gate: "release-tag",
			Code: models.ExitTagNotRequested,
			Msg:  "no tag requested",
			Hint: "pass tag=<version>",
		}
	}
	if err := c.Repo.Tag(ctx, tag, "Release "+tag); err != nil {
		return err
	}
	fmt.Fprintln(c.out(), tag)
	return nil
}

// Clean removes the staging environment and the dist directory so the
// workflow can restart. The ledger is left alone.
func (c *Controller) Clean(ctx context.Context) error {
	absent, err := c.Provisioner.DestroyPath(ctx, c.Config.Release.StagingEnv)
	if err != nil {
		return fmt.Errorf("removing staging environment: %w", err)
	}
	if err := os.RemoveAll(c.Config.Release.DistDir); err != nil {
		return fmt.Errorf("removing %s: %w", c.Config.Release.DistDir, err)
	}
	c.logger().Info("release workspace cleaned", "env", c.Config.Release.StagingEnv, "env_was_absent", absent, "dist", c.Config.Release.DistDir)
	return nil
}
