package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

// Tasks converts the stages into engine tasks. A stage depends on every
// stage that produces one of its inputs; its inputs are freshness sources
// and its outputs are targets, so an unchanged chain is not re-run.
func (p *Pipeline) Tasks(r shell.Runner, logger *slog.Logger) ([]models.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	producer := make(map[string]string)
	tasks := make([]models.Task, 0, len(p.Stages))
	for _, s := range p.Stages {
		var deps []string
		seen := map[string]struct{}{}
		var sources []string
		for _, in := range s.InputPaths() {
			sources = append(sources, p.Resolve(in))
			if prod, ok := producer[in]; ok {
				if _, dup := seen[prod]; !dup {
					seen[prod] = struct{}{}
					deps = append(deps, prod)
				}
			}
		}
		var targets []string
		for _, out := range s.Outputs() {
			targets = append(targets, p.Resolve(out))
			producer[out] = s.Name
		}

		stage := s
		tasks = append(tasks, models.Task{
			Name:    s.Name,
			Usage:   fmt.Sprintf("pipeline stage %s", s.Command),
			Deps:    deps,
			Sources: sources,
			Targets: targets,
			Func: func(ctx context.Context) error {
				return p.runStage(ctx, r, logger, stage)
			},
		})
	}
	return tasks, nil
}

func (p *Pipeline) runStage(ctx context.Context, r shell.Runner, logger *slog.Logger, s Stage) error {
	argv := s.Argv(p.Binary)
	cmdline := strings.Join(argv, " ")

	for _, in := range s.InputPaths() {
		if !exists(p.Resolve(in)) {
			return &models.CommandError{
				Task:    s.Name,
				Command: cmdline,
				Params:  s.ParamMap(),
				Err:     fmt.Errorf("input artifact %s: %w", in, fs.ErrNotExist),
			}
		}
	}
	for _, out := range s.Outputs() {
		if err := os.MkdirAll(filepath.Dir(p.Resolve(out)), 0755); err != nil {
			return fmt.Errorf("preparing output directory for %s: %w", out, err)
		}
	}

	logger.Info("running stage", "stage", s.Name, "command", cmdline)
	code, err := r.Run(ctx, shell.Command{Argv: argv, Dir: p.Workdir})
	if err != nil {
		return &models.CommandError{Task: s.Name, Command: cmdline, Params: s.ParamMap(), Err: err}
	}
	if code != 0 {
		return &models.CommandError{Task: s.Name, Command: cmdline, Params: s.ParamMap(), ExitCode: code}
	}
	return nil
}
