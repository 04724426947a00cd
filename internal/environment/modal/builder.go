package modal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spachava753/stagehand/internal/shell"
)

// MinImageBuilderVersion is the oldest Modal image builder that replays
// WORKDIR and the other Dockerfile instructions smoke images use.
const MinImageBuilderVersion = "2025.06"

// builderVersion reads image_builder_version from `modal config show`.
func builderVersion(ctx context.Context, r shell.Runner) (string, error) {
	out, err := shell.Output(ctx, r, shell.Command{Argv: []string{"modal", "config", "show"}})
	if err != nil {
		return "", fmt.Errorf("reading modal config: %w", err)
	}
	var cfg struct {
		ImageBuilderVersion *string `json:"image_builder_version"`
	}
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		return "", fmt.Errorf("parsing modal config: %w", err)
	}
	if cfg.ImageBuilderVersion == nil {
		return "", nil
	}
	return *cfg.ImageBuilderVersion, nil
}

// checkImageBuilder fails unless the configured builder is at least
// MinImageBuilderVersion. Versions are YYYY.MM so they compare as strings.
func checkImageBuilder(ctx context.Context, r shell.Runner) error {
	v, err := builderVersion(ctx, r)
	if err != nil {
		return err
	}
	fix := fmt.Sprintf("run: modal config set image_builder_version %s", MinImageBuilderVersion)
	switch {
	case v == "":
		return fmt.Errorf("modal image_builder_version is not set (%s)", fix)
	case v < MinImageBuilderVersion:
		return fmt.Errorf("modal image_builder_version %s is older than %s (%s)", v, MinImageBuilderVersion, fix)
	}
	return nil
}
