package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/util"
)

// DefaultReleaseConfig returns a ReleaseConfig with default values.
func DefaultReleaseConfig() models.ReleaseConfig {
	return models.ReleaseConfig{
		Release: models.ReleaseSection{
			StagingEnv:     ".venv",
			CIRequirements: "REQUIREMENTS-CI.txt",
			DistDir:        "dist",
			BuildCommand:   "python setup.py sdist",
			LedgerPath:     ".stagehand/releases.db",
		},
		Verify: models.VerifySection{
			Tasks: []string{"fast", "slow"},
		},
		Docker: models.DockerSection{
			Backend:         "docker",
			Context:         ".",
			BuildTimeoutSec: 1800.0,
			CPUs:            1,
			MemoryMB:        2048, // 2G
		},
		Upload: models.UploadSection{
			Repository: "pypi",
		},
	}
}

// LoadReleaseConfig loads and parses a release.toml file. A missing file is
// not an error when allowMissing is set; defaults are returned instead.
func LoadReleaseConfig(path string, overrides map[string]string, allowMissing bool) (models.ReleaseConfig, error) {
	cfg := DefaultReleaseConfig()

	data, err := os.ReadFile(path)
	switch {
	case err != nil && os.IsNotExist(err) && allowMissing:
		return cfg, applyReleaseOverrides(&cfg, overrides)
	case err != nil:
		return cfg, fmt.Errorf("reading release config: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, &models.ConfigError{Source: path, Msg: "parsing release config", Err: err}
	}

	// Handle legacy 'memory' field if 'memory_mb' is not explicitly set
	if !md.IsDefined("docker", "memory_mb") && md.IsDefined("docker", "memory") {
		mb, err := util.ParseMemory(cfg.Docker.Memory)
		if err != nil {
			return cfg, models.Configf(path, "parsing docker memory %q: %v", cfg.Docker.Memory, err)
		}
		cfg.Docker.MemoryMB = mb
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, models.Configf(path, "unknown release config key %q", undecoded[0].String())
	}

	return cfg, applyReleaseOverrides(&cfg, overrides)
}

// applyReleaseOverrides maps operator key=value overrides onto the config.
func applyReleaseOverrides(cfg *models.ReleaseConfig, overrides map[string]string) error {
	for k, v := range overrides {
		switch k {
		case "version":
			cfg.Release.Version = v
		case "tag":
			cfg.Release.Tag = v
		case "image":
			cfg.Docker.Image = v
		case "build_number":
			cfg.Docker.BuildNumber = v
		case "backend":
			cfg.Docker.Backend = v
		case "staging_env":
			cfg.Release.StagingEnv = v
		case "cpus":
			n, err := strconv.Atoi(v)
			if err != nil {
				return models.Configf("overrides", "cpus must be an integer, got %q", v)
			}
			cfg.Docker.CPUs = n
		case "memory":
			mb, err := util.ParseMemory(v)
			if err != nil {
				return models.Configf("overrides", "memory: %v", err)
			}
			cfg.Docker.MemoryMB = mb
		}
	}

	switch cfg.Docker.Backend {
	case "docker", "modal", "apple":
	default:
		return models.Configf("release config", "unsupported container backend: %s", cfg.Docker.Backend)
	}
	return nil
}
