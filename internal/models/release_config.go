package models

// ReleaseConfig represents the parsed release.toml configuration.
type ReleaseConfig struct {
	Release ReleaseSection `toml:"release"`
	Verify  VerifySection  `toml:"verify"`
	Docker  DockerSection  `toml:"docker"`
	Upload  UploadSection  `toml:"upload"`
}

type ReleaseSection struct {
	Package        string `toml:"package"`
	StagingEnv     string `toml:"staging_env"`     // default: .venv
	CIRequirements string `toml:"ci_requirements"` // default: REQUIREMENTS-CI.txt
	DistDir        string `toml:"dist_dir"`        // default: dist
	BuildCommand   string `toml:"build_command"`   // default: python setup.py sdist
	LedgerPath     string `toml:"ledger_path"`     // default: .stagehand/releases.db

	// Operator overrides, normally supplied as version=... and tag=...
	Version string `toml:"version,omitempty"`
	Tag     string `toml:"tag,omitempty"`
}

type VerifySection struct {
	Tasks []string `toml:"tasks"` // default: ["fast", "slow"]
}

type DockerSection struct {
	Image           string  `toml:"image"`
	Backend         string  `toml:"backend"` // docker, modal or apple
	Context         string  `toml:"context"`
	SmokeCommand    string  `toml:"smoke_command"`
	BuildNumber     string  `toml:"build_number,omitempty"`
	BuildTimeoutSec float64 `toml:"build_timeout_sec"`
	CPUs            int     `toml:"cpus"`
	Memory          string  `toml:"memory,omitempty"` // Deprecated: use MemoryMB
	MemoryMB        int     `toml:"memory_mb,omitempty"`

	// Modal backend only
	ModalApp string   `toml:"modal_app,omitempty"`
	Regions  []string `toml:"regions,omitempty"`
	Verbose  bool     `toml:"verbose,omitempty"`

	// Apple backend only; detected from the image when unset
	RuntimeUser  string `toml:"runtime_user,omitempty"`
	RuntimeGroup string `toml:"runtime_group,omitempty"`
}

type UploadSection struct {
	Repository string `toml:"repository"`
}
