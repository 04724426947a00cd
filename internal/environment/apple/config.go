package apple

import "github.com/spachava753/stagehand/internal/models"

// ProviderConfig holds Apple Container-specific configuration.
type ProviderConfig struct {
	// RuntimeUser overrides the auto-detected UID for exec operations.
	RuntimeUser string
	// RuntimeGroup overrides the auto-detected GID for exec operations.
	RuntimeGroup string
}

// ConfigFromRelease extracts the apple settings from the [docker] section.
func ConfigFromRelease(d models.DockerSection) ProviderConfig {
	return ProviderConfig{
		RuntimeUser:  d.RuntimeUser,
		RuntimeGroup: d.RuntimeGroup,
	}
}
