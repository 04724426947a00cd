package models

// ArtifactFormat tags the content type of a pipeline artifact.
type ArtifactFormat string

const (
	FormatTiledImageStack    ArtifactFormat = "tiled-image-stack"
	FormatLabelImage         ArtifactFormat = "label-image"
	FormatSpotIntensityTable ArtifactFormat = "spot-intensity-table"
	FormatCellTargetedSpots  ArtifactFormat = "cell-targeted-spot-table"
	FormatDecodedSpotTable   ArtifactFormat = "decoded-spot-table"
	FormatExternal           ArtifactFormat = "external"
)

// Artifact is a file produced by one pipeline stage and consumed by the next.
type Artifact struct {
	Path     string         `json:"path"`
	Format   ArtifactFormat `json:"format"`
	Producer string         `json:"producer,omitempty"` // empty for sources
}
