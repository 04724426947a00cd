package pipeline

import "github.com/spachava753/stagehand/internal/models"

// Subcommand describes one pipeline CLI subcommand: where it sits in the
// canonical stage order, what it produces and which flags each of its
// algorithms cannot run without.
type Subcommand struct {
	Name   string
	Order  int
	Output models.ArtifactFormat
	// Inputs are flags every invocation must name, whatever the algorithm.
	Inputs []string
	// Algorithms maps algorithm names to their required flags. A nil map
	// means the subcommand takes no algorithm.
	Algorithms map[string][]string
}

// Contract lists the supported subcommands in canonical order.
var Contract = []Subcommand{
	{
		Name:   "format",
		Order:  0,
		Output: models.FormatTiledImageStack,
	},
	{
		Name:   "registration",
		Order:  1,
		Output: models.FormatTiledImageStack,
		Inputs: []string{"input"},
		Algorithms: map[string][]string{
			"FourierShiftRegistration": {"reference-stack", "upsampling"},
		},
	},
	{
		Name:   "filter",
		Order:  2,
		Output: models.FormatTiledImageStack,
		Inputs: []string{"input"},
		Algorithms: map[string][]string{
			"WhiteTophat":            {"masking-radius"},
			"Bandpass":               {"lshort", "llong", "threshold"},
			"GaussianHighPass":       {"sigma"},
			"GaussianLowPass":        {"sigma"},
			"MeanHighPass":           {"size"},
			"Clip":                   {"p-min", "p-max"},
			"DeconvolvePSF":          {"num-iter", "sigma"},
			"ZeroByChannelMagnitude": {"thresh"},
		},
	},
	{
		Name:   "detect_spots",
		Order:  3,
		Output: models.FormatSpotIntensityTable,
		Inputs: []string{"input"},
		Algorithms: map[string][]string{
			"GaussianSpotDetector": {"min-sigma", "max-sigma", "num-sigma", "threshold"},
			"LocalMaxPeakFinder":   {"spot-diameter", "min-mass", "max-size", "separation"},
			"PixelSpotDetector":    {"codebook", "distance-threshold", "magnitude-threshold"},
		},
	},
	{
		Name:   "segment",
		Order:  4,
		Output: models.FormatLabelImage,
		Inputs: []string{"primary-images", "nuclei"},
		Algorithms: map[string][]string{
			"Watershed": {"nuclei-threshold", "input-threshold", "min-distance"},
		},
	},
	{
		Name:   "target_assignment",
		Order:  5,
		Output: models.FormatCellTargetedSpots,
		Inputs: []string{"label-image", "intensities"},
		Algorithms: map[string][]string{
			"Label": nil,
		},
	},
	{
		Name:   "decode",
		Order:  6,
		Output: models.FormatDecodedSpotTable,
		Inputs: []string{"input", "codebook"},
		Algorithms: map[string][]string{
			"PerRoundMaxChannelIntensity": nil,
			"MetricDistance":              {"max-distance", "min-intensity"},
		},
	},
}

// Lookup returns the contract entry for a subcommand name.
func Lookup(name string) (Subcommand, bool) {
	for _, s := range Contract {
		if s.Name == name {
			return s, true
		}
	}
	return Subcommand{}, false
}
