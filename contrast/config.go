package contrast

// Config holds the hyperparameters of the contrastive correlation loss.
type Config struct {
	// Shifts subtracted from the feature correlation before it weights the
	// code correlation: larger shifts push more pairs apart.
	PosIntraShift float64 `yaml:"pos_intra_shift"`
	PosInterShift float64 `yaml:"pos_inter_shift"`
	NegInterShift float64 `yaml:"neg_inter_shift"`

	// Number of in-batch negative permutations per call.
	NegSamples int `yaml:"neg_samples"`
	// Side of the square grid of sampled locations.
	FeatureSamples int64 `yaml:"feature_samples"`

	// ZeroClamp floors the code correlation at 0 instead of -9999.
	ZeroClamp bool `yaml:"zero_clamp"`
	// UseSalience biases sampled locations toward nonzero salience.
	UseSalience bool `yaml:"use_salience"`
	// Stabilize caps the code correlation at 0.8.
	Stabilize bool `yaml:"stabilize"`
	// Pointwise removes the per-query mean of the feature correlation.
	Pointwise bool `yaml:"pointwise"`
}

// DefaultConfig returns the default hyperparameters.
func DefaultConfig() Config {
	return Config{
		PosIntraShift:  0.18,
		PosInterShift:  0.12,
		NegInterShift:  0.46,
		NegSamples:     10,
		FeatureSamples: 20,
		ZeroClamp:      true,
		UseSalience:    false,
		Stabilize:      false,
		Pointwise:      true,
	}
}
