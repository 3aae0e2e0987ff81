package sediment

// Config holds the tunables of a [Log]. Start from [DefaultConfig].
type Config struct {
	// GridSize is the side length of a spatial bucket.
	GridSize float64 `yaml:"grid_size"`

	// Capacity is the fragment count above which erosion starts.
	Capacity int `yaml:"capacity"`

	// ErosionFraction of Capacity is removed, oldest first, per erosion.
	ErosionFraction float64 `yaml:"erosion_fraction"`

	// BaseSpread is the Gaussian scatter σ at plasticity 0; σ grows to
	// BaseSpread·(1+SpreadGain) at plasticity 1. Offsets are clamped to 2σ.
	BaseSpread float64 `yaml:"base_spread"`
	SpreadGain float64 `yaml:"spread_gain"`

	// MaxFragmentRunes bounds a single fragment. Longer sentences are split
	// at clause punctuation, then at word boundaries.
	MaxFragmentRunes int `yaml:"max_fragment_runes"`

	// CompressSample caps the fragments examined by one compression pass.
	CompressSample int `yaml:"compress_sample"`

	// CompressMin is the smallest sample worth compressing.
	CompressMin int `yaml:"compress_min"`

	// PressureRatio and PressureEvery trigger compression from Deposit: once
	// the log holds more than PressureRatio·Capacity fragments, every
	// PressureEvery-th fragment starts a pass. PressureEvery 0 disables it.
	PressureRatio float64 `yaml:"pressure_ratio"`
	PressureEvery int     `yaml:"pressure_every"`

	// SimilarityThreshold is the cosine similarity above which two fragments
	// belong to one cluster.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// ValenceMargin refuses a merge when the trigger valences of leader and
	// member differ by this much or more.
	ValenceMargin float64 `yaml:"valence_margin"`

	// SpeakRadius is searched around the trigger by Speak.
	SpeakRadius float64 `yaml:"speak_radius"`

	// GradientSamples caps the fragments weighed by EmotionalGradient;
	// GradientPerBucket caps those drawn from one bucket.
	GradientSamples   int `yaml:"gradient_samples"`
	GradientPerBucket int `yaml:"gradient_per_bucket"`

	// Seed seeds scatter and sampling. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		GridSize:            50,
		Capacity:            10000,
		ErosionFraction:     0.1,
		BaseSpread:          8,
		SpreadGain:          2,
		MaxFragmentRunes:    120,
		CompressSample:      500,
		CompressMin:         10,
		PressureRatio:       0.8,
		PressureEvery:       50,
		SimilarityThreshold: 0.8,
		ValenceMargin:       0.5,
		SpeakRadius:         40,
		GradientSamples:     50,
		GradientPerBucket:   10,
	}
}
