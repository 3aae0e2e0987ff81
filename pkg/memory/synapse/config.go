package synapse

// Config holds the tunables of a [Graph]. Start from [DefaultConfig].
type Config struct {
	// BufferCap bounds the number of pending entries. Ingest drops entries
	// once it is reached.
	BufferCap int `yaml:"buffer_cap"`

	// MaxTokens caps the tokens kept per entry; consolidation is quadratic
	// in this number.
	MaxTokens int `yaml:"max_tokens"`

	// MinTokenRunes drops shorter tokens.
	MinTokenRunes int `yaml:"min_token_runes"`

	// StopWords are dropped during token hygiene. Matching is on the
	// lower-cased token.
	StopWords []string `yaml:"stop_words"`

	// Sensitivity is the slope k of the acceptance sigmoid
	// 1/(1+exp(-k·(arousal-Baseline))).
	Sensitivity float64 `yaml:"sensitivity"`

	// Baseline is the arousal at which an entry is kept with probability ½.
	Baseline float64 `yaml:"baseline"`

	// BaseRate and RateGain define the learning rate
	// BaseRate·(1 + RateGain·(arousal-Baseline)), clamped to
	// [MinRate, MaxRate].
	BaseRate float64 `yaml:"base_rate"`
	RateGain float64 `yaml:"rate_gain"`
	MinRate  float64 `yaml:"min_rate"`
	MaxRate  float64 `yaml:"max_rate"`

	// PruneThreshold removes edges lighter than this after each pass.
	PruneThreshold float64 `yaml:"prune_threshold"`

	// RehearsalSample is the number of existing edges boosted per pass.
	RehearsalSample int `yaml:"rehearsal_sample"`

	// RehearsalBoost is added to each rehearsed edge.
	RehearsalBoost float64 `yaml:"rehearsal_boost"`

	// ResonanceDepth is the default hop limit of Resonate.
	ResonanceDepth int `yaml:"resonance_depth"`

	// MatchThreshold is the minimum Jaro-Winkler score for Resolve to accept
	// a phonetically matching node; FuzzyThreshold applies when no node
	// shares a phonetic code.
	MatchThreshold float64 `yaml:"match_threshold"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		BufferCap:     1000,
		MaxTokens:     50,
		MinTokenRunes: 2,
		StopWords: []string{
			"the", "a", "an", "and", "or", "but", "is", "are", "was", "were",
			"be", "to", "of", "in", "on", "at", "it", "this", "that", "i",
			"you", "me", "my", "we", "he", "she", "they", "with", "for",
		},
		Sensitivity:     0.05,
		Baseline:        50,
		BaseRate:        1.0,
		RateGain:        0.01,
		MinRate:         0.5,
		MaxRate:         1.5,
		PruneThreshold:  2.0,
		RehearsalSample: 10,
		RehearsalBoost:  1,
		ResonanceDepth:  2,
		MatchThreshold:  0.70,
		FuzzyThreshold:  0.85,
	}
}
