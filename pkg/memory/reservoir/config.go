package reservoir

import (
	"errors"
	"fmt"

	"github.com/MrWong99/strata/pkg/memory"
)

// Config holds the predictor's dimensions and tuning constants. The matrices
// are derived deterministically from Seed, so two predictors with equal
// configs have identical input and recurrent weights.
type Config struct {
	// InputDim is the embedding dimension fed to the reservoir.
	InputDim int `yaml:"input_dim"`

	// StateDim is the length of the reservoir state vector.
	StateDim int `yaml:"state_dim"`

	// SpectralRadius is the target spectral radius of the recurrent matrix.
	// Must be in (0, 1).
	SpectralRadius float64 `yaml:"spectral_radius"`

	// Leak is the leaky-integrator rate in (0, 1].
	Leak float64 `yaml:"leak"`

	// InputScale, RecurrentScale and ReadoutScale bound the uniform
	// initialisation of the three matrices.
	InputScale     float64 `yaml:"input_scale"`
	RecurrentScale float64 `yaml:"recurrent_scale"`
	ReadoutScale   float64 `yaml:"readout_scale"`

	Seed uint64 `yaml:"seed"`

	// LearningRate is the delta-rule step used by Crystallize.
	LearningRate float64 `yaml:"learning_rate"`

	// BufferCap bounds the observations kept for crystallisation. The oldest
	// observation is dropped when full.
	BufferCap int `yaml:"buffer_cap"`

	// HourAmplitude scales the cyclic hour-of-day signal added to the first
	// two input components.
	HourAmplitude float64 `yaml:"hour_amplitude"`

	// EnergyRunes is the text length that maps to full observed energy.
	EnergyRunes int `yaml:"energy_runes"`

	// Positive and Negative are the substring lexicons of the mood heuristic.
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`

	HistoryLen int `yaml:"history_len"`

	// A bifurcation is flagged when the mean of the last BifurcationWindow
	// surprises exceeds BifurcationSurprise and the state norm moved by more
	// than BifurcationDelta in one step.
	BifurcationWindow   int     `yaml:"bifurcation_window"`
	BifurcationSurprise float64 `yaml:"bifurcation_surprise"`
	BifurcationDelta    float64 `yaml:"bifurcation_delta"`

	// Strategy thresholds.
	ProbeAbove     float64 `yaml:"probe_above"`
	BoredBelow     float64 `yaml:"bored_below"`
	FrictionChance float64 `yaml:"friction_chance"`

	// SoulSensitivity scales the mean state before tanh in SoulBias.
	SoulSensitivity float64 `yaml:"soul_sensitivity"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InputDim:            768,
		StateDim:            256,
		SpectralRadius:      0.95,
		Leak:                0.3,
		InputScale:          0.1,
		RecurrentScale:      0.5,
		ReadoutScale:        0.1,
		Seed:                42,
		LearningRate:        0.01,
		BufferCap:           1000,
		HourAmplitude:       0.1,
		EnergyRunes:         50,
		Positive:            []string{"笑", "ｗ", "良", "好", "楽", "凄", "ありがとう", "nice", "good", "great", "love", "thanks"},
		Negative:            []string{"疲", "痛", "嫌", "悪", "辛", "ダメ", "bad", "tired", "hate", "awful", "sad"},
		HistoryLen:          100,
		BifurcationWindow:   10,
		BifurcationSurprise: 0.7,
		BifurcationDelta:    0.5,
		ProbeAbove:          0.6,
		BoredBelow:          0.1,
		FrictionChance:      0.2,
		SoulSensitivity:     50,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.InputDim < 2 {
		errs = append(errs, fmt.Errorf("input_dim must be >= 2, got %d", c.InputDim))
	}
	if c.StateDim < 1 {
		errs = append(errs, fmt.Errorf("state_dim must be >= 1, got %d", c.StateDim))
	}
	if c.SpectralRadius <= 0 || c.SpectralRadius >= 1 {
		errs = append(errs, fmt.Errorf("spectral_radius must be in (0, 1), got %v", c.SpectralRadius))
	}
	if c.Leak <= 0 || c.Leak > 1 {
		errs = append(errs, fmt.Errorf("leak must be in (0, 1], got %v", c.Leak))
	}
	if c.InputScale <= 0 || c.RecurrentScale <= 0 || c.ReadoutScale < 0 {
		errs = append(errs, errors.New("matrix scales must be positive"))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be > 0, got %v", c.LearningRate))
	}
	if c.BufferCap < 1 {
		errs = append(errs, fmt.Errorf("buffer_cap must be >= 1, got %d", c.BufferCap))
	}
	if c.EnergyRunes < 1 {
		errs = append(errs, fmt.Errorf("energy_runes must be >= 1, got %d", c.EnergyRunes))
	}
	if c.HistoryLen < 1 || c.BifurcationWindow < 1 || c.BifurcationWindow > c.HistoryLen {
		errs = append(errs, fmt.Errorf("bifurcation_window %d must be in [1, history_len %d]", c.BifurcationWindow, c.HistoryLen))
	}
	if c.FrictionChance < 0 || c.FrictionChance > 1 {
		errs = append(errs, fmt.Errorf("friction_chance must be in [0, 1], got %v", c.FrictionChance))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: reservoir: %w", memory.ErrValidation, errors.Join(errs...))
	}
	return nil
}
