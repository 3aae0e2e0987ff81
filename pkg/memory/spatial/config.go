package spatial

import "time"

// Config holds every tunable of a [Store]. Zero values are not defaults;
// start from [DefaultConfig] and override.
type Config struct {
	// Size is the side length of the square map and terrain grid.
	Size int `yaml:"size"`

	// BaseAltitude is the resting height of untouched terrain.
	BaseAltitude float64 `yaml:"base_altitude"`

	// DriftProbability is the chance per access that a young concept's
	// coordinate jitters.
	DriftProbability float64 `yaml:"drift_probability"`

	// DriftMax bounds the jitter per axis.
	DriftMax int `yaml:"drift_max"`

	// DriftAccessLimit is the access count from which a concept stops
	// drifting.
	DriftAccessLimit int `yaml:"drift_access_limit"`

	// TerrainRadius is the radius of the disk changed by ModifyTerrain.
	TerrainRadius int `yaml:"terrain_radius"`

	// TerrainGain scales the magnitude passed to ModifyTerrain.
	TerrainGain float64 `yaml:"terrain_gain"`

	// HalfLife is the idle time after which a neutral concept is collected.
	HalfLife time.Duration `yaml:"half_life"`

	// ValenceRetention stretches the half-life by (1 + |valence|·k).
	ValenceRetention float64 `yaml:"valence_retention"`

	// GravityStep is the largest step semantic gravity takes at similarity 1.
	GravityStep float64 `yaml:"gravity_step"`

	// StabilityZone is the distance under which gravity is inert.
	StabilityZone float64 `yaml:"stability_zone"`

	// ProbeRadius is the density probe used for unknown gradient cells.
	ProbeRadius float64 `yaml:"probe_radius"`

	// WeatherRate is the per-minute relaxation of terrain toward the base
	// altitude while the process was away.
	WeatherRate float64 `yaml:"weather_rate"`

	// WeatherMax caps the relaxation applied in one call to Weather.
	WeatherMax float64 `yaml:"weather_max"`

	// SelfConcept is anchored at the map centre and never collected.
	// Empty disables the anchor.
	SelfConcept string `yaml:"self_concept"`

	// Seed seeds placement and drift. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Size:             1024,
		BaseAltitude:     0.5,
		DriftProbability: 0.1,
		DriftMax:         5,
		DriftAccessLimit: 10,
		TerrainRadius:    15,
		TerrainGain:      0.2,
		HalfLife:         time.Hour,
		ValenceRetention: 5,
		GravityStep:      20,
		StabilityZone:    10,
		ProbeRadius:      5,
		WeatherRate:      0.005,
		WeatherMax:       0.3,
		SelfConcept:      "self",
	}
}
