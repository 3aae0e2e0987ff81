package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama", "hashembed"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Keys absent from the document keep their default values; an
// empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.EmbeddingsFallback {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallback[%d].name is required", i))
			continue
		}
		validateProviderName("embeddings", fb.Name)
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; using the offline hashembed provider")
	}
	if cfg.Providers.EmbeddingsCache < 0 {
		errs = append(errs, fmt.Errorf("providers.embeddings_cache %d must not be negative", cfg.Providers.EmbeddingsCache))
	}

	// Resilience
	if cfg.Resilience.Retries < 0 {
		errs = append(errs, fmt.Errorf("resilience.retries %d must not be negative", cfg.Resilience.Retries))
	}

	// Storage
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: sqlite, postgres, memory", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == BackendPostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}
	if cfg.Storage.DataDir == "" {
		slog.Warn("storage.data_dir is empty; snapshots will not be persisted")
		if cfg.Storage.Backend == BackendSQLite {
			errs = append(errs, errors.New("storage.data_dir is required when storage.backend is sqlite"))
		}
	}

	// Substrate
	if cfg.Substrate.SleepInterval < 0 {
		errs = append(errs, fmt.Errorf("substrate.sleep_interval %s must not be negative", cfg.Substrate.SleepInterval))
	}
	if cfg.Substrate.PersistInterval <= 0 {
		errs = append(errs, fmt.Errorf("substrate.persist_interval %s must be positive", cfg.Substrate.PersistInterval))
	}
	if cfg.Substrate.RecallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("substrate.recall_timeout %s must be positive", cfg.Substrate.RecallTimeout))
	}
	if cfg.Substrate.EmbedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("substrate.embed_timeout %s must be positive", cfg.Substrate.EmbedTimeout))
	}

	// Memory components
	errs = append(errs, validateMemory(&cfg.Memory)...)

	return errors.Join(errs...)
}

func validateMemory(m *MemoryConfig) []error {
	var errs []error
	if m.Spatial.Size <= 1 {
		errs = append(errs, fmt.Errorf("memory.spatial.size %d must be > 1", m.Spatial.Size))
	}
	if m.Spatial.HalfLife <= 0 {
		errs = append(errs, fmt.Errorf("memory.spatial.half_life %s must be positive", m.Spatial.HalfLife))
	}
	if m.Sediment.GridSize <= 0 {
		errs = append(errs, fmt.Errorf("memory.sediment.grid_size %g must be positive", m.Sediment.GridSize))
	}
	if m.Sediment.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("memory.sediment.capacity %d must be positive", m.Sediment.Capacity))
	}
	if f := m.Sediment.ErosionFraction; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("memory.sediment.erosion_fraction %g is out of range (0, 1]", f))
	}
	if f := m.Sediment.PressureRatio; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("memory.sediment.pressure_ratio %g is out of range [0, 1]", f))
	}
	if m.Synapse.BufferCap <= 0 {
		errs = append(errs, fmt.Errorf("memory.synapse.buffer_cap %d must be positive", m.Synapse.BufferCap))
	}
	if m.SimHash.Bits <= 0 {
		errs = append(errs, fmt.Errorf("memory.simhash.bits %d must be positive", m.SimHash.Bits))
	}
	if m.SimHash.InputDim != m.Reservoir.InputDim {
		errs = append(errs, fmt.Errorf("memory.simhash.input_dim %d must equal memory.reservoir.input_dim %d",
			m.SimHash.InputDim, m.Reservoir.InputDim))
	}
	if err := m.Reservoir.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory.reservoir: %w", err))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
