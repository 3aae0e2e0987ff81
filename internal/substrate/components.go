package substrate

import (
	"fmt"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/reservoir"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/simhash"
	"github.com/MrWong99/strata/pkg/memory/spatial"
	"github.com/MrWong99/strata/pkg/memory/synapse"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
)

// Settings holds one configuration per component. It has the same shape as
// the memory section of the YAML config and converts from it directly.
type Settings struct {
	Spatial   spatial.Config
	Sediment  sediment.Config
	Synapse   synapse.Config
	SimHash   simhash.Config
	Reservoir reservoir.Config
}

// DefaultSettings returns every component's defaults.
func DefaultSettings() Settings {
	return Settings{
		Spatial:   spatial.DefaultConfig(),
		Sediment:  sediment.DefaultConfig(),
		Synapse:   synapse.DefaultConfig(),
		SimHash:   simhash.DefaultConfig(),
		Reservoir: reservoir.DefaultConfig(),
	}
}

// NewComponents builds every component from set. The embedder feeds the
// reservoir and sediment compression; its dimension must equal both
// set.SimHash.InputDim and set.Reservoir.InputDim. A nil store keeps
// fragments in memory only.
func NewComponents(set Settings, embedder embeddings.Provider, store memory.FragmentStore) (Components, error) {
	if embedder == nil {
		return Components{}, fmt.Errorf("%w: substrate: embedder is required", memory.ErrValidation)
	}
	if d := embedder.Dimensions(); d != set.SimHash.InputDim || d != set.Reservoir.InputDim {
		return Components{}, fmt.Errorf("%w: substrate: embedder %q has %d dimensions, simhash expects %d and reservoir %d",
			memory.ErrValidation, embedder.ModelID(), d, set.SimHash.InputDim, set.Reservoir.InputDim)
	}

	space, err := spatial.New(set.Spatial)
	if err != nil {
		return Components{}, fmt.Errorf("substrate: %w", err)
	}
	opts := []sediment.Option{sediment.WithEmbedder(embedder)}
	if store != nil {
		opts = append(opts, sediment.WithStore(store))
	}
	sed, err := sediment.New(set.Sediment, space, opts...)
	if err != nil {
		return Components{}, fmt.Errorf("substrate: %w", err)
	}
	index, err := simhash.New(set.SimHash)
	if err != nil {
		return Components{}, fmt.Errorf("substrate: %w", err)
	}
	res, err := reservoir.New(set.Reservoir, embedder)
	if err != nil {
		return Components{}, fmt.Errorf("substrate: %w", err)
	}
	return Components{
		Spatial:   space,
		Sediment:  sed,
		Synapse:   synapse.New(set.Synapse),
		SimHash:   index,
		Reservoir: res,
	}, nil
}
