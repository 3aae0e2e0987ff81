package reservoir_test

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/reservoir"
	"github.com/MrWong99/strata/pkg/persist"
)

// textEmbedder derives a repeatable vector from the text's hash.
type textEmbedder struct {
	dims int
	err  error
	// calls counts Embed invocations.
	calls int
}

func (e *textEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	r := rand.New(rand.NewPCG(h.Sum64(), 1))
	out := make([]float32, e.dims)
	for i := range out {
		out[i] = float32(r.Float64()*2 - 1)
	}
	return out, nil
}

func smallConfig() reservoir.Config {
	cfg := reservoir.DefaultConfig()
	cfg.InputDim = 16
	cfg.StateDim = 32
	return cfg
}

func newPredictor(t *testing.T, cfg reservoir.Config) (*reservoir.Predictor, *textEmbedder) {
	t.Helper()
	emb := &textEmbedder{dims: cfg.InputDim}
	p, err := reservoir.New(cfg, emb, reservoir.WithRand(rand.New(rand.NewPCG(5, 6))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, emb
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*reservoir.Config)
	}{
		{name: "radius one", mutate: func(c *reservoir.Config) { c.SpectralRadius = 1 }},
		{name: "zero leak", mutate: func(c *reservoir.Config) { c.Leak = 0 }},
		{name: "leak above one", mutate: func(c *reservoir.Config) { c.Leak = 1.5 }},
		{name: "tiny input", mutate: func(c *reservoir.Config) { c.InputDim = 1 }},
		{name: "window beyond history", mutate: func(c *reservoir.Config) { c.BifurcationWindow = 200 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(&cfg)
			_, err := reservoir.New(cfg, &textEmbedder{dims: cfg.InputDim})
			if !errors.Is(err, memory.ErrValidation) {
				t.Fatalf("New error = %v, want ErrValidation", err)
			}
		})
	}

	t.Run("nil embedder", func(t *testing.T) {
		if _, err := reservoir.New(smallConfig(), nil); !errors.Is(err, memory.ErrValidation) {
			t.Fatalf("New(nil embedder) error = %v", err)
		}
	})
}

func TestVerifyStability_DefaultConfig(t *testing.T) {
	cfg := reservoir.DefaultConfig()
	p, err := reservoir.New(cfg, &textEmbedder{dims: cfg.InputDim})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := p.VerifyStability()
	if err != nil {
		t.Fatalf("VerifyStability: %v", err)
	}
	if !s.Stable || s.SpectralRadius >= 1 {
		t.Fatalf("default reservoir unstable: %+v", s)
	}
	if math.Abs(s.SpectralRadius-cfg.SpectralRadius) > 1e-6 {
		t.Errorf("spectral radius = %v, want %v", s.SpectralRadius, cfg.SpectralRadius)
	}
	if want := 1 / (1 - s.SpectralRadius); math.Abs(s.RecoveryTime-want) > 1e-9 {
		t.Errorf("recovery time = %v, want %v", s.RecoveryTime, want)
	}
	if want := cfg.Leak * s.SpectralRadius; math.Abs(s.SelfAmplification-want) > 1e-9 {
		t.Errorf("self amplification = %v, want %v", s.SelfAmplification, want)
	}
}

func TestObserve(t *testing.T) {
	p, _ := newPredictor(t, smallConfig())
	ctx := context.Background()

	tests := []struct {
		text       string
		wantMood   float64
		wantEnergy float64
	}{
		{text: "good morning", wantMood: 0.8, wantEnergy: 12.0 / 50},
		{text: "so tired and bad", wantMood: 0.2, wantEnergy: 16.0 / 50},
		{text: "good but bad", wantMood: 0.5, wantEnergy: 12.0 / 50},
		{text: "ありがとう", wantMood: 0.8, wantEnergy: 5.0 / 50},
		{text: strings.Repeat("x", 80), wantMood: 0.5, wantEnergy: 1},
	}
	for i, tt := range tests {
		obs, err := p.Observe(ctx, tt.text, 14)
		if err != nil {
			t.Fatalf("Observe(%q): %v", tt.text, err)
		}
		if obs.Mood != tt.wantMood || math.Abs(obs.Energy-tt.wantEnergy) > 1e-12 {
			t.Errorf("Observe(%q) target = (%v, %v), want (%v, %v)", tt.text, obs.Mood, obs.Energy, tt.wantMood, tt.wantEnergy)
		}
		if obs.Surprise < 0 {
			t.Errorf("negative surprise %v", obs.Surprise)
		}
		want := math.Hypot(obs.Mood-obs.PredictedMood, obs.Energy-obs.PredictedEnergy)
		if math.Abs(obs.Surprise-want) > 1e-12 {
			t.Errorf("surprise = %v, want distance %v", obs.Surprise, want)
		}
		if got := p.Pending(); got != i+1 {
			t.Errorf("Pending = %d, want %d", got, i+1)
		}
	}
	if p.LastSurprise() != p.History()[len(tests)-1] {
		t.Errorf("LastSurprise disagrees with History")
	}
}

func TestObserve_EmbeddingFailureKeepsState(t *testing.T) {
	cfg := smallConfig()
	p, emb := newPredictor(t, cfg)
	ctx := context.Background()
	if _, err := p.Observe(ctx, "warm start", 9); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	before := p.State()

	emb.err = errors.New("provider down")
	if _, err := p.Observe(ctx, "anything", 9); err == nil {
		t.Fatal("Observe succeeded with failing embedder")
	}
	emb.err = nil
	emb.dims = cfg.InputDim + 1
	_, err := p.Observe(ctx, "anything", 9)
	var se *memory.ShapeError
	if !errors.As(err, &se) || se.Want != cfg.InputDim || se.Got != cfg.InputDim+1 {
		t.Fatalf("wrong dimension error = %v", err)
	}
	if !slices.Equal(p.State(), before) || p.Pending() != 1 {
		t.Errorf("failed observations mutated the predictor")
	}
}

func TestSimulate_DoesNotMutate(t *testing.T) {
	p, _ := newPredictor(t, smallConfig())
	ctx := context.Background()
	for _, s := range []string{"storm", "rain", "sun"} {
		if _, err := p.Observe(ctx, s, 3); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	state, pending, hist := p.State(), p.Pending(), p.History()

	for i := range 25 {
		v, err := p.Simulate(ctx, "what if the storm returns", float64(i))
		if err != nil {
			t.Fatalf("Simulate: %v", err)
		}
		if v < 0 || v >= 1 {
			t.Fatalf("Simulate = %v, want [0, 1)", v)
		}
	}
	if !slices.Equal(p.State(), state) {
		t.Error("Simulate changed the state")
	}
	if p.Pending() != pending || !slices.Equal(p.History(), hist) {
		t.Error("Simulate changed the buffer or history")
	}
}

func TestCrystallize_ClearsBuffer(t *testing.T) {
	p, _ := newPredictor(t, smallConfig())
	ctx := context.Background()
	for range 7 {
		if _, err := p.Observe(ctx, "good", 12); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	rep := p.Crystallize()
	if rep.Samples != 7 || rep.DeltaNorm <= 0 {
		t.Fatalf("Crystallize = %+v", rep)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending after crystallize = %d", p.Pending())
	}
	if rep := p.Crystallize(); rep.Samples != 0 || rep.DeltaNorm != 0 {
		t.Errorf("empty Crystallize = %+v", rep)
	}
}

func TestObserve_BufferCap(t *testing.T) {
	cfg := smallConfig()
	cfg.BufferCap = 5
	cfg.HistoryLen = 8
	cfg.BifurcationWindow = 4
	p, _ := newPredictor(t, cfg)
	for range 12 {
		if _, err := p.Observe(context.Background(), "tick", 0); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if p.Pending() != 5 {
		t.Errorf("Pending = %d, want 5", p.Pending())
	}
	if n := len(p.History()); n != 8 {
		t.Errorf("history length = %d, want 8", n)
	}

	t.Run("window longer than history", func(t *testing.T) {
		cfg := smallConfig()
		cfg.HistoryLen = 8
		emb := &textEmbedder{dims: cfg.InputDim}
		if _, err := reservoir.New(cfg, emb); err == nil {
			t.Error("a bifurcation window of 10 must not fit a history of 8")
		}
	})
}

func TestObserve_Bifurcation(t *testing.T) {
	cfg := smallConfig()
	cfg.BifurcationWindow = 1
	cfg.BifurcationSurprise = 0
	cfg.BifurcationDelta = 0
	p, _ := newPredictor(t, cfg)
	obs, err := p.Observe(context.Background(), "a sudden shock", 2)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !obs.Bifurcation {
		t.Errorf("first jump from the zero state not flagged: %+v", obs)
	}

	cfg.BifurcationDelta = 100
	p, _ = newPredictor(t, cfg)
	obs, _ = p.Observe(context.Background(), "a sudden shock", 2)
	if obs.Bifurcation {
		t.Error("flagged despite a tiny norm change")
	}
}

func TestStrategy(t *testing.T) {
	cfg := smallConfig()
	cfg.FrictionChance = 1
	p, _ := newPredictor(t, cfg)

	tests := []struct {
		surprise float64
		want     reservoir.Strategy
	}{
		{0.9, reservoir.StrategyProbe},
		{0.3, reservoir.StrategyResonate},
		{0.05, reservoir.StrategyFriction},
	}
	for _, tt := range tests {
		if got := p.Strategy(tt.surprise); got != tt.want {
			t.Errorf("Strategy(%v) = %q, want %q", tt.surprise, got, tt.want)
		}
	}

	cfg.FrictionChance = 0
	p, _ = newPredictor(t, cfg)
	if got := p.Strategy(0.01); got != reservoir.StrategyResonate {
		t.Errorf("Strategy with no friction chance = %q", got)
	}
}

func TestSoulBias(t *testing.T) {
	p, _ := newPredictor(t, smallConfig())
	if b := p.SoulBias(); b != 0 {
		t.Errorf("SoulBias of zero state = %v", b)
	}
	if _, err := p.Observe(context.Background(), "hello", 8); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if b := p.SoulBias(); b <= -1 || b >= 1 {
		t.Errorf("SoulBias = %v, want (-1, 1)", b)
	}
}

func TestSaveLoad(t *testing.T) {
	cfg := smallConfig()
	dir := t.TempDir()
	ctx := context.Background()

	a, _ := newPredictor(t, cfg)
	for _, s := range []string{"the storm", "was terrifying", "good night"} {
		if _, err := a.Observe(ctx, s, 22); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	a.Crystallize()
	write, changed := a.Checkpoint()
	if !changed {
		t.Fatal("Checkpoint reports no change after observations")
	}
	if err := write(dir); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, changed := a.Checkpoint(); changed {
		t.Error("Checkpoint still reports a change after a successful write")
	}

	b, _ := newPredictor(t, cfg)
	if err := b.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(a.State(), b.State()) {
		t.Fatal("state not restored")
	}
	oa, _ := a.Observe(ctx, "next", 23)
	ob, _ := b.Observe(ctx, "next", 23)
	if oa.Surprise != ob.Surprise {
		t.Errorf("restored predictor diverges: %v vs %v", oa.Surprise, ob.Surprise)
	}
}

func TestLoad_Mismatches(t *testing.T) {
	ctx := context.Background()

	t.Run("state length resets only state", func(t *testing.T) {
		dir := t.TempDir()
		big := smallConfig()
		big.StateDim = 40
		a, _ := newPredictor(t, big)
		a.Observe(ctx, "x", 1)
		if err := a.Save(dir); err != nil {
			t.Fatalf("Save: %v", err)
		}

		b, _ := newPredictor(t, smallConfig())
		err := b.Load(dir)
		if !errors.Is(err, memory.ErrSchemaMismatch) {
			t.Fatalf("Load error = %v, want ErrSchemaMismatch", err)
		}
		for _, v := range b.State() {
			if v != 0 {
				t.Fatal("mismatched state was restored")
			}
		}
	})

	t.Run("seed keeps state", func(t *testing.T) {
		dir := t.TempDir()
		a, _ := newPredictor(t, smallConfig())
		a.Observe(ctx, "x", 1)
		a.Save(dir)

		other := smallConfig()
		other.Seed = 7
		b, _ := newPredictor(t, other)
		if err := b.Load(dir); !errors.Is(err, memory.ErrSchemaMismatch) {
			t.Fatalf("Load error = %v, want ErrSchemaMismatch", err)
		}
		if !slices.Equal(a.State(), b.State()) {
			t.Error("state discarded along with the readout")
		}
	})

	t.Run("legacy layout", func(t *testing.T) {
		cfg := smallConfig()
		dir := t.TempDir()
		state := make([]float64, cfg.StateDim)
		state[3] = 0.25
		weights := [][]float64{make([]float64, cfg.StateDim), make([]float64, cfg.StateDim)}
		data, _ := json.Marshal(map[string]any{"state": state, "weights": weights})
		if err := persist.WriteFile(filepath.Join(dir, reservoir.FileName), data); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		p, _ := newPredictor(t, cfg)
		if err := p.Load(dir); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := p.State()[3]; got != 0.25 {
			t.Errorf("state[3] = %v", got)
		}
		// A zero readout predicts exactly 0.5 for both outputs.
		obs, err := p.Observe(ctx, "plain words", 0)
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
		if obs.PredictedMood != 0.5 || obs.PredictedEnergy != 0.5 {
			t.Errorf("legacy readout not applied: %+v", obs)
		}
	})
}
