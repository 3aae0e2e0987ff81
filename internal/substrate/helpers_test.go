package substrate_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/internal/substrate"
	"github.com/MrWong99/strata/pkg/memory/mock"
	"github.com/MrWong99/strata/pkg/memory/reservoir"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/simhash"
	"github.com/MrWong99/strata/pkg/memory/spatial"
	"github.com/MrWong99/strata/pkg/memory/synapse"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
	"github.com/MrWong99/strata/pkg/provider/embeddings/hashembed"
)

const testDims = 64

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type event struct {
	kind    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
	notify chan string
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan string, 64)}
}

func (r *recorder) Publish(kind string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, event{kind, payload})
	r.mu.Unlock()
	select {
	case r.notify <- kind:
	default:
	}
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.kind
	}
	return out
}

// harness is a substrate on small, seeded components.
type harness struct {
	sub     *substrate.Substrate
	comp    substrate.Components
	store   *mock.FragmentStore
	clock   *clock
	pub     *recorder
	reader  *sdkmetric.ManualReader
	embed   embeddings.Provider
	dataDir string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	dataDir  string
	embedder embeddings.Provider
	clock    *clock
	store    *mock.FragmentStore
	sleep    time.Duration
	recall   time.Duration
}

func withDataDir(dir string) harnessOption {
	return func(c *harnessConfig) { c.dataDir = dir }
}

func withEmbedder(e embeddings.Provider) harnessOption {
	return func(c *harnessConfig) { c.embedder = e }
}

func withClock(cl *clock) harnessOption {
	return func(c *harnessConfig) { c.clock = cl }
}

func withStore(s *mock.FragmentStore) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withSleepInterval(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.sleep = d }
}

func withRecallTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.recall = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{clock: newClock(), recall: time.Second}
	for _, o := range opts {
		o(&hc)
	}
	if hc.embedder == nil {
		e, err := hashembed.New(testDims)
		if err != nil {
			t.Fatalf("hashembed: %v", err)
		}
		hc.embedder = e
	}
	if hc.store == nil {
		hc.store = mock.NewFragmentStore(sediment.DefaultConfig().GridSize)
	}

	scfg := spatial.DefaultConfig()
	scfg.Size = 200
	scfg.Seed = 7
	scfg.DriftProbability = 0
	space, err := spatial.New(scfg, spatial.WithClock(hc.clock.Now))
	if err != nil {
		t.Fatalf("spatial.New: %v", err)
	}

	dcfg := sediment.DefaultConfig()
	dcfg.Seed = 7
	sed, err := sediment.New(dcfg, space,
		sediment.WithStore(hc.store),
		sediment.WithEmbedder(hc.embedder),
		sediment.WithClock(hc.clock.Now),
	)
	if err != nil {
		t.Fatalf("sediment.New: %v", err)
	}

	graph := synapse.New(synapse.DefaultConfig(), synapse.WithDraw(func() float64 { return 0 }))

	hcfg := simhash.DefaultConfig()
	hcfg.InputDim = testDims
	hcfg.Bits = 256
	index, err := simhash.New(hcfg)
	if err != nil {
		t.Fatalf("simhash.New: %v", err)
	}

	rcfg := reservoir.DefaultConfig()
	rcfg.InputDim = testDims
	rcfg.StateDim = 16
	res, err := reservoir.New(rcfg, hc.embedder, reservoir.WithRand(rand.New(rand.NewPCG(1, 2))))
	if err != nil {
		t.Fatalf("reservoir.New: %v", err)
	}

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	comp := substrate.Components{
		Spatial:   space,
		Sediment:  sed,
		Synapse:   graph,
		SimHash:   index,
		Reservoir: res,
	}
	pub := newRecorder()
	sub, err := substrate.New(substrate.Config{
		DataDir:          hc.dataDir,
		SleepInterval:    hc.sleep,
		PersistInterval:  time.Hour,
		RecallTimeout:    hc.recall,
		EmbedTimeout:     time.Second,
		GravityLinks:     10,
		GravityThreshold: 1.5,
	}, comp,
		substrate.WithMetrics(metrics),
		substrate.WithPublisher(pub),
		substrate.WithEmbedder(hc.embedder),
		substrate.WithClock(hc.clock.Now),
	)
	if err != nil {
		t.Fatalf("substrate.New: %v", err)
	}
	return &harness{
		sub:     sub,
		comp:    comp,
		store:   hc.store,
		clock:   hc.clock,
		pub:     pub,
		reader:  reader,
		embed:   hc.embedder,
		dataDir: hc.dataDir,
	}
}

func mockStore() *mock.FragmentStore {
	return mock.NewFragmentStore(sediment.DefaultConfig().GridSize)
}

// stuckEmbedder blocks every call until release is closed, ignoring ctx.
type stuckEmbedder struct {
	release chan struct{}
}

func (e *stuckEmbedder) Embed(context.Context, string) ([]float32, error) {
	<-e.release
	return make([]float32, testDims), nil
}

func (e *stuckEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	<-e.release
	return make([][]float32, len(texts)), nil
}

func (e *stuckEmbedder) Dimensions() int { return testDims }
func (e *stuckEmbedder) ModelID() string { return "stuck" }
