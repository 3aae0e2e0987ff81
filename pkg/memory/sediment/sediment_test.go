package sediment_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/mock"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/spatial"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLog(t *testing.T, space memory.SpatialIndex, mutate func(*sediment.Config), opts ...sediment.Option) *sediment.Log {
	t.Helper()
	cfg := sediment.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]sediment.Option{sediment.WithRand(rand.New(rand.NewPCG(3, 4)))}, opts...)
	l, err := sediment.New(cfg, space, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestShatter(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want []string
	}{
		{name: "single clause stays whole", in: "the storm was terrifying", max: 120, want: []string{"the storm was terrifying"}},
		{name: "sentences", in: "It rained.  Then the sun came out!\nBirds sang", max: 120, want: []string{"It rained.", "Then the sun came out!", "Birds sang"}},
		{name: "long sentence splits at clauses", in: "one two three, four five six", max: 14, want: []string{"one two three,", "four five six"}},
		{name: "long clause wraps words", in: "alpha beta gamma delta", max: 11, want: []string{"alpha beta", "gamma delta"}},
		{name: "empty", in: "  \n ", max: 120, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sediment.Shatter(tt.in, tt.max)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Shatter(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := sediment.DefaultConfig()
	cfg.GridSize = 0
	cfg.Capacity = -1
	_, err := sediment.New(cfg, nil)
	if !errors.Is(err, memory.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	for _, want := range []string{"grid_size", "capacity", "spatial index"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestDeposit_StormScenario(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		cfg := spatial.DefaultConfig()
		cfg.Seed = seed
		space, err := spatial.New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		l := newLog(t, space, nil, sediment.WithRand(rand.New(rand.NewPCG(seed, seed))))

		if _, err := l.Deposit(context.Background(), "storm", "the storm was terrifying", 0.9); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		p, ok := space.Coordinates("storm")
		if !ok {
			t.Fatal("deposit must create the trigger concept")
		}
		got := l.Excavate(p.X, p.Y, 50)
		if !slices.Contains(got, "the storm was terrifying") {
			t.Fatalf("seed %d: excavation at %+v returned %q", seed, p, got)
		}
	}
}

func TestDeposit_ScatterBounds(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	space.Set("corner", memory.Point{X: 0, Y: 0}, 0)
	space.Set("middle", memory.Point{X: 128, Y: 128}, 0)
	l := newLog(t, space, nil)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		calm, _ := l.Deposit(ctx, "middle", fmt.Sprintf("calm %d", i), 0)
		wild, _ := l.Deposit(ctx, "middle", fmt.Sprintf("wild %d", i), 1)
		edge, _ := l.Deposit(ctx, "corner", fmt.Sprintf("edge %d", i), 1)

		if d := math.Hypot(calm[0].X-128, calm[0].Y-128); d > 2*l.Spread(0)+1e-9 {
			t.Fatalf("plasticity 0 scattered %v away", d)
		}
		if d := math.Hypot(wild[0].X-128, wild[0].Y-128); d > 2*l.Spread(1)+1e-9 {
			t.Fatalf("plasticity 1 scattered %v away", d)
		}
		if f := edge[0]; f.X < 0 || f.Y < 0 || f.X > 255 || f.Y > 255 {
			t.Fatalf("fragment left the map: %+v", f)
		}
	}
	if l.Spread(5) != l.Spread(1) || l.Spread(-3) != l.Spread(0) || l.Spread(math.NaN()) != l.Spread(0) {
		t.Error("plasticity must be clamped to [0, 1]")
	}
}

func TestFragments_MatchesBruteForce(t *testing.T) {
	space := mock.NewSpatialIndex(1024)
	l := newLog(t, space, nil)
	rng := rand.New(rand.NewPCG(9, 9))
	ctx := context.Background()
	var all []memory.Fragment
	for i := 0; i < 300; i++ {
		w := fmt.Sprintf("w%d", i)
		space.Set(w, memory.Point{X: float64(rng.IntN(1024)), Y: float64(rng.IntN(1024))}, 0)
		frags, err := l.Deposit(ctx, w, fmt.Sprintf("text %d", i), 0.5)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, frags...)
	}
	for q := 0; q < 25; q++ {
		x, y, r := float64(rng.IntN(1024)), float64(rng.IntN(1024)), float64(10+rng.IntN(150))
		want := 0
		for _, f := range all {
			if math.Hypot(f.X-x, f.Y-y) <= r {
				want++
			}
		}
		got := l.Fragments(x, y, r)
		if len(got) != want {
			t.Fatalf("query (%v,%v,%v): %d fragments, brute force %d", x, y, r, len(got), want)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Dist < got[i-1].Dist {
				t.Fatal("results must be sorted by distance")
			}
		}
	}
}

func TestErode(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	store := mock.NewFragmentStore(50)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLog(t, space, func(c *sediment.Config) { c.Capacity = 100 },
		sediment.WithStore(store), sediment.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i <= 100; i++ {
		if _, err := l.Deposit(ctx, "anchor", fmt.Sprintf("memory %d", i), 0); err != nil {
			t.Fatalf("Deposit %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	if n := l.Len(); n != 91 {
		t.Fatalf("Len after erosion = %d, want 91", n)
	}
	if n := len(store.Rows()); n != 91 {
		t.Errorf("store rows after erosion = %d, want 91", n)
	}
	got := l.Excavate(128, 128, 300)
	for i := 0; i < 10; i++ {
		if slices.Contains(got, fmt.Sprintf("memory %d", i)) {
			t.Errorf("eroded fragment %q still excavated", fmt.Sprintf("memory %d", i))
		}
	}
	if !slices.Contains(got, "memory 10") {
		t.Error("the oldest surviving fragment is missing")
	}

	n, err := l.Erode(ctx)
	if n != 0 || err != nil {
		t.Errorf("Erode under capacity = (%d, %v), want (0, nil)", n, err)
	}
}

func TestDeposit_DegradesOnStoreFailure(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	store := mock.NewFragmentStore(50)
	store.InsertErr = errors.New("disk full")
	l := newLog(t, space, nil, sediment.WithStore(store))
	ctx := context.Background()

	frags, err := l.Deposit(ctx, "storm", "the storm was terrifying", 0)
	if !errors.Is(err, memory.ErrTransientIO) {
		t.Fatalf("expected a transient error, got %v", err)
	}
	if len(frags) != 1 || !l.Degraded() {
		t.Fatalf("fragments = %v, degraded = %v", frags, l.Degraded())
	}
	if got := l.Excavate(128, 128, 50); !slices.Contains(got, "the storm was terrifying") {
		t.Error("the log must keep working in memory")
	}

	store.InsertErr = nil
	if _, err := l.Deposit(ctx, "storm", "it passed", 0); err != nil {
		t.Fatal(err)
	}
	if l.Degraded() {
		t.Error("a successful store call must clear the degraded flag")
	}
}

func TestLoad(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	store := mock.NewFragmentStore(50)
	ctx := context.Background()

	first := newLog(t, space, nil, sediment.WithStore(store))
	if _, err := first.Deposit(ctx, "storm", "one. two. three.", 0); err != nil {
		t.Fatal(err)
	}

	second := newLog(t, space, nil, sediment.WithStore(store))
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if second.Len() != 3 {
		t.Fatalf("Len after load = %d, want 3", second.Len())
	}
	frags, err := second.Deposit(ctx, "storm", "four.", 0)
	if err != nil {
		t.Fatal(err)
	}
	if frags[0].ID != 4 {
		t.Errorf("IDs must continue after the loaded maximum, got %d", frags[0].ID)
	}

	t.Run("failure", func(t *testing.T) {
		store.LoadErr = errors.New("locked")
		third := newLog(t, space, nil, sediment.WithStore(store))
		if err := third.Load(ctx); !errors.Is(err, memory.ErrTransientIO) {
			t.Errorf("expected a transient error, got %v", err)
		}
		if !third.Degraded() || third.Len() != 0 {
			t.Error("a failed load leaves an empty, degraded log")
		}
	})
}

func TestExcavateStored(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	store := mock.NewFragmentStore(50)
	ctx := context.Background()
	l := newLog(t, space, func(c *sediment.Config) { c.BaseSpread = 0 }, sediment.WithStore(store))

	space.Set("near", memory.Point{X: 100, Y: 100}, 0)
	space.Set("far", memory.Point{X: 200, Y: 200}, 0)
	_, _ = l.Deposit(ctx, "near", "close by", 0)
	_, _ = l.Deposit(ctx, "far", "far away", 0)

	got, err := l.ExcavateStored(ctx, 105, 100, 20)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"close by"}) {
		t.Errorf("ExcavateStored = %q", got)
	}
	if store.CallCount("Range") != 1 {
		t.Error("the store's bucket scan must serve the query")
	}
}

func TestSpeak(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	l := newLog(t, space, nil)
	ctx := context.Background()

	if text, ok := l.Speak("stranger"); ok || text != "" {
		t.Errorf("unknown trigger must stay silent, got %q", text)
	}
	space.Set("lonely", memory.Point{X: 10, Y: 10}, 0)
	if _, ok := l.Speak("lonely"); ok {
		t.Error("nothing buried nearby must stay silent")
	}

	_, _ = l.Deposit(ctx, "storm", "the storm was terrifying. lightning everywhere.", 0)
	text, ok := l.Speak("storm")
	if !ok {
		t.Fatal("expected a fragment")
	}
	if text != "the storm was terrifying." && text != "lightning everywhere." {
		t.Errorf("unexpected fragment %q", text)
	}
}

func TestEmotionalGradient(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	space.Set("sun", memory.Point{X: 150, Y: 100}, 1)
	space.Set("storm", memory.Point{X: 50, Y: 100}, -1)
	space.Set("fog", memory.Point{X: 100, Y: 150}, 0)
	l := newLog(t, space, func(c *sediment.Config) { c.BaseSpread = 0 })
	ctx := context.Background()

	_, _ = l.Deposit(ctx, "sun", "warm light", 0)
	_, _ = l.Deposit(ctx, "storm", "cold rain", 0)
	_, _ = l.Deposit(ctx, "fog", "nothing much", 0)

	g := l.EmotionalGradient(100, 100, 100)
	if math.Abs(g.X-2.0/50) > 1e-9 || math.Abs(g.Y) > 1e-9 {
		t.Errorf("gradient = %+v, want (0.04, 0)", g)
	}

	t.Run("normalised", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			_, _ = l.Deposit(ctx, "sun", fmt.Sprintf("bright %d", i), 0)
		}
		g := l.EmotionalGradient(148, 100, 100)
		if mag := math.Hypot(g.X, g.Y); math.Abs(mag-1) > 1e-9 {
			t.Errorf("magnitude = %v, want 1", mag)
		}
	})

	t.Run("neutral ground", func(t *testing.T) {
		if g := l.EmotionalGradient(100, 200, 40); g.X != 0 || g.Y != 0 {
			t.Errorf("gradient = %+v, want zero", g)
		}
	})
}

// fakeEmbedder maps "same dream" texts onto one vector and everything else
// onto its own axis.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
	err   error
	axis  map[string]int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.axis == nil {
		f.axis = make(map[string]int)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		f.texts++
		v := make([]float32, 32)
		if strings.HasPrefix(text, "the same dream") {
			v[0] = 1
		} else {
			ax, ok := f.axis[text]
			if !ok {
				ax = len(f.axis) + 1
				f.axis[text] = ax
			}
			v[ax] = 1
		}
		out[i] = v
	}
	return out, nil
}

func TestCompress(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	space.Set("calm", memory.Point{X: 100, Y: 100}, 0)
	space.Set("grief", memory.Point{X: 100, Y: 100}, -0.9)
	store := mock.NewFragmentStore(50)
	emb := &fakeEmbedder{}
	l := newLog(t, space, func(c *sediment.Config) { c.CompressMin = 5 },
		sediment.WithStore(store), sediment.WithEmbedder(emb))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
	}
	_, _ = l.Deposit(ctx, "grief", "the same dream", 0)
	for i := 0; i < 5; i++ {
		_, _ = l.Deposit(ctx, "calm", fmt.Sprintf("distinct thought %d", i), 0)
	}

	rep, err := l.Compress(ctx)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if rep.Sampled != 12 || rep.Clusters != 1 || rep.Merged != 5 {
		t.Errorf("report = %+v, want 12 sampled, 1 cluster, 5 merged", rep)
	}
	if l.Len() != 7 || len(store.Rows()) != 7 {
		t.Errorf("Len = %d, store rows = %d, want 7", l.Len(), len(store.Rows()))
	}
	grief := 0
	for _, f := range store.Rows() {
		if f.Concept == "grief" {
			grief++
		}
	}
	if grief != 1 {
		t.Error("a fragment with opposite valence must never be merged away")
	}

	t.Run("reuses cached vectors", func(t *testing.T) {
		before := emb.texts
		rep, err := l.Compress(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Reused != 7 || emb.texts != before || rep.Merged != 0 {
			t.Errorf("report = %+v, embedded %d new texts", rep, emb.texts-before)
		}
	})
}

func TestCompress_NoOp(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	ctx := context.Background()

	t.Run("without embedder", func(t *testing.T) {
		l := newLog(t, space, nil)
		for i := 0; i < 20; i++ {
			_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
		}
		rep, err := l.Compress(ctx)
		if err != nil || rep != (sediment.CompressReport{}) || l.Len() != 20 {
			t.Errorf("Compress = (%+v, %v), Len = %d", rep, err, l.Len())
		}
	})

	t.Run("too few fragments", func(t *testing.T) {
		emb := &fakeEmbedder{}
		l := newLog(t, space, nil, sediment.WithEmbedder(emb))
		for i := 0; i < 5; i++ {
			_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
		}
		if rep, _ := l.Compress(ctx); rep.Merged != 0 || emb.calls != 0 {
			t.Errorf("report = %+v, embed calls = %d", rep, emb.calls)
		}
	})

	t.Run("embedder failure", func(t *testing.T) {
		emb := &fakeEmbedder{err: errors.New("timeout")}
		l := newLog(t, space, nil, sediment.WithEmbedder(emb))
		for i := 0; i < 20; i++ {
			_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
		}
		_, err := l.Compress(ctx)
		if !errors.Is(err, memory.ErrTransientIO) {
			t.Errorf("expected a transient error, got %v", err)
		}
		if l.Len() != 20 {
			t.Error("a failed pass must not delete anything")
		}
	})
}

func TestDeposit_NeverOverwritesStoredRows(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	store := mock.NewFragmentStore(50)
	ctx := context.Background()

	first := newLog(t, space, nil, sediment.WithStore(store))
	if _, err := first.Deposit(ctx, "storm", "one. two.", 0); err != nil {
		t.Fatal(err)
	}

	store.LoadErr = errors.New("locked")
	store.MaxIDErr = errors.New("locked")
	l := newLog(t, space, nil, sediment.WithStore(store))
	if err := l.Load(ctx); err == nil {
		t.Fatal("Load must fail")
	}

	if _, err := l.Deposit(ctx, "storm", "intruder.", 0); !errors.Is(err, memory.ErrTransientIO) {
		t.Fatalf("expected a transient error, got %v", err)
	}
	if rows := store.Rows(); len(rows) != 2 || rows[0].Text != "one." || rows[1].Text != "two." {
		t.Fatalf("stored rows changed while the highest ID was unknown: %+v", rows)
	}
	if l.Len() != 1 || !l.Degraded() {
		t.Errorf("Len = %d, degraded = %v; the fragment must stay in memory", l.Len(), l.Degraded())
	}

	store.MaxIDErr = nil
	frags, err := l.Deposit(ctx, "storm", "later.", 0)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if frags[0].ID != 4 {
		t.Errorf("new ID = %d, want 4", frags[0].ID)
	}
	rows := store.Rows()
	want := []string{"one.", "two.", "intruder.", "later."}
	if len(rows) != len(want) {
		t.Fatalf("store rows = %+v", rows)
	}
	for i, f := range rows {
		if f.ID != int64(i+1) || f.Text != want[i] {
			t.Errorf("row %d = (%d, %q), want (%d, %q)", i, f.ID, f.Text, i+1, want[i])
		}
	}
	if l.Degraded() {
		t.Error("a successful store call must clear the degraded flag")
	}
}

func TestDeposit_PressureCompresses(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	space.Set("calm", memory.Point{X: 100, Y: 100}, 0)
	ctx := context.Background()
	mutate := func(c *sediment.Config) {
		c.Capacity = 100
		c.CompressMin = 5
		c.BaseSpread = 0
	}

	t.Run("with embedder", func(t *testing.T) {
		emb := &fakeEmbedder{}
		l := newLog(t, space, mutate, sediment.WithEmbedder(emb))
		for i := 0; i < 99; i++ {
			_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
		}
		if l.Len() != 99 || emb.calls != 0 {
			t.Fatalf("Len = %d, embed calls = %d before the pressure mark", l.Len(), emb.calls)
		}
		if _, err := l.Deposit(ctx, "calm", "the same dream", 0); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		if l.Len() != 1 || emb.calls != 1 {
			t.Errorf("Len = %d, embed calls = %d, want one compressed fragment", l.Len(), emb.calls)
		}
	})

	t.Run("without embedder", func(t *testing.T) {
		l := newLog(t, space, mutate)
		for i := 0; i < 100; i++ {
			_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
		}
		if l.Len() != 100 {
			t.Errorf("Len = %d, want 100", l.Len())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		emb := &fakeEmbedder{}
		l := newLog(t, space, func(c *sediment.Config) {
			mutate(c)
			c.PressureEvery = 0
		}, sediment.WithEmbedder(emb))
		for i := 0; i < 100; i++ {
			_, _ = l.Deposit(ctx, "calm", "the same dream", 0)
		}
		if l.Len() != 100 || emb.calls != 0 {
			t.Errorf("Len = %d, embed calls = %d", l.Len(), emb.calls)
		}
	})
}

func TestSpeakWith(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	space.Set("grief", memory.Point{X: 20, Y: 20}, -0.8)
	space.Set("sun", memory.Point{X: 200, Y: 200}, 0.9)
	l := newLog(t, space, func(c *sediment.Config) { c.BaseSpread = 0 })
	ctx := context.Background()
	_, _ = l.Deposit(ctx, "grief", "rain on the window.", 0)
	_, _ = l.Deposit(ctx, "sun", "warm light.", 0)

	tests := []struct {
		name      string
		trigger   string
		strategy  sediment.SpeakStrategy
		wantText  string
		wantTopic string
		wantOK    bool
	}{
		{name: "resonate stays", trigger: "grief", strategy: sediment.SpeakResonate, wantText: "rain on the window.", wantTopic: "grief", wantOK: true},
		{name: "joy seeking pivots", trigger: "grief", strategy: sediment.SpeakJoySeeking, wantText: "warm light.", wantTopic: "sun", wantOK: true},
		{name: "joy seeking keeps a happy trigger", trigger: "sun", strategy: sediment.SpeakJoySeeking, wantText: "warm light.", wantTopic: "sun", wantOK: true},
		{name: "reject is silent", trigger: "grief", strategy: sediment.SpeakReject},
		{name: "unknown trigger", trigger: "stranger", strategy: sediment.SpeakJoySeeking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, topic, ok := l.SpeakWith(tt.trigger, tt.strategy)
			if text != tt.wantText || topic != tt.wantTopic || ok != tt.wantOK {
				t.Errorf("SpeakWith = (%q, %q, %v), want (%q, %q, %v)",
					text, topic, ok, tt.wantText, tt.wantTopic, tt.wantOK)
			}
		})
	}
}

func TestParseSpeakStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    sediment.SpeakStrategy
		wantErr bool
	}{
		{in: "", want: sediment.SpeakResonate},
		{in: "resonate", want: sediment.SpeakResonate},
		{in: "joy_seeking", want: sediment.SpeakJoySeeking},
		{in: "reject", want: sediment.SpeakReject},
		{in: "sulk", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := sediment.ParseSpeakStrategy(tt.in)
			if tt.wantErr {
				if !errors.Is(err, memory.ErrValidation) {
					t.Errorf("expected a validation error, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseSpeakStrategy(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestFragments_HugeRadius(t *testing.T) {
	space := mock.NewSpatialIndex(256)
	space.Set("corner", memory.Point{X: 0, Y: 0}, 0.5)
	space.Set("far", memory.Point{X: 250, Y: 250}, -0.5)
	store := mock.NewFragmentStore(50)
	l := newLog(t, space, func(c *sediment.Config) {
		c.BaseSpread = 0
		c.GridSize = 1
	}, sediment.WithStore(store))
	ctx := context.Background()
	_, _ = l.Deposit(ctx, "corner", "origin.", 0)
	_, _ = l.Deposit(ctx, "far", "edge.", 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if got := l.Excavate(128, 128, 1e6); len(got) != 2 {
			t.Errorf("Excavate = %q, want both fragments", got)
		}
		got, err := l.ExcavateStored(ctx, 128, 128, 1e6)
		if err != nil || len(got) != 2 {
			t.Errorf("ExcavateStored = (%q, %v), want both fragments", got, err)
		}
		_ = l.EmotionalGradient(128, 128, math.Inf(1))
		if got := l.Excavate(128, 128, -1); got != nil && len(got) != 0 {
			t.Errorf("negative radius returned %q", got)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a huge radius must not walk every bucket of its bounding box")
	}
}
