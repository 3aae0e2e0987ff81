package spatial_test

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/spatial"
)

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T, mutate func(*spatial.Config)) (*spatial.Store, *fakeClock) {
	t.Helper()
	cfg := spatial.DefaultConfig()
	cfg.Size = 256
	cfg.DriftProbability = 0
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &fakeClock{t: time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := spatial.New(cfg,
		spatial.WithClock(clock.Now),
		spatial.WithRand(rand.New(rand.NewPCG(42, 7))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, clock
}

func TestTouch_PlacementAndDrift(t *testing.T) {
	s, _ := newStore(t, func(c *spatial.Config) { c.DriftProbability = 1 })
	size := float64(s.Size())

	for i := 0; i < 200; i++ {
		w := fmt.Sprintf("word-%d", i)
		first := s.GetOrCreate(w)
		if first.X < 0 || first.X >= size || first.Y < 0 || first.Y >= size {
			t.Fatalf("%s placed outside the map: %+v", w, first)
		}
		second := s.GetOrCreate(w)
		if math.Abs(second.X-first.X) > 5 || math.Abs(second.Y-first.Y) > 5 {
			t.Fatalf("%s drifted beyond the bound: %+v -> %+v", w, first, second)
		}
		if second.X < 0 || second.X >= size || second.Y < 0 || second.Y >= size {
			t.Fatalf("%s drifted off the map: %+v", w, second)
		}
	}
}

func TestTouch_NoDriftWhenDisabled(t *testing.T) {
	s, _ := newStore(t, nil)
	a := s.GetOrCreate("storm")
	for i := 0; i < 50; i++ {
		if b := s.GetOrCreate("storm"); b != a {
			t.Fatalf("coordinate changed without drift: %+v -> %+v", a, b)
		}
	}
	c, _ := s.Lookup("storm")
	if c.AccessCount != 51 {
		t.Errorf("access count = %d, want 51", c.AccessCount)
	}
}

func TestTouch_SourceTag(t *testing.T) {
	s, _ := newStore(t, nil)
	s.Touch("creeper", "minecraft")
	s.Touch("creeper", "")
	c, ok := s.Lookup("creeper")
	if !ok {
		t.Fatal("creeper missing")
	}
	if c.Source != "minecraft" {
		t.Errorf("source = %q, want minecraft", c.Source)
	}
}

func TestSelfAnchor(t *testing.T) {
	s, _ := newStore(t, nil)
	p, ok := s.Coordinates("self")
	if !ok {
		t.Fatal("self concept missing")
	}
	if p.X != 128 || p.Y != 128 {
		t.Errorf("self at %+v, want the centre", p)
	}
}

func TestReinforce_Clamped(t *testing.T) {
	s, _ := newStore(t, nil)
	deltas := []float64{0.7, 0.7, 5, -0.2, -40, -1, 1e9, -1e9}
	for _, d := range deltas {
		v, err := s.Reinforce("storm", d)
		if err != nil {
			t.Fatalf("Reinforce(%v): %v", d, err)
		}
		if v < -1 || v > 1 {
			t.Fatalf("valence %v out of range after delta %v", v, d)
		}
	}
	if _, err := s.Reinforce("storm", math.NaN()); err == nil {
		t.Error("NaN delta should be rejected")
	}
	if v := s.Valence("storm"); v != -1 {
		t.Errorf("valence = %v, want -1", v)
	}
}

func TestModifyTerrain_StaysInUnitRange(t *testing.T) {
	s, _ := newStore(t, nil)
	p := s.GetOrCreate("storm")

	for i := 0; i < 30; i++ {
		_ = s.ModifyTerrain("storm", 3)
	}
	if alt := s.Altitude(p.X, p.Y); alt != 1 {
		t.Errorf("centre altitude after repeated raises = %v, want 1", alt)
	}
	for i := 0; i < 60; i++ {
		_ = s.ModifyTerrain("storm", -3)
	}
	for dy := -16.0; dy <= 16; dy++ {
		for dx := -16.0; dx <= 16; dx++ {
			a := s.Altitude(p.X+dx, p.Y+dy)
			if a < 0 || a > 1 {
				t.Fatalf("altitude %v out of range at offset (%v,%v)", a, dx, dy)
			}
		}
	}
	if alt := s.Altitude(p.X, p.Y); alt != 0 {
		t.Errorf("centre altitude after repeated lowering = %v, want 0", alt)
	}
}

func TestModifyTerrain_Falloff(t *testing.T) {
	s, _ := newStore(t, nil)
	p := s.Ensure("peak", memory.Point{X: 100, Y: 100})
	if err := s.ModifyTerrain("peak", 1); err != nil {
		t.Fatal(err)
	}
	centre := s.Altitude(p.X, p.Y)
	edge := s.Altitude(p.X+15, p.Y)
	outside := s.Altitude(p.X+16, p.Y)
	if !(centre > edge && edge > 0.5) {
		t.Errorf("expected linear falloff, centre=%v edge=%v", centre, edge)
	}
	if outside != 0.5 {
		t.Errorf("cell outside the radius changed: %v", outside)
	}
}

func TestQueryRadius(t *testing.T) {
	s, _ := newStore(t, func(c *spatial.Config) { c.SelfConcept = "" })
	s.Ensure("a", memory.Point{X: 10, Y: 10})
	s.Ensure("b", memory.Point{X: 13, Y: 14})
	s.Ensure("c", memory.Point{X: 40, Y: 40})
	s.Ensure("d", memory.Point{X: 10, Y: 12})

	got := s.QueryRadius(10, 10, 6, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 neighbours, got %+v", got)
	}
	want := []string{"a", "d", "b"}
	for i, n := range got {
		if n.Name != want[i] {
			t.Errorf("result %d = %s, want %s", i, n.Name, want[i])
		}
	}
	if got[2].Dist != 5 {
		t.Errorf("dist to b = %v, want 5", got[2].Dist)
	}

	if capped := s.QueryRadius(10, 10, 6, 2); len(capped) != 2 {
		t.Errorf("limit not honoured: %d results", len(capped))
	}

	t.Run("rebuilds after movement", func(t *testing.T) {
		s.Forget("d")
		s.Ensure("e", memory.Point{X: 11, Y: 10})
		got := s.QueryRadius(10, 10, 2, 0)
		if len(got) != 2 || got[0].Name != "a" || got[1].Name != "e" {
			t.Errorf("stale index: %+v", got)
		}
	})
}

func TestQueryRadius_MatchesBruteForce(t *testing.T) {
	s, _ := newStore(t, func(c *spatial.Config) { c.SelfConcept = "" })
	rng := rand.New(rand.NewPCG(11, 12))
	for i := 0; i < 500; i++ {
		s.Ensure(fmt.Sprintf("c%d", i), memory.Point{X: float64(rng.IntN(256)), Y: float64(rng.IntN(256))})
	}
	all := s.Concepts()
	for q := 0; q < 20; q++ {
		x, y, r := float64(rng.IntN(256)), float64(rng.IntN(256)), float64(5+rng.IntN(40))
		want := 0
		for _, c := range all {
			if math.Hypot(c.Pos.X-x, c.Pos.Y-y) <= r {
				want++
			}
		}
		if got := len(s.QueryRadius(x, y, r, 0)); got != want {
			t.Fatalf("query (%v,%v,%v): got %d, brute force %d", x, y, r, got, want)
		}
	}
}

func TestGarbageCollect(t *testing.T) {
	s, clock := newStore(t, nil)
	s.GetOrCreate("fleeting")
	s.GetOrCreate("beloved")
	s.GetOrCreate("hated")
	s.GetOrCreate("fresh")
	_, _ = s.Reinforce("beloved", 1)
	_, _ = s.Reinforce("hated", -0.5)

	// Neutral threshold is 1h; |v|=1 gives 6h; |v|=0.5 gives 3.5h.
	clock.Advance(2 * time.Hour)
	s.GetOrCreate("fresh")

	removed, composted := s.GarbageCollect()
	if len(removed) != 1 || removed[0] != "fleeting" {
		t.Fatalf("removed = %v, want [fleeting]", removed)
	}
	if composted != 0 {
		t.Errorf("composted = %v, want 0", composted)
	}

	clock.Advance(2 * time.Hour)
	removed, composted = s.GarbageCollect()
	if len(removed) != 2 || removed[0] != "fresh" || removed[1] != "hated" {
		t.Fatalf("removed = %v, want [fresh hated]", removed)
	}
	if composted != -0.5 {
		t.Errorf("composted = %v, want -0.5", composted)
	}

	if _, ok := s.Coordinates("beloved"); !ok {
		t.Error("beloved collected inside its threshold")
	}
	if _, ok := s.Coordinates("self"); !ok {
		t.Error("self concept must never be collected")
	}
}

func TestApplyGravity(t *testing.T) {
	tests := []struct {
		name       string
		subject    memory.Point
		attractor  memory.Point
		similarity float64
		wantMove   float64
	}{
		{name: "full step", subject: memory.Point{X: 0, Y: 0}, attractor: memory.Point{X: 100, Y: 0}, similarity: 1, wantMove: 20},
		{name: "scaled by similarity squared", subject: memory.Point{X: 0, Y: 0}, attractor: memory.Point{X: 100, Y: 0}, similarity: 0.5, wantMove: 5},
		{name: "never overshoots", subject: memory.Point{X: 0, Y: 0}, attractor: memory.Point{X: 12, Y: 0}, similarity: 1, wantMove: 6},
		{name: "inert in stability zone", subject: memory.Point{X: 0, Y: 0}, attractor: memory.Point{X: 9, Y: 0}, similarity: 1, wantMove: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newStore(t, nil)
			s.Ensure("subject", tt.subject)
			s.Ensure("attractor", tt.attractor)
			moved := s.ApplyGravity("subject", "attractor", tt.similarity)
			if math.Abs(moved-tt.wantMove) > 1e-9 {
				t.Errorf("moved %v, want %v", moved, tt.wantMove)
			}
			p, _ := s.Coordinates("subject")
			if p.X > tt.attractor.X {
				t.Errorf("overshot the attractor: %+v", p)
			}
		})
	}
}

func TestSpatialGradient(t *testing.T) {
	s, _ := newStore(t, func(c *spatial.Config) { c.SelfConcept = "" })
	here := spatial.Cell{X: 50, Y: 50}

	north := spatial.Cell{X: 50, Y: 49}.Key()
	s.Ensure(north, memory.Point{X: 200, Y: 200})
	_, _ = s.Reinforce(north, 0.5) // access count becomes 2

	// Within ProbeRadius of the east neighbour only.
	s.Ensure("nearby", memory.Point{X: 55, Y: 50})

	got := s.SpatialGradient(here)
	if math.Abs(got[spatial.North]-(0.5+2*0.5)) > 1e-9 {
		t.Errorf("north = %v, want 1.5", got[spatial.North])
	}
	if got[spatial.East] != 0.8 {
		t.Errorf("east = %v, want 0.8 (unknown but crowded)", got[spatial.East])
	}
	if got[spatial.South] != 1.0 || got[spatial.West] != 1.0 {
		t.Errorf("unknown wild cells should score 1.0, got S=%v W=%v", got[spatial.South], got[spatial.West])
	}
}

func TestLocate(t *testing.T) {
	s, _ := newStore(t, nil)
	s.Ensure("corner", memory.Point{X: 1, Y: 1})
	loc, ok := s.Locate("corner")
	if !ok {
		t.Fatal("corner missing")
	}
	if loc.Sector != "north-west" || loc.Terrain != "plains" {
		t.Errorf("location = %+v", loc)
	}
	if loc, _ := s.Locate("self"); loc.Sector != "center" {
		t.Errorf("self sector = %q, want center", loc.Sector)
	}
}

func TestWeather(t *testing.T) {
	s, _ := newStore(t, nil)
	p := s.Ensure("peak", memory.Point{X: 100, Y: 100})
	for i := 0; i < 10; i++ {
		_ = s.ModifyTerrain("peak", 1)
	}
	before := s.Altitude(p.X, p.Y)
	rate := s.Weather(10 * time.Minute)
	if math.Abs(rate-0.05) > 1e-9 {
		t.Errorf("rate = %v, want 0.05", rate)
	}
	after := s.Altitude(p.X, p.Y)
	if !(after < before && after > 0.5) {
		t.Errorf("terrain should relax toward 0.5: before=%v after=%v", before, after)
	}
	if rate := s.Weather(1000 * time.Hour); rate != 0.3 {
		t.Errorf("rate should cap at 0.3, got %v", rate)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, clock := newStore(t, nil)
	s.Touch("storm", "weather")
	_, _ = s.Reinforce("storm", -0.4)
	_ = s.ModifyTerrain("storm", 1)
	p, _ := s.Coordinates("storm")
	alt := s.Altitude(p.X, p.Y)

	if err := s.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := s.Config()
	loaded, err := spatial.New(cfg, spatial.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, ok := loaded.Lookup("storm")
	if !ok {
		t.Fatal("storm missing after load")
	}
	if c.Pos != p || c.Valence != -0.4 || c.Source != "weather" || c.AccessCount != 3 {
		t.Errorf("concept after load = %+v", c)
	}
	if got := loaded.Altitude(p.X, p.Y); math.Abs(got-alt) > 1e-6 {
		t.Errorf("altitude after load = %v, want %v", got, alt)
	}
}

func TestLoad_LegacyRecords(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"old":[3,4],"older":[5,6,1700000000],"valenced":[7,8,1700000000,4,2.5]}`
	if err := os.WriteFile(filepath.Join(dir, spatial.ConceptsFile), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := newStore(t, nil)
	if err := s.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, ok := s.Lookup("valenced")
	if !ok {
		t.Fatal("valenced missing")
	}
	if c.AccessCount != 4 || c.Valence != 1 {
		t.Errorf("migrated record = %+v (valence must be clamped)", c)
	}
	if c, _ := s.Lookup("old"); c.AccessCount != 1 || c.Pos != (memory.Point{X: 3, Y: 4}) {
		t.Errorf("two-field record = %+v", c)
	}
	if _, ok := s.Lookup("self"); !ok {
		t.Error("self anchor must be restored after loading")
	}
}

func TestLoad_CorruptResetsWithoutPanic(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, spatial.ConceptsFile), []byte("{not json"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, spatial.TerrainFile), []byte("garbage"), 0o644)

	s, _ := newStore(t, nil)
	if err := s.Load(dir); err == nil {
		t.Error("expected an error describing the corrupt files")
	}
	if s.Len() != 1 {
		t.Errorf("store should hold only the self anchor, has %d concepts", s.Len())
	}
	if alt := s.Altitude(0, 0); alt != 0.5 {
		t.Errorf("terrain should stay flat, got %v", alt)
	}
}

func TestLoad_TerrainSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	small, _ := newStore(t, func(c *spatial.Config) { c.Size = 64 })
	small.GetOrCreate("storm")
	if err := small.Save(dir); err != nil {
		t.Fatal(err)
	}

	big, _ := newStore(t, nil)
	err := big.Load(dir)
	if err == nil {
		t.Fatal("expected a schema mismatch error")
	}
	if _, ok := big.Lookup("storm"); !ok {
		t.Error("concepts should still load when only the terrain mismatches")
	}
}
