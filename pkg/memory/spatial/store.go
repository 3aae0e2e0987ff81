// Package spatial implements the spatial memory store: every concept the
// agent has met is placed on a square map, carries recency, access and
// valence bookkeeping, and sits on a continuous terrain field that emotional
// events raise or lower.
//
// A single coarse lock guards concepts, terrain and the radius index because
// they are always read and written together. The radius index is a KD-tree
// rebuilt lazily, on the first query after any coordinate changed.
package spatial

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/strata/pkg/memory"
)

// Concept is a snapshot of one concept's bookkeeping.
type Concept struct {
	Name        string       `json:"name"`
	Pos         memory.Point `json:"pos"`
	CreatedAt   time.Time    `json:"created_at"`
	LastActive  time.Time    `json:"last_active"`
	AccessCount int          `json:"access_count"`
	Valence     float64      `json:"valence"`
	Source      string       `json:"source,omitempty"`
}

// Neighbor is one result of a radius query.
type Neighbor struct {
	Concept
	Dist float64 `json:"dist"`
}

// Store is the spatial memory store. All methods are safe for concurrent use.
type Store struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	concepts map[string]*Concept
	terrain  []float32 // Size×Size, row-major by y
	tree     *kdTree
	dirty    bool   // coordinates changed since the tree was built
	gen      uint64 // bumped on every mutation
	saved    uint64 // gen of the last successful write
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source. Useful in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRand overrides the random source used for placement and drift.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rng = r }
}

// Compile-time interface assertion.
var _ memory.SpatialIndex = (*Store)(nil)

// New returns an empty store with flat terrain and the self concept, if
// configured, anchored at the centre.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Size <= 1 {
		return nil, fmt.Errorf("%w: spatial: size must be > 1, got %d", memory.ErrValidation, cfg.Size)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s := &Store{
		cfg:      cfg,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		concepts: make(map[string]*Concept),
		terrain:  flatTerrain(cfg.Size, cfg.BaseAltitude),
		dirty:    true,
	}
	for _, o := range opts {
		o(s)
	}
	s.mu.Lock()
	s.anchorSelfLocked()
	s.mu.Unlock()
	return s, nil
}

func flatTerrain(size int, base float64) []float32 {
	t := make([]float32, size*size)
	for i := range t {
		t[i] = float32(base)
	}
	return t
}

// Size implements [memory.SpatialIndex].
func (s *Store) Size() int { return s.cfg.Size }

// Config returns the configuration the store was built with.
func (s *Store) Config() Config { return s.cfg }

// GetOrCreate implements [memory.SpatialIndex]. See [Store.Touch].
func (s *Store) GetOrCreate(word string) memory.Point {
	return s.Touch(word, "")
}

// Touch returns the coordinate of word, creating the concept at a random
// position on first reference. Every call refreshes recency and the access
// count; while the concept is young it may drift by up to DriftMax cells per
// axis. A non-empty source replaces the stored source tag.
func (s *Store) Touch(word, source string) memory.Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.concepts[word]
	if !ok {
		c = &Concept{
			Name:        word,
			Pos:         memory.Point{X: float64(s.rng.IntN(s.cfg.Size)), Y: float64(s.rng.IntN(s.cfg.Size))},
			CreatedAt:   now,
			LastActive:  now,
			AccessCount: 1,
			Source:      source,
		}
		s.concepts[word] = c
		s.dirty = true
		s.gen++
		return c.Pos
	}

	c.LastActive = now
	c.AccessCount++
	if source != "" {
		c.Source = source
	}
	if c.AccessCount < s.cfg.DriftAccessLimit && s.cfg.DriftMax > 0 && s.rng.Float64() < s.cfg.DriftProbability {
		dx := s.rng.IntN(2*s.cfg.DriftMax+1) - s.cfg.DriftMax
		dy := s.rng.IntN(2*s.cfg.DriftMax+1) - s.cfg.DriftMax
		c.Pos = s.clampPoint(memory.Point{X: c.Pos.X + float64(dx), Y: c.Pos.Y + float64(dy)})
		s.dirty = true
	}
	s.gen++
	return c.Pos
}

// Ensure places word at p if it does not exist yet and returns its
// coordinate. Existing concepts are left untouched.
func (s *Store) Ensure(word string, p memory.Point) memory.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.concepts[word]; ok {
		return c.Pos
	}
	now := s.now()
	c := &Concept{Name: word, Pos: s.clampPoint(p), CreatedAt: now, LastActive: now, AccessCount: 1}
	s.concepts[word] = c
	s.dirty = true
	s.gen++
	return c.Pos
}

func (s *Store) anchorSelfLocked() {
	if s.cfg.SelfConcept == "" {
		return
	}
	if _, ok := s.concepts[s.cfg.SelfConcept]; ok {
		return
	}
	now := s.now()
	centre := float64(s.cfg.Size / 2)
	s.concepts[s.cfg.SelfConcept] = &Concept{
		Name:        s.cfg.SelfConcept,
		Pos:         memory.Point{X: centre, Y: centre},
		CreatedAt:   now,
		LastActive:  now,
		AccessCount: 1,
		Source:      "self",
	}
	s.dirty = true
	s.gen++
}

// Coordinates implements [memory.SpatialIndex].
func (s *Store) Coordinates(word string) (memory.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concepts[word]
	if !ok {
		return memory.Point{}, false
	}
	return c.Pos, true
}

// Lookup returns a copy of the concept's bookkeeping without touching it.
func (s *Store) Lookup(word string) (Concept, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concepts[word]
	if !ok {
		return Concept{}, false
	}
	return *c, true
}

// Valence implements [memory.SpatialIndex].
func (s *Store) Valence(word string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.concepts[word]; ok {
		return c.Valence
	}
	return 0
}

// Reinforce adds delta to the valence of word, creating the concept if
// needed, and returns the new valence. The result is always in [-1, 1].
// A NaN or infinite delta is rejected with [memory.ErrValidation].
func (s *Store) Reinforce(word string, delta float64) (float64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return s.Valence(word), fmt.Errorf("%w: spatial: reinforce %q with non-finite delta", memory.ErrValidation, word)
	}
	s.GetOrCreate(word)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concepts[word]
	if !ok {
		// Collected between the two critical sections.
		return 0, nil
	}
	c.Valence = clamp(c.Valence+delta, -1, 1)
	s.gen++
	return c.Valence, nil
}

// Forget removes the named concepts and returns how many existed.
func (s *Store) Forget(words ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range words {
		if _, ok := s.concepts[w]; ok {
			delete(s.concepts, w)
			n++
		}
	}
	if n > 0 {
		s.dirty = true
		s.gen++
	}
	return n
}

// Len returns the number of concepts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.concepts)
}

// RandomConcept returns a uniformly chosen concept name, used to seed
// dreams. The boolean is false when the store is empty.
func (s *Store) RandomConcept() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.concepts) == 0 {
		return "", false
	}
	names := s.sortedNamesLocked()
	return names[s.rng.IntN(len(names))], true
}

// SampleConcepts returns up to n distinct concept names in random order.
func (s *Store) SampleConcepts(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.sortedNamesLocked()
	n = max(0, min(n, len(names)))
	for i := range n {
		j := i + s.rng.IntN(len(names)-i)
		names[i], names[j] = names[j], names[i]
	}
	return names[:n]
}

// Concepts returns a copy of every concept, sorted by name.
func (s *Store) Concepts() []Concept {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Concept, 0, len(s.concepts))
	for _, name := range s.sortedNamesLocked() {
		out = append(out, *s.concepts[name])
	}
	return out
}

func (s *Store) sortedNamesLocked() []string {
	names := make([]string, 0, len(s.concepts))
	for n := range s.concepts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// QueryRadius returns concepts within r of (x, y), nearest first, at most
// limit of them (all when limit <= 0).
func (s *Store) QueryRadius(x, y, r float64, limit int) []Neighbor {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree := s.treeLocked()
	var out []Neighbor
	tree.within(memory.Point{X: x, Y: y}, r, func(it kdItem, d float64) {
		if c, ok := s.concepts[it.name]; ok {
			out = append(out, Neighbor{Concept: *c, Dist: d})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dist != out[j].Dist {
			return out[i].Dist < out[j].Dist
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// treeLocked returns the KD-tree, rebuilding it if coordinates changed.
func (s *Store) treeLocked() *kdTree {
	if s.tree != nil && !s.dirty {
		return s.tree
	}
	items := make([]kdItem, 0, len(s.concepts))
	for name, c := range s.concepts {
		items = append(items, kdItem{name: name, p: c.Pos})
	}
	s.tree = buildKD(items)
	s.dirty = false
	return s.tree
}

// GarbageCollect removes every concept idle for longer than
// HalfLife·(1 + |valence|·ValenceRetention). Strong feelings, good or bad,
// keep a concept alive longer. The self concept is never collected.
//
// It returns the removed names, sorted, and the sum of their valences.
func (s *Store) GarbageCollect() (removed []string, composted float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for name, c := range s.concepts {
		if name == s.cfg.SelfConcept {
			continue
		}
		threshold := time.Duration(float64(s.cfg.HalfLife) * (1 + math.Abs(c.Valence)*s.cfg.ValenceRetention))
		if now.Sub(c.LastActive) > threshold {
			removed = append(removed, name)
			composted += c.Valence
		}
	}
	for _, name := range removed {
		delete(s.concepts, name)
	}
	if len(removed) > 0 {
		s.dirty = true
		s.gen++
	}
	sort.Strings(removed)
	return removed, composted
}

// ApplyGravity pulls subject toward attractor by GravityStep·similarity²,
// never overshooting (a step longer than the gap becomes half the gap) and
// doing nothing inside StabilityZone. It returns the distance moved.
func (s *Store) ApplyGravity(subject, attractor string, similarity float64) float64 {
	if subject == attractor || similarity <= 0 || math.IsNaN(similarity) {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.concepts[subject]
	if !ok {
		return 0
	}
	b, ok := s.concepts[attractor]
	if !ok {
		return 0
	}
	dist := a.Pos.Dist(b.Pos)
	if dist < s.cfg.StabilityZone {
		return 0
	}
	step := s.cfg.GravityStep * similarity * similarity
	if step > dist {
		step = 0.5 * dist
	}
	dx := (b.Pos.X - a.Pos.X) / dist
	dy := (b.Pos.Y - a.Pos.Y) / dist
	before := a.Pos
	a.Pos = s.clampPoint(memory.Point{X: a.Pos.X + dx*step, Y: a.Pos.Y + dy*step})
	s.dirty = true
	s.gen++
	return before.Dist(a.Pos)
}

func (s *Store) clampPoint(p memory.Point) memory.Point {
	hi := float64(s.cfg.Size - 1)
	return memory.Point{X: clamp(p.X, 0, hi), Y: clamp(p.Y, 0, hi)}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
