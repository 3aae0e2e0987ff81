// Package sediment implements the sediment log: text fragments scattered
// around the coordinate of the concept that triggered them and grouped into
// fixed-size spatial buckets.
//
// The log keeps every fragment in RAM and mirrors it to a
// [memory.FragmentStore]. Store I/O always happens after the log's lock is
// released. When the store fails the log keeps working in memory and
// reports itself degraded until the next successful store call.
package sediment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/strata/pkg/memory"
)

// Embedder turns texts into vectors. Any embeddings provider satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Option configures a [Log].
type Option func(*Log)

// WithStore mirrors fragments to store. Without one the log is memory only.
func WithStore(store memory.FragmentStore) Option {
	return func(l *Log) { l.store = store }
}

// WithEmbedder enables Compress.
func WithEmbedder(e Embedder) Option {
	return func(l *Log) { l.embedder = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithRand overrides the random source used for scatter and sampling.
func WithRand(r *rand.Rand) Option {
	return func(l *Log) { l.rng = r }
}

// Log is the sediment log. All methods are safe for concurrent use.
type Log struct {
	cfg      Config
	space    memory.SpatialIndex
	store    memory.FragmentStore
	embedder Embedder
	now      func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	frags    map[int64]memory.Fragment
	buckets  map[memory.Bucket][]int64
	nextID   int64
	degraded bool

	// synced is set once nextID is known to lie above every stored ID.
	// Until then nothing is written to or deleted from the store.
	synced bool
}

// New returns an empty log placing fragments on space.
func New(cfg Config, space memory.SpatialIndex, opts ...Option) (*Log, error) {
	var errs []error
	if cfg.GridSize <= 0 {
		errs = append(errs, fmt.Errorf("grid_size must be > 0, got %v", cfg.GridSize))
	}
	if cfg.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be > 0, got %d", cfg.Capacity))
	}
	if cfg.ErosionFraction <= 0 || cfg.ErosionFraction > 1 {
		errs = append(errs, fmt.Errorf("erosion_fraction must be in (0, 1], got %v", cfg.ErosionFraction))
	}
	if cfg.PressureRatio < 0 || cfg.PressureRatio > 1 {
		errs = append(errs, fmt.Errorf("pressure_ratio must be in [0, 1], got %v", cfg.PressureRatio))
	}
	if cfg.PressureEvery < 0 {
		errs = append(errs, fmt.Errorf("pressure_every must be >= 0, got %d", cfg.PressureEvery))
	}
	if space == nil {
		errs = append(errs, errors.New("spatial index is nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: sediment: %w", memory.ErrValidation, err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	l := &Log{
		cfg:     cfg,
		space:   space,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		frags:   make(map[int64]memory.Fragment),
		buckets: make(map[memory.Bucket][]int64),
		nextID:  1,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Load replaces the in-memory fragments with the store's contents. Without a
// store it does nothing. On error the log stays as it was and is marked
// degraded.
func (l *Log) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	frags, err := l.store.Load(ctx)
	l.noteStore(err)
	if err != nil {
		return fmt.Errorf("sediment: load: %w", memory.Transient(err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.frags = make(map[int64]memory.Fragment, len(frags))
	l.nextID = 1
	for _, f := range frags {
		l.frags[f.ID] = f
		if f.ID >= l.nextID {
			l.nextID = f.ID + 1
		}
	}
	l.rebuildLocked()
	l.synced = true
	return nil
}

// syncIDs makes sure new IDs cannot collide with stored rows. The first time
// the store answers, fragments deposited while it was unreachable are
// renumbered above its highest ID and returned so the caller can store them.
func (l *Log) syncIDs(ctx context.Context) ([]memory.Fragment, error) {
	l.mu.Lock()
	synced := l.synced
	l.mu.Unlock()
	if synced {
		return nil, nil
	}

	maxID, err := l.store.MaxID(ctx)
	l.noteStore(err)
	if err != nil {
		return nil, fmt.Errorf("sediment: max id: %w", memory.Transient(err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.synced {
		return nil, nil
	}
	ids := make([]int64, 0, len(l.frags))
	for id := range l.frags {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	backfill := make([]memory.Fragment, 0, len(ids))
	renumbered := make(map[int64]memory.Fragment, len(ids))
	next := maxID + 1
	for _, id := range ids {
		f := l.frags[id]
		f.ID = next
		next++
		renumbered[f.ID] = f
		backfill = append(backfill, f)
	}
	l.frags = renumbered
	l.nextID = next
	l.rebuildLocked()
	l.synced = true
	return backfill, nil
}

func (l *Log) noteStore(err error) {
	l.mu.Lock()
	l.degraded = err != nil
	l.mu.Unlock()
}

// Degraded reports whether the last store call failed.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Len returns the number of fragments in memory.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frags)
}

// Config returns the configuration the log was built with.
func (l *Log) Config() Config { return l.cfg }

// Spread returns the scatter σ for a plasticity hint, clamped to [0, 1].
func (l *Log) Spread(plasticity float64) float64 {
	if math.IsNaN(plasticity) {
		plasticity = 0
	}
	plasticity = math.Max(0, math.Min(1, plasticity))
	return l.cfg.BaseSpread * (1 + plasticity*l.cfg.SpreadGain)
}

// Deposit shatters text and scatters the pieces around the coordinate of
// trigger with a Gaussian offset of σ = [Log.Spread](plasticity), never
// further than 2σ. Higher plasticity models confusion or excitement. The
// deposited fragments are returned even when mirroring them to the store
// fails; the error then matches [memory.ErrTransientIO]. Under pressure (see
// Config.PressureRatio) a deposit also runs [Log.Compress]; exceeding
// capacity triggers erosion.
//
// Before the first store write the log learns the store's highest ID, so a
// failed Load never leads to stored fragments being overwritten.
func (l *Log) Deposit(ctx context.Context, trigger, text string, plasticity float64) ([]memory.Fragment, error) {
	pieces := Shatter(text, l.cfg.MaxFragmentRunes)
	if len(pieces) == 0 {
		return nil, nil
	}
	var (
		errs     []error
		backfill []memory.Fragment
		stored   = l.store != nil
	)
	if stored {
		var err error
		if backfill, err = l.syncIDs(ctx); err != nil {
			errs = append(errs, err)
			stored = false
		}
	}
	centre := l.space.GetOrCreate(trigger)
	sigma := l.Spread(plasticity)
	hi := float64(l.space.Size() - 1)

	l.mu.Lock()
	now := l.now()
	out := make([]memory.Fragment, 0, len(pieces))
	for _, p := range pieces {
		dx, dy := l.rng.NormFloat64()*sigma, l.rng.NormFloat64()*sigma
		if r := math.Hypot(dx, dy); r > 2*sigma {
			dx, dy = dx*2*sigma/r, dy*2*sigma/r
		}
		f := memory.Fragment{
			ID:        l.nextID,
			Text:      p,
			Concept:   trigger,
			X:         math.Max(0, math.Min(hi, centre.X+dx)),
			Y:         math.Max(0, math.Min(hi, centre.Y+dy)),
			Timestamp: now,
		}
		l.nextID++
		l.frags[f.ID] = f
		b := memory.BucketOf(f.X, f.Y, l.cfg.GridSize)
		l.buckets[b] = append(l.buckets[b], f.ID)
		out = append(out, f)
	}
	count := len(l.frags)
	over := count > l.cfg.Capacity
	l.mu.Unlock()

	if stored {
		err := l.store.Insert(ctx, append(backfill, out...)...)
		l.noteStore(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("sediment: insert: %w", memory.Transient(err)))
		}
	}
	if l.underPressure(count-len(out), count) {
		if _, err := l.Compress(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if over {
		if _, err := l.Erode(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// underPressure reports whether growing from before to after fragments
// crossed a multiple of PressureEvery above PressureRatio·Capacity.
func (l *Log) underPressure(before, after int) bool {
	every := l.cfg.PressureEvery
	if every <= 0 || l.embedder == nil {
		return false
	}
	if float64(after) <= l.cfg.PressureRatio*float64(l.cfg.Capacity) {
		return false
	}
	return after/every > before/every
}

// Erode removes the oldest fragments when the log is over capacity: at least
// ErosionFraction·Capacity of them, and enough to get back under capacity.
// It returns the number removed.
func (l *Log) Erode(ctx context.Context) (int, error) {
	l.mu.Lock()
	excess := len(l.frags) - l.cfg.Capacity
	if excess <= 0 {
		l.mu.Unlock()
		return 0, nil
	}
	n := max(1, int(float64(l.cfg.Capacity)*l.cfg.ErosionFraction), excess)
	n = min(n, len(l.frags))

	all := make([]memory.Fragment, 0, len(l.frags))
	for _, f := range l.frags {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].ID < all[j].ID
	})
	ids := make([]int64, n)
	for i := range n {
		ids[i] = all[i].ID
		delete(l.frags, all[i].ID)
	}
	l.rebuildLocked()
	l.mu.Unlock()

	return n, l.deleteStored(ctx, "erode", ids)
}

func (l *Log) deleteStored(ctx context.Context, op string, ids []int64) error {
	if l.store == nil || len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	synced := l.synced
	l.mu.Unlock()
	if !synced {
		return nil
	}
	err := l.store.Delete(ctx, ids...)
	l.noteStore(err)
	if err != nil {
		return fmt.Errorf("sediment: %s: %w", op, memory.Transient(err))
	}
	return nil
}

func (l *Log) rebuildLocked() {
	l.buckets = make(map[memory.Bucket][]int64, len(l.buckets))
	for id, f := range l.frags {
		b := memory.BucketOf(f.X, f.Y, l.cfg.GridSize)
		l.buckets[b] = append(l.buckets[b], id)
	}
}
