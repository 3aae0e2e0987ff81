// Package mock provides in-memory test doubles for the memory capability
// interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that inject failures. All mocks are safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewFragmentStore(50)
//	store.InsertErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Insert"); got != 1 {
//	    t.Errorf("expected 1 Insert call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/strata/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

type recorder struct {
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

func (r *recorder) count(method string) int {
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// FragmentStore
// ─────────────────────────────────────────────────────────────────────────────

// FragmentStore is an in-memory [memory.FragmentStore] that also implements
// [memory.EmbeddingStore]. Rows behave like a real table; the exported *Err
// fields make the matching method fail without touching the rows.
type FragmentStore struct {
	mu   sync.Mutex
	rec  recorder
	grid float64

	rows    map[int64]memory.Fragment
	vectors map[int64][]float32

	InsertErr error
	LoadErr   error
	RangeErr  error
	DeleteErr error
	CountErr  error
	MaxIDErr  error
	PutErr    error
	GetErr    error
}

var (
	_ memory.FragmentStore  = (*FragmentStore)(nil)
	_ memory.EmbeddingStore = (*FragmentStore)(nil)
)

// NewFragmentStore returns an empty store bucketing by grid.
func NewFragmentStore(grid float64) *FragmentStore {
	return &FragmentStore{
		grid:    grid,
		rows:    make(map[int64]memory.Fragment),
		vectors: make(map[int64][]float32),
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *FragmentStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.rec.calls))
	copy(out, m.rec.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *FragmentStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.count(method)
}

// Rows returns the stored fragments ordered by timestamp, then ID.
func (m *FragmentStore) Rows() []memory.Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(memory.Fragment) bool { return true })
}

func (m *FragmentStore) sortedLocked(keep func(memory.Fragment) bool) []memory.Fragment {
	out := make([]memory.Fragment, 0, len(m.rows))
	for _, f := range m.rows {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Insert implements [memory.FragmentStore].
func (m *FragmentStore) Insert(_ context.Context, frags ...memory.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Insert", len(frags))
	if m.InsertErr != nil {
		return m.InsertErr
	}
	for _, f := range frags {
		if _, dup := m.rows[f.ID]; dup {
			return fmt.Errorf("mock store: insert fragment %d: %w", f.ID, memory.ErrDuplicateID)
		}
	}
	for _, f := range frags {
		m.rows[f.ID] = f
	}
	return nil
}

// Load implements [memory.FragmentStore].
func (m *FragmentStore) Load(_ context.Context) ([]memory.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Load")
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.sortedLocked(func(memory.Fragment) bool { return true }), nil
}

// Range implements [memory.FragmentStore].
func (m *FragmentStore) Range(_ context.Context, r memory.BucketRange) ([]memory.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Range", r)
	if m.RangeErr != nil {
		return nil, m.RangeErr
	}
	return m.sortedLocked(func(f memory.Fragment) bool {
		return r.Contains(memory.BucketOf(f.X, f.Y, m.grid))
	}), nil
}

// Delete implements [memory.FragmentStore].
func (m *FragmentStore) Delete(_ context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Delete", ids)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, id := range ids {
		delete(m.rows, id)
		delete(m.vectors, id)
	}
	return nil
}

// Count implements [memory.FragmentStore].
func (m *FragmentStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Count")
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return len(m.rows), nil
}

// MaxID implements [memory.FragmentStore].
func (m *FragmentStore) MaxID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("MaxID")
	if m.MaxIDErr != nil {
		return 0, m.MaxIDErr
	}
	var id int64
	for k := range m.rows {
		id = max(id, k)
	}
	return id, nil
}

// Close implements [memory.FragmentStore].
func (m *FragmentStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Close")
	return nil
}

// PutEmbeddings implements [memory.EmbeddingStore].
func (m *FragmentStore) PutEmbeddings(_ context.Context, vecs map[int64][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("PutEmbeddings", len(vecs))
	if m.PutErr != nil {
		return m.PutErr
	}
	for id, v := range vecs {
		if _, ok := m.rows[id]; ok {
			m.vectors[id] = append([]float32(nil), v...)
		}
	}
	return nil
}

// Embeddings implements [memory.EmbeddingStore].
func (m *FragmentStore) Embeddings(_ context.Context, ids []int64) (map[int64][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Embeddings", len(ids))
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	out := make(map[int64][]float32, len(ids))
	for _, id := range ids {
		if v, ok := m.vectors[id]; ok {
			out[id] = append([]float32(nil), v...)
		}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SpatialIndex
// ─────────────────────────────────────────────────────────────────────────────

// SpatialIndex is a fixed [memory.SpatialIndex]: coordinates and valences
// are whatever the test puts in the exported maps. Unknown words are placed
// at Default on first GetOrCreate.
type SpatialIndex struct {
	mu  sync.Mutex
	rec recorder

	Points   map[string]memory.Point
	Valences map[string]float64
	Default  memory.Point
	MapSize  int
}

var (
	_ memory.SpatialIndex   = (*SpatialIndex)(nil)
	_ memory.ConceptSampler = (*SpatialIndex)(nil)
)

// NewSpatialIndex returns an empty index for a map of the given size.
func NewSpatialIndex(size int) *SpatialIndex {
	return &SpatialIndex{
		Points:   make(map[string]memory.Point),
		Valences: make(map[string]float64),
		Default:  memory.Point{X: float64(size / 2), Y: float64(size / 2)},
		MapSize:  size,
	}
}

// Set places word at p with valence v.
func (m *SpatialIndex) Set(word string, p memory.Point, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Points[word] = p
	m.Valences[word] = v
}

// CallCount returns how many times the named method was invoked.
func (m *SpatialIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.count(method)
}

// GetOrCreate implements [memory.SpatialIndex].
func (m *SpatialIndex) GetOrCreate(word string) memory.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("GetOrCreate", word)
	p, ok := m.Points[word]
	if !ok {
		p = m.Default
		m.Points[word] = p
	}
	return p
}

// Coordinates implements [memory.SpatialIndex].
func (m *SpatialIndex) Coordinates(word string) (memory.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Coordinates", word)
	p, ok := m.Points[word]
	return p, ok
}

// Valence implements [memory.SpatialIndex].
func (m *SpatialIndex) Valence(word string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Valence", word)
	return m.Valences[word]
}

// Size implements [memory.SpatialIndex].
func (m *SpatialIndex) Size() int { return m.MapSize }

// SampleConcepts implements [memory.ConceptSampler]. The mock is
// deterministic: it returns the first n names in sorted order.
func (m *SpatialIndex) SampleConcepts(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("SampleConcepts", n)
	names := make([]string, 0, len(m.Points))
	for w := range m.Points {
		names = append(names, w)
	}
	sort.Strings(names)
	return names[:max(0, min(n, len(names)))]
}
