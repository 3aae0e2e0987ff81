// Package memory defines the capability interfaces, record types and error
// taxonomy shared by the strata memory components.
//
// The substrate is split into five components, each of which exclusively owns
// its primary structure:
//
//   - simhash: binary fingerprints of embedding vectors with Hamming recall.
//   - spatial: concept coordinates, the terrain field and a radius index.
//   - synapse: the weighted co-occurrence graph.
//   - sediment: spatially bucketed text fragments backed by a [FragmentStore].
//   - reservoir: the recurrent surprise predictor.
//
// Components reference each other only by key (a concept name or a
// coordinate) and only through the narrow interfaces declared here, so each
// one states exactly what it needs from a collaborator.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"math"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Shared record types
// ─────────────────────────────────────────────────────────────────────────────

// Point is a position on the square concept map. Both axes live in [0, size).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Fragment is a piece of experienced text anchored to a map coordinate.
// Fragments are immutable once deposited.
type Fragment struct {
	// ID is assigned by the sediment log and is unique within one store.
	ID int64 `json:"id"`

	// Text is the fragment content.
	Text string `json:"text"`

	// Concept is the trigger concept the fragment was deposited around.
	// Its valence drives the compression guard.
	Concept string `json:"concept"`

	// X and Y locate the fragment on the concept map.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Timestamp is the deposit time; erosion removes the oldest first.
	Timestamp time.Time `json:"timestamp"`
}

// Bucket is the spatial bucket key of a fragment: (⌊x/grid⌋, ⌊y/grid⌋).
type Bucket struct {
	X, Y int
}

// BucketOf returns the bucket holding the coordinate (x, y) for the given
// grid size.
func BucketOf(x, y, grid float64) Bucket {
	return Bucket{X: int(math.Floor(x / grid)), Y: int(math.Floor(y / grid))}
}

// BucketRange is an inclusive rectangle of buckets.
type BucketRange struct {
	MinX, MaxX int
	MinY, MaxY int
}

// RangeWithin returns the buckets intersecting the axis-aligned bounding box
// of the circle centred on (x, y) with the given radius, clipped to the
// square grid [0, size]. A negative or NaN radius yields an empty range.
func RangeWithin(x, y, radius, grid float64, size int) BucketRange {
	if radius < 0 || math.IsNaN(radius) || size <= 0 {
		return BucketRange{MinX: 0, MaxX: -1, MinY: 0, MaxY: -1}
	}
	hi := float64(size)
	lo := BucketOf(clampCoord(x-radius, hi), clampCoord(y-radius, hi), grid)
	up := BucketOf(clampCoord(x+radius, hi), clampCoord(y+radius, hi), grid)
	return BucketRange{MinX: lo.X, MaxX: up.X, MinY: lo.Y, MaxY: up.Y}
}

func clampCoord(v, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > hi:
		return hi
	}
	return v
}

// Len returns the number of buckets in r.
func (r BucketRange) Len() int {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Contains reports whether b lies inside r.
func (r BucketRange) Contains(b Bucket) bool {
	return b.X >= r.MinX && b.X <= r.MaxX && b.Y >= r.MinY && b.Y <= r.MaxY
}

// Link is an undirected weighted association between two concepts.
type Link struct {
	A      string  `json:"a"`
	B      string  `json:"b"`
	Weight float64 `json:"weight"`
}

// Scored pairs a key with a relevance score. Higher is better.
type Scored struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Capability interfaces
// ─────────────────────────────────────────────────────────────────────────────

// SpatialIndex is what other components need from the spatial memory store.
type SpatialIndex interface {
	// GetOrCreate returns the coordinate of word, placing a new concept on
	// first reference. Every call counts as an access.
	GetOrCreate(word string) Point

	// Coordinates returns the coordinate of word without touching it.
	// The boolean is false when word is unknown.
	Coordinates(word string) (Point, bool)

	// Valence returns the valence of word, or 0 when it is unknown.
	Valence(word string) float64

	// Size returns the side length of the square map.
	Size() int
}

// ConceptSampler is an optional capability of a [SpatialIndex] that draws
// concepts at random, used to change the topic of a recall.
type ConceptSampler interface {
	// SampleConcepts returns up to n distinct concept names in random order.
	SampleConcepts(n int) []string
}

// LinkSource supplies the strongest associations, consumed by semantic
// gravity in the spatial store.
type LinkSource interface {
	TopLinks(limit int, threshold float64) []Link
}

// FragmentStore is the persistent tier behind the sediment log.
//
// Implementations must never be called while a memory-store lock is held;
// the sediment log snapshots under its lock and performs store I/O after
// releasing it.
type FragmentStore interface {
	// Insert persists fragments. IDs are assigned by the caller. An ID that
	// is already stored fails the whole call with [ErrDuplicateID].
	Insert(ctx context.Context, frags ...Fragment) error

	// MaxID returns the highest stored fragment ID, or 0 when empty.
	MaxID(ctx context.Context) (int64, error)

	// Load returns every stored fragment, oldest first.
	Load(ctx context.Context) ([]Fragment, error)

	// Range returns the fragments whose bucket lies in r.
	Range(ctx context.Context, r BucketRange) ([]Fragment, error)

	// Delete removes fragments by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...int64) error

	// Count returns the number of stored fragments.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// EmbeddingStore is an optional capability of a [FragmentStore] that caches
// fragment embeddings so compression does not re-embed unchanged fragments.
type EmbeddingStore interface {
	// PutEmbeddings stores the vectors keyed by fragment ID.
	PutEmbeddings(ctx context.Context, vecs map[int64][]float32) error

	// Embeddings returns the cached vectors for ids. Missing IDs are absent
	// from the returned map.
	Embeddings(ctx context.Context, ids []int64) (map[int64][]float32, error)
}
