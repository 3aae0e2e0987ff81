// Package simhash maps embedding vectors to fixed-width binary fingerprints
// and answers approximate similarity queries by Hamming distance.
//
// A fingerprint is the sign pattern of a seeded Gaussian random projection.
// The projection matrix is never persisted: it is rebuilt bit-for-bit from
// the seed, so fingerprints written by one process stay comparable in the
// next one as long as the width and seed are unchanged.
//
// Ranking by Hamming similarity correlates with cosine similarity of the
// source vectors but is not exact. Queries are a linear XOR+popcount scan,
// which is cheap enough at the scale of a single agent's vocabulary.
package simhash

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/MrWong99/strata/pkg/memory"
)

// Config holds the shape of the projection.
type Config struct {
	// InputDim is the embedding dimension accepted by Project.
	InputDim int `yaml:"input_dim"`

	// Bits is the fingerprint width.
	Bits int `yaml:"bits"`

	// Seed fixes the projection matrix.
	Seed uint64 `yaml:"seed"`

	// MinSimilarity is the default threshold for Query when the caller
	// passes a non-positive one.
	MinSimilarity float64 `yaml:"min_similarity"`

	// Limit is the default result cap for Query.
	Limit int `yaml:"limit"`
}

// DefaultConfig returns the standard 768 → 1024 projection.
func DefaultConfig() Config {
	return Config{
		InputDim:      768,
		Bits:          1024,
		Seed:          2026,
		MinSimilarity: 0.3,
		Limit:         10,
	}
}

// Fingerprint is a packed bit vector. Bit i lives in Words[i/64] at
// position i%64.
type Fingerprint struct {
	Bits  int
	Words []uint64
}

// Similarity returns 1 - popcount(a xor b)/bits. Fingerprints of different
// widths are incomparable and score 0.
func (a Fingerprint) Similarity(b Fingerprint) float64 {
	if a.Bits != b.Bits || a.Bits == 0 || len(a.Words) != len(b.Words) {
		return 0
	}
	diff := 0
	for i := range a.Words {
		diff += bits.OnesCount64(a.Words[i] ^ b.Words[i])
	}
	return 1 - float64(diff)/float64(a.Bits)
}

// Bit reports whether bit i is set.
func (a Fingerprint) Bit(i int) bool {
	return a.Words[i/64]&(1<<(uint(i)%64)) != 0
}

// MarshalText encodes the words as little-endian base64.
func (a Fingerprint) MarshalText() ([]byte, error) {
	buf := make([]byte, 8*len(a.Words))
	for i, w := range a.Words {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(buf)))
	base64.StdEncoding.Encode(out, buf)
	return out, nil
}

// UnmarshalText decodes the MarshalText form. Bits is set to the full word
// capacity; callers that know the configured width check it separately.
func (a *Fingerprint) UnmarshalText(text []byte) error {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(buf, text)
	if err != nil {
		return fmt.Errorf("simhash: decode fingerprint: %w", err)
	}
	if n%8 != 0 {
		return fmt.Errorf("simhash: fingerprint has %d bytes, not a multiple of 8", n)
	}
	a.Words = make([]uint64, n/8)
	for i := range a.Words {
		a.Words[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	a.Bits = 64 * len(a.Words)
	return nil
}

// Index holds the latest fingerprint of every indexed key.
// All methods are safe for concurrent use.
type Index struct {
	cfg  Config
	proj *mat.Dense

	mu     sync.RWMutex
	prints map[string]Fingerprint
	gen    uint64 // bumped on every mutation
	saved  uint64 // gen of the last successful write
}

// New builds the projection for cfg and returns an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.InputDim <= 0 || cfg.Bits <= 0 {
		return nil, fmt.Errorf("%w: simhash: input_dim and bits must be positive", memory.ErrValidation)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	data := make([]float64, cfg.Bits*cfg.InputDim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return &Index{
		cfg:    cfg,
		proj:   mat.NewDense(cfg.Bits, cfg.InputDim, data),
		prints: make(map[string]Fingerprint),
	}, nil
}

// Config returns the configuration the index was built with.
func (ix *Index) Config() Config { return ix.cfg }

// Project computes the fingerprint of vec. A vector of the wrong length
// fails with a [*memory.ShapeError].
func (ix *Index) Project(vec []float32) (Fingerprint, error) {
	if len(vec) != ix.cfg.InputDim {
		return Fingerprint{}, &memory.ShapeError{Op: "simhash project", Want: ix.cfg.InputDim, Got: len(vec)}
	}
	in := make([]float64, len(vec))
	for i, v := range vec {
		in[i] = float64(v)
	}
	var out mat.VecDense
	out.MulVec(ix.proj, mat.NewVecDense(len(in), in))

	fp := Fingerprint{Bits: ix.cfg.Bits, Words: make([]uint64, (ix.cfg.Bits+63)/64)}
	for i := 0; i < ix.cfg.Bits; i++ {
		if out.AtVec(i) > 0 {
			fp.Words[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return fp, nil
}

// Index stores the fingerprint of vec under key, replacing any previous one.
func (ix *Index) Index(key string, vec []float32) error {
	fp, err := ix.Project(vec)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.prints[key] = fp
	ix.gen++
	ix.mu.Unlock()
	return nil
}

// Query returns up to limit keys whose fingerprints score at least minSim
// against vec, best first. Non-positive limit and minSim fall back to the
// configured defaults.
func (ix *Index) Query(vec []float32, limit int, minSim float64) ([]memory.Scored, error) {
	fp, err := ix.Project(vec)
	if err != nil {
		return nil, err
	}
	return ix.QueryFingerprint(fp, limit, minSim), nil
}

type entry struct {
	key string
	fp  Fingerprint
}

// QueryFingerprint is Query for a precomputed fingerprint. The key set is
// copied under the read lock and scanned after releasing it.
func (ix *Index) QueryFingerprint(fp Fingerprint, limit int, minSim float64) []memory.Scored {
	if limit <= 0 {
		limit = ix.cfg.Limit
	}
	if minSim <= 0 {
		minSim = ix.cfg.MinSimilarity
	}

	ix.mu.RLock()
	entries := make([]entry, 0, len(ix.prints))
	for k, v := range ix.prints {
		entries = append(entries, entry{key: k, fp: v})
	}
	ix.mu.RUnlock()

	var out []memory.Scored
	for _, e := range entries {
		if s := fp.Similarity(e.fp); s >= minSim {
			out = append(out, memory.Scored{Key: e.key, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Fingerprint returns the stored fingerprint of key.
func (ix *Index) Fingerprint(key string) (Fingerprint, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	fp, ok := ix.prints[key]
	return fp, ok
}

// Remove drops keys from the index.
func (ix *Index) Remove(keys ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, k := range keys {
		if _, ok := ix.prints[k]; ok {
			delete(ix.prints, k)
			ix.gen++
		}
	}
}

// Len returns the number of indexed keys.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.prints)
}
