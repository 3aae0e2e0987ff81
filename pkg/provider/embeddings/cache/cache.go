// Package cache wraps an embeddings.Provider with a fixed-size LRU keyed by
// the exact input text.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/strata/pkg/provider/embeddings"
)

// DefaultSize is the number of vectors kept when New is given size 0.
const DefaultSize = 1000

var _ embeddings.Provider = (*Provider)(nil)

// Stats reports cache effectiveness.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Len    int    `json:"len"`
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Provider is a caching embeddings.Provider. Returned vectors are shared
// with the cache and must not be modified.
type Provider struct {
	inner  embeddings.Provider
	lru    *lru.Cache[string, []float32]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New wraps inner with an LRU of size entries.
func New(inner embeddings.Provider, size int) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("embeddings cache: inner provider is nil")
	}
	if size == 0 {
		size = DefaultSize
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embeddings cache: %w", err)
	}
	return &Provider{inner: inner, lru: c}, nil
}

// Embed implements embeddings.Provider. Failures are not cached.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.lru.Get(text); ok {
		p.hits.Add(1)
		return v, nil
	}
	p.misses.Add(1)
	v, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.lru.Add(text, v)
	return v, nil
}

// EmbedBatch implements embeddings.Provider. Only the texts missing from the
// cache are sent to the inner provider, in one call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   [][]int
		seen    = make(map[string]int)
	)
	for i, t := range texts {
		if v, ok := p.lru.Get(t); ok {
			p.hits.Add(1)
			out[i] = v
			continue
		}
		p.misses.Add(1)
		if j, ok := seen[t]; ok {
			slots[j] = append(slots[j], i)
			continue
		}
		seen[t] = len(missing)
		missing = append(missing, t)
		slots = append(slots, []int{i})
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embeddings cache: expected %d embeddings, got %d", len(missing), len(vecs))
	}
	for j, v := range vecs {
		p.lru.Add(missing[j], v)
		for _, i := range slots[j] {
			out[i] = v
		}
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Degraded reports whether the inner provider is serving from a fallback.
// It is false when the inner provider cannot tell.
func (p *Provider) Degraded() bool {
	d, ok := p.inner.(interface{ Degraded() bool })
	return ok && d.Degraded()
}

// Stats returns the current hit and miss counts.
func (p *Provider) Stats() Stats {
	return Stats{Hits: p.hits.Load(), Misses: p.misses.Load(), Len: p.lru.Len()}
}

// Purge empties the cache and resets the counters.
func (p *Provider) Purge() {
	p.lru.Purge()
	p.hits.Store(0)
	p.misses.Store(0)
}
