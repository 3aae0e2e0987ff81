// Package hashembed is an offline pseudo-embedding provider. It never fails
// and needs no model, which makes it the last link of the embeddings
// fallback chain.
//
// The vector is a 64-bucket rolling hash over the last 50 characters of the
// text, normalised to unit length and tiled to the requested dimension.
// Buckets 0 and 1 are left empty; the reservoir overlays its hour-of-day
// signal there. Equal suffixes give equal vectors, so the similarity it
// reports is lexical, not semantic.
package hashembed

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/strata/pkg/provider/embeddings"
)

const (
	// Buckets is the width of the hashed block before tiling.
	Buckets = 64

	// Window is the number of trailing characters that are hashed.
	Window = 50
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider without any backend.
type Provider struct {
	dims int
}

// New returns a Provider producing vectors of length dims.
func New(dims int) (*Provider, error) {
	if dims < Buckets {
		return nil, fmt.Errorf("hashembed: dimensions must be >= %d, got %d", Buckets, dims)
	}
	return &Provider{dims: dims}, nil
}

// Vector computes the pseudo-embedding of text.
func (p *Provider) Vector(text string) []float32 {
	runes := []rune(text)
	if len(runes) > Window {
		runes = runes[len(runes)-Window:]
	}

	var block [Buckets]float64
	var seed uint32
	for _, r := range runes {
		seed = seed*31 + uint32(r)
		idx := seed%(Buckets-2) + 2
		block[idx] += float64(seed%100) / 100
	}

	var norm float64
	for _, v := range block {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, p.dims)
	for i := range out {
		v := block[i%Buckets]
		if norm > 0 {
			v /= norm
		}
		out[i] = float32(v)
	}
	return out
}

// Embed implements embeddings.Provider. It never fails.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	return p.Vector(text), nil
}

// EmbedBatch implements embeddings.Provider. It never fails.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.Vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return fmt.Sprintf("hashembed-%d", p.dims) }
