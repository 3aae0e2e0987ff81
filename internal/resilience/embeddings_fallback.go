package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// EmbeddingsFallback is an [embeddings.Provider] that fails over across a
// chain of providers sharing one vector length. The chain normally ends in
// the offline hashembed provider so that embedding never stalls the caller.
type EmbeddingsFallback struct {
	group      *FallbackGroup[embeddings.Provider]
	primary    string
	dims       int
	onFallback func(served string, err error)
	degraded   atomic.Bool
}

// EmbeddingsOption configures an [EmbeddingsFallback].
type EmbeddingsOption func(*EmbeddingsFallback)

// WithOnFallback registers fn to be called whenever a request is served by
// an entry other than the primary, or fails on every entry. served is empty
// in the latter case.
func WithOnFallback(fn func(served string, err error)) EmbeddingsOption {
	return func(e *EmbeddingsFallback) { e.onFallback = fn }
}

// NewEmbeddingsFallback chains primary and fallbacks in order. Every provider
// must report the same [embeddings.Provider.Dimensions]; a mismatch is a
// [memory.ShapeError].
func NewEmbeddingsFallback(cfg FallbackConfig, primary embeddings.Provider, fallbacks []embeddings.Provider, opts ...EmbeddingsOption) (*EmbeddingsFallback, error) {
	if primary == nil {
		return nil, fmt.Errorf("resilience: embeddings fallback: primary provider is nil")
	}
	dims := primary.Dimensions()
	e := &EmbeddingsFallback{
		group:   NewFallbackGroup(primary, primary.ModelID(), cfg),
		primary: primary.ModelID(),
		dims:    dims,
	}
	for _, fb := range fallbacks {
		if fb.Dimensions() != dims {
			return nil, &memory.ShapeError{Op: "embeddings fallback " + fb.ModelID(), Want: dims, Got: fb.Dimensions()}
		}
		e.group.AddFallback(fb.ModelID(), fb)
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Embed implements [embeddings.Provider].
func (e *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, served, err := ExecuteNamed(ctx, e.group, func(ctx context.Context, p embeddings.Provider) ([]float32, error) {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(v) != e.dims {
			return nil, &memory.ShapeError{Op: "embed " + p.ModelID(), Want: e.dims, Got: len(v)}
		}
		return v, nil
	})
	e.record(served, err)
	if err != nil {
		return nil, memory.Transient(err)
	}
	return vec, nil
}

// EmbedBatch implements [embeddings.Provider].
func (e *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, served, err := ExecuteNamed(ctx, e.group, func(ctx context.Context, p embeddings.Provider) ([][]float32, error) {
		vs, err := p.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vs) != len(texts) {
			return nil, fmt.Errorf("resilience: %s returned %d vectors for %d texts", p.ModelID(), len(vs), len(texts))
		}
		for _, v := range vs {
			if len(v) != e.dims {
				return nil, &memory.ShapeError{Op: "embed batch " + p.ModelID(), Want: e.dims, Got: len(v)}
			}
		}
		return vs, nil
	})
	e.record(served, err)
	if err != nil {
		return nil, memory.Transient(err)
	}
	return vecs, nil
}

// Dimensions implements [embeddings.Provider].
func (e *EmbeddingsFallback) Dimensions() int { return e.dims }

// ModelID returns the primary's model identifier.
func (e *EmbeddingsFallback) ModelID() string { return e.primary }

// Degraded reports whether the most recent request was not served by the
// primary.
func (e *EmbeddingsFallback) Degraded() bool { return e.degraded.Load() }

// Status reports the breaker state of every provider in the chain.
func (e *EmbeddingsFallback) Status() []EntryStatus { return e.group.Status() }

func (e *EmbeddingsFallback) record(served string, err error) {
	if err != nil && ctxDone(err) {
		return
	}
	degraded := served != e.primary
	e.degraded.Store(degraded)
	if degraded && e.onFallback != nil {
		e.onFallback(served, err)
	}
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
