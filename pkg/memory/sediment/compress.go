package sediment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"gonum.org/v1/gonum/floats"

	"github.com/MrWong99/strata/pkg/memory"
)

// CompressReport summarises one compression pass.
type CompressReport struct {
	Sampled  int `json:"sampled"`
	Embedded int `json:"embedded"`
	Reused   int `json:"reused"`
	Clusters int `json:"clusters"`
	Merged   int `json:"merged"`
}

// Compress merges near-duplicate fragments. It samples up to CompressSample
// fragments, embeds them (reusing vectors cached by an
// [memory.EmbeddingStore]), and clusters them greedily: each unassigned
// fragment leads a cluster and absorbs every later fragment whose cosine
// similarity exceeds SimilarityThreshold, unless their trigger valences
// differ by ValenceMargin or more. The leader of each cluster survives; the
// other members are deleted.
//
// Without an embedder, or with fewer than CompressMin usable fragments,
// Compress does nothing.
func (l *Log) Compress(ctx context.Context) (CompressReport, error) {
	var rep CompressReport
	if l.embedder == nil {
		return rep, nil
	}

	l.mu.Lock()
	ids := make([]int64, 0, len(l.frags))
	for id := range l.frags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	l.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	ids = ids[:min(len(ids), l.cfg.CompressSample)]
	sample := make([]memory.Fragment, 0, len(ids))
	for _, id := range ids {
		if f := l.frags[id]; utf8.RuneCountInString(f.Text) >= 2 {
			sample = append(sample, f)
		}
	}
	l.mu.Unlock()

	rep.Sampled = len(sample)
	if len(sample) < l.cfg.CompressMin {
		return rep, nil
	}

	vecs, reused, cacheErr, err := l.embed(ctx, sample)
	rep.Reused = reused
	rep.Embedded = len(sample) - reused
	if err != nil {
		return rep, errors.Join(err, cacheErr)
	}

	valence := make([]float64, len(sample))
	cache := make(map[string]float64)
	for i, f := range sample {
		v, ok := cache[f.Concept]
		if !ok {
			v = l.space.Valence(f.Concept)
			cache[f.Concept] = v
		}
		valence[i] = v
	}

	var doomed []int64
	assigned := make([]bool, len(sample))
	for i := range sample {
		if assigned[i] || vecs[i] == nil {
			continue
		}
		assigned[i] = true
		members := 0
		for j := i + 1; j < len(sample); j++ {
			if assigned[j] || vecs[j] == nil {
				continue
			}
			if cosine(vecs[i], vecs[j]) <= l.cfg.SimilarityThreshold {
				continue
			}
			if math.Abs(valence[i]-valence[j]) >= l.cfg.ValenceMargin {
				continue
			}
			assigned[j] = true
			doomed = append(doomed, sample[j].ID)
			members++
		}
		if members > 0 {
			rep.Clusters++
		}
	}
	rep.Merged = len(doomed)
	if len(doomed) == 0 {
		return rep, cacheErr
	}

	l.mu.Lock()
	for _, id := range doomed {
		delete(l.frags, id)
	}
	l.rebuildLocked()
	l.mu.Unlock()

	return rep, errors.Join(cacheErr, l.deleteStored(ctx, "compress", doomed))
}

// embed returns one vector per fragment, as float64, with nil for
// fragments whose vector has the wrong length. cacheErr reports embedding
// cache failures, which do not stop the pass; err does.
func (l *Log) embed(ctx context.Context, sample []memory.Fragment) (vecs [][]float64, reused int, cacheErr, err error) {
	raw := make([][]float32, len(sample))
	var errs []error

	es, cached := l.store.(memory.EmbeddingStore)
	if cached {
		ids := make([]int64, len(sample))
		for i, f := range sample {
			ids[i] = f.ID
		}
		got, gerr := es.Embeddings(ctx, ids)
		if gerr != nil {
			errs = append(errs, fmt.Errorf("sediment: cached embeddings: %w", memory.Transient(gerr)))
		}
		for i, f := range sample {
			raw[i] = got[f.ID]
		}
	}

	var missing []int
	var texts []string
	for i, v := range raw {
		if v == nil {
			missing = append(missing, i)
			texts = append(texts, sample[i].Text)
		}
	}
	reused = len(sample) - len(missing)

	if len(missing) > 0 {
		fresh, ferr := l.embedder.EmbedBatch(ctx, texts)
		if ferr != nil {
			return nil, reused, errors.Join(errs...), fmt.Errorf("sediment: embed: %w", memory.Transient(ferr))
		}
		if len(fresh) != len(missing) {
			return nil, reused, errors.Join(errs...), &memory.ShapeError{Op: "sediment: embed batch", Want: len(missing), Got: len(fresh)}
		}
		put := make(map[int64][]float32, len(missing))
		for k, i := range missing {
			raw[i] = fresh[k]
			put[sample[i].ID] = fresh[k]
		}
		if cached {
			if perr := es.PutEmbeddings(ctx, put); perr != nil {
				errs = append(errs, fmt.Errorf("sediment: cache embeddings: %w", memory.Transient(perr)))
			}
		}
	}

	dim := 0
	for _, v := range raw {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	vecs = make([][]float64, len(raw))
	for i, v := range raw {
		if len(v) != dim || dim == 0 {
			continue
		}
		f := make([]float64, dim)
		for k, x := range v {
			f[k] = float64(x)
		}
		vecs[i] = f
	}
	return vecs, reused, errors.Join(errs...), nil
}

func cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
