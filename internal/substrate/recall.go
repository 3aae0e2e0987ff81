package substrate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/memory/reservoir"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/spatial"
	"github.com/MrWong99/strata/pkg/memory/synapse"
)

// Recall outcomes recorded on the recall counter.
const (
	outcomeHit   = "hit"
	outcomeEmpty = "empty"
	outcomeError = "error"
)

func (s *Substrate) recordRecall(ctx context.Context, kind string, n int) {
	if n > 0 {
		s.metrics.RecordRecall(ctx, kind, outcomeHit)
		return
	}
	s.metrics.RecordRecall(ctx, kind, outcomeEmpty)
}

// RecallNear returns up to limit distinct fragment texts buried within
// radius of (x, y), nearest first. A non-positive limit returns all.
func (s *Substrate) RecallNear(ctx context.Context, x, y, radius float64, limit int) []string {
	out := capped(s.sediment.Excavate(x, y, radius), limit)
	s.recordRecall(ctx, "near", len(out))
	return out
}

// RecallStored answers [Substrate.RecallNear] from the fragment store's
// bucket-range scan, reaching fragments this process never loaded. A
// failing store yields no memory.
func (s *Substrate) RecallStored(ctx context.Context, x, y, radius float64, limit int) []string {
	texts, err := s.sediment.ExcavateStored(ctx, x, y, radius)
	if err != nil {
		s.metrics.RecordRecall(ctx, "stored", outcomeError)
		observe.Component(ctx, "sediment").Warn("stored recall failed", "err", err)
		return nil
	}
	out := capped(texts, limit)
	s.recordRecall(ctx, "stored", len(out))
	return out
}

// RecallSimilar returns the concepts whose fingerprints score at least
// minSim against vec, best first. Non-positive limit and minSim use the
// index defaults. A malformed vector yields no memory.
func (s *Substrate) RecallSimilar(ctx context.Context, vec []float32, limit int, minSim float64) []memory.Scored {
	out, err := s.simhash.Query(vec, limit, minSim)
	if err != nil {
		s.metrics.RecordRecall(ctx, "similar", outcomeError)
		observe.Component(ctx, "simhash").Warn("similarity recall rejected", "err", err)
		return nil
	}
	s.recordRecall(ctx, "similar", len(out))
	return out
}

// RecallSimilarText embeds text and answers [Substrate.RecallSimilar]. It
// needs an embedder; without one, or when embedding fails, it yields no
// memory.
func (s *Substrate) RecallSimilarText(ctx context.Context, text string, limit int, minSim float64) []memory.Scored {
	vec, ok := s.embed(ctx, text)
	if !ok {
		s.metrics.RecordRecall(ctx, "similar", outcomeError)
		return nil
	}
	return s.RecallSimilar(ctx, vec, limit, minSim)
}

func (s *Substrate) embed(ctx context.Context, text string) ([]float32, bool) {
	if s.embedder == nil || text == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.metrics.RecordEmbedError(ctx, s.embedder.ModelID())
		observe.Component(ctx, "embeddings").Warn("embed failed", "err", err)
		return nil, false
	}
	return vec, true
}

// RelatedConcepts returns the associations of name, heaviest first. A name
// the graph does not know is resolved to the closest-sounding node first,
// so a misheard word still finds its neighbours.
func (s *Substrate) RelatedConcepts(ctx context.Context, name string, limit int) []memory.Scored {
	out := s.synapse.Related(name, limit)
	if len(out) == 0 && !s.synapse.Has(name) {
		if alias, score, ok := s.synapse.Resolve(name); ok {
			observe.Component(ctx, "synapse").Debug("resolved concept", "name", name, "alias", alias, "score", score)
			out = s.synapse.Related(alias, limit)
		}
	}
	s.recordRecall(ctx, "related", len(out))
	return out
}

// SpatialGradient scores the four neighbours of an external-world cell.
func (s *Substrate) SpatialGradient(cell spatial.Cell) map[spatial.Direction]float64 {
	return s.spatial.SpatialGradient(cell)
}

// StabilityReport recomputes the reservoir's spectral radius. When the
// eigen decomposition fails it reports an unstable zero value.
func (s *Substrate) StabilityReport(ctx context.Context) reservoir.Stability {
	st, err := s.res.VerifyStability()
	if err != nil {
		observe.Component(ctx, "reservoir").Warn("stability check failed", "err", err)
		return reservoir.Stability{}
	}
	return st
}

// Locate names the sector and terrain of a concept.
func (s *Substrate) Locate(name string) (spatial.Location, bool) {
	return s.spatial.Locate(name)
}

// Concept returns the bookkeeping of a concept.
func (s *Substrate) Concept(name string) (spatial.Concept, bool) {
	return s.spatial.Lookup(name)
}

// Speak returns one fragment buried near trigger, or "" when there is
// nothing to say.
func (s *Substrate) Speak(ctx context.Context, trigger string) string {
	text, _ := s.SpeakWith(ctx, trigger, sediment.SpeakResonate)
	return text
}

// SpeakWith is [Substrate.Speak] under a speak strategy. It also returns the
// concept the fragment was dug up around, empty when nothing was said.
func (s *Substrate) SpeakWith(ctx context.Context, trigger string, strategy sediment.SpeakStrategy) (text, topic string) {
	text, topic, ok := s.sediment.SpeakWith(trigger, strategy)
	if !ok {
		s.metrics.RecordRecall(ctx, "speak", outcomeEmpty)
		return "", ""
	}
	s.metrics.RecordRecall(ctx, "speak", outcomeHit)
	return text, topic
}

// EmotionalGradient returns the pull of nearby pleasant and unpleasant
// memories at (x, y).
func (s *Substrate) EmotionalGradient(x, y, radius float64) memory.Point {
	return s.sediment.EmotionalGradient(x, y, radius)
}

// Resonate strikes name in the association graph and returns how strongly
// every reached concept vibrates.
func (s *Substrate) Resonate(name string, force float64, depth int) map[string]float64 {
	return s.synapse.Resonate(name, force, depth)
}

// GraphSummary describes the association graph.
func (s *Substrate) GraphSummary() synapse.Summary {
	return s.synapse.Summary()
}

// Query describes a combined recall. The centre of the spatial and sediment
// searches is Point when set, otherwise the coordinate of Concept. Similarity
// uses Vector when set, otherwise the embedding of Text.
type Query struct {
	Concept       string        `json:"concept,omitempty"`
	Point         *memory.Point `json:"point,omitempty"`
	Radius        float64       `json:"radius"`
	Text          string        `json:"text,omitempty"`
	Vector        []float32     `json:"vector,omitempty"`
	Limit         int           `json:"limit,omitempty"`
	MinSimilarity float64       `json:"min_similarity,omitempty"`

	// Stored reads fragments through the store instead of the in-memory log.
	Stored bool `json:"stored,omitempty"`
}

// Recollection is the result of [Substrate.Recall]. Every section is
// optional; a section whose source failed or timed out is empty and named
// in Missing.
type Recollection struct {
	Centre    *memory.Point      `json:"centre,omitempty"`
	Concepts  []spatial.Neighbor `json:"concepts"`
	Fragments []string           `json:"fragments"`
	Similar   []memory.Scored    `json:"similar"`
	Related   []memory.Scored    `json:"related"`
	Missing   []string           `json:"missing,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

// Recall queries the spatial store, the sediment log, the fingerprint index
// and the association graph concurrently. The whole fan-out is bounded by
// the configured recall timeout: Recall returns once every source answered
// or the timeout passed, whichever comes first. Sources that fail or are
// still running are named in Missing rather than failing the recall, and a
// late answer is discarded.
func (s *Substrate) Recall(ctx context.Context, q Query) Recollection {
	start := time.Now()
	ctx, span := observe.StartOp(ctx, "recall", observe.ConceptKey.String(q.Concept))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecallTimeout)
	defer cancel()

	var rec Recollection
	switch {
	case q.Point != nil:
		p := *q.Point
		rec.Centre = &p
	case q.Concept != "":
		if p, ok := s.spatial.Coordinates(q.Concept); ok {
			rec.Centre = &p
		}
	}

	var (
		mu      sync.Mutex
		sealed  bool
		missing []string
		pending = make(map[string]bool)
	)
	// settle records the outcome of one section unless Recall already
	// returned. A nil apply marks the section as missing.
	settle := func(section string, apply func()) {
		mu.Lock()
		defer mu.Unlock()
		if sealed || !pending[section] {
			return
		}
		delete(pending, section)
		if apply == nil {
			missing = append(missing, section)
			return
		}
		apply()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	launch := func(section string, fn func(context.Context)) {
		pending[section] = true
		eg.Go(func() error {
			fn(egCtx)
			return nil
		})
	}

	if rec.Centre != nil {
		c := *rec.Centre
		launch("concepts", func(context.Context) {
			out := s.spatial.QueryRadius(c.X, c.Y, q.Radius, q.Limit)
			settle("concepts", func() { rec.Concepts = out })
		})
		launch("fragments", func(ctx context.Context) {
			if q.Stored {
				texts, err := s.sediment.ExcavateStored(ctx, c.X, c.Y, q.Radius)
				if err != nil {
					observe.Component(ctx, "sediment").Warn("recall: stored excavation failed", "err", err)
					settle("fragments", nil)
					return
				}
				settle("fragments", func() { rec.Fragments = capped(texts, q.Limit) })
				return
			}
			out := capped(s.sediment.Excavate(c.X, c.Y, q.Radius), q.Limit)
			settle("fragments", func() { rec.Fragments = out })
		})
	}

	if len(q.Vector) > 0 || q.Text != "" {
		launch("similar", func(ctx context.Context) {
			vec := q.Vector
			if len(vec) == 0 {
				var ok bool
				if vec, ok = s.embed(ctx, q.Text); !ok {
					settle("similar", nil)
					return
				}
			}
			if ctx.Err() != nil {
				settle("similar", nil)
				return
			}
			out, err := s.simhash.Query(vec, q.Limit, q.MinSimilarity)
			if err != nil {
				observe.Component(ctx, "simhash").Warn("recall: similarity rejected", "err", err)
				settle("similar", nil)
				return
			}
			settle("similar", func() { rec.Similar = out })
		})
	}

	if q.Concept != "" {
		launch("related", func(ctx context.Context) {
			out := s.RelatedConcepts(ctx, q.Concept, q.Limit)
			settle("related", func() { rec.Related = out })
		})
	}

	// Branches report failures through settle, never through the group.
	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	sealed = true
	for _, section := range recallSections {
		if pending[section] {
			missing = append(missing, section)
		}
	}
	rec.Missing = missing
	out := rec
	mu.Unlock()

	out.Duration = time.Since(start)
	span.SetAttributes(
		observe.MissingKey.StringSlice(out.Missing),
		observe.FragmentsKey.Int(len(out.Fragments)),
	)
	n := len(out.Concepts) + len(out.Fragments) + len(out.Similar) + len(out.Related)
	switch {
	case len(out.Missing) > 0 && n == 0:
		s.metrics.RecordRecall(ctx, "fanout", outcomeError)
	default:
		s.recordRecall(ctx, "fanout", n)
	}
	return out
}

// recallSections lists the sections of a [Recollection] in report order.
var recallSections = []string{"concepts", "fragments", "similar", "related"}

func capped[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
