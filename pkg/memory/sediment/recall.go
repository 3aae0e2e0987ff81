package sediment

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/MrWong99/strata/pkg/memory"
)

// Found is a fragment returned by a radius search with its distance from
// the query point.
type Found struct {
	memory.Fragment
	Dist float64 `json:"dist"`
}

// Fragments returns the fragments within radius of (x, y), nearest first.
// Only buckets intersecting the query circle are visited.
func (l *Log) Fragments(x, y, radius float64) []Found {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.withinLocked(x, y, radius)
}

func (l *Log) withinLocked(x, y, radius float64) []Found {
	if radius < 0 || math.IsNaN(radius) {
		return nil
	}
	q := memory.Point{X: x, Y: y}
	var out []Found
	l.eachBucketLocked(l.rangeAround(x, y, radius), func(ids []int64) {
		for _, id := range ids {
			f := l.frags[id]
			if d := q.Dist(memory.Point{X: f.X, Y: f.Y}); d <= radius {
				out = append(out, Found{Fragment: f, Dist: d})
			}
		}
	})
	sortFound(out)
	return out
}

func (l *Log) rangeAround(x, y, radius float64) memory.BucketRange {
	return memory.RangeWithin(x, y, radius, l.cfg.GridSize, l.space.Size())
}

// eachBucketLocked calls fn for every non-empty bucket in r in (X, Y)
// order. Ranges wider than the occupied buckets walk the index instead of
// the rectangle.
func (l *Log) eachBucketLocked(r memory.BucketRange, fn func(ids []int64)) {
	if r.Len() <= len(l.buckets) {
		for bx := r.MinX; bx <= r.MaxX; bx++ {
			for by := r.MinY; by <= r.MaxY; by++ {
				if ids := l.buckets[memory.Bucket{X: bx, Y: by}]; len(ids) > 0 {
					fn(ids)
				}
			}
		}
		return
	}
	hit := make([]memory.Bucket, 0, len(l.buckets))
	for b, ids := range l.buckets {
		if len(ids) > 0 && r.Contains(b) {
			hit = append(hit, b)
		}
	}
	slices.SortFunc(hit, func(a, b memory.Bucket) int {
		if a.X != b.X {
			return cmp.Compare(a.X, b.X)
		}
		return cmp.Compare(a.Y, b.Y)
	})
	for _, b := range hit {
		fn(l.buckets[b])
	}
}

func sortFound(out []Found) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dist != out[j].Dist {
			return out[i].Dist < out[j].Dist
		}
		return out[i].ID < out[j].ID
	})
}

// Excavate returns the distinct texts buried within radius of (x, y),
// nearest first.
func (l *Log) Excavate(x, y, radius float64) []string {
	return texts(l.Fragments(x, y, radius))
}

func texts(found []Found) []string {
	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, len(found))
	for _, f := range found {
		if _, dup := seen[f.Text]; dup {
			continue
		}
		seen[f.Text] = struct{}{}
		out = append(out, f.Text)
	}
	return out
}

// ExcavateStored answers the same query as [Log.Excavate] from the store's
// bucket-range scan, which also reaches rows this process never loaded.
// Without a store it falls back to the in-memory index.
func (l *Log) ExcavateStored(ctx context.Context, x, y, radius float64) ([]string, error) {
	if l.store == nil {
		return l.Excavate(x, y, radius), nil
	}
	if radius < 0 || math.IsNaN(radius) {
		return nil, nil
	}
	rows, err := l.store.Range(ctx, l.rangeAround(x, y, radius))
	l.noteStore(err)
	if err != nil {
		return nil, fmt.Errorf("sediment: range: %w", memory.Transient(err))
	}
	q := memory.Point{X: x, Y: y}
	var found []Found
	for _, f := range rows {
		if d := q.Dist(memory.Point{X: f.X, Y: f.Y}); d <= radius {
			found = append(found, Found{Fragment: f, Dist: d})
		}
	}
	sortFound(found)
	return texts(found), nil
}

// SpeakStrategy selects how [Log.SpeakWith] picks what to talk about.
type SpeakStrategy string

const (
	// SpeakResonate digs around the trigger itself.
	SpeakResonate SpeakStrategy = "resonate"

	// SpeakJoySeeking pivots away from a neutral or sad trigger to a
	// pleasant concept before digging.
	SpeakJoySeeking SpeakStrategy = "joy_seeking"

	// SpeakReject stays silent.
	SpeakReject SpeakStrategy = "reject"
)

// ParseSpeakStrategy converts s to a [SpeakStrategy]. The empty string is
// SpeakResonate.
func ParseSpeakStrategy(s string) (SpeakStrategy, error) {
	switch st := SpeakStrategy(s); st {
	case "":
		return SpeakResonate, nil
	case SpeakResonate, SpeakJoySeeking, SpeakReject:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown speak strategy %q", memory.ErrValidation, s)
	}
}

// Joy seeking: a trigger with valence below joyFloor looks at up to
// joySamples random concepts and switches to the first one above joyTarget.
const (
	joyFloor   = 0.1
	joyTarget  = 0.3
	joySamples = 50
)

// Speak digs around a known trigger and returns one fragment, chosen with
// probability proportional to 1/(1+d). An unknown trigger, or one with
// nothing buried nearby, yields silence.
func (l *Log) Speak(trigger string) (string, bool) {
	text, _, ok := l.SpeakWith(trigger, SpeakResonate)
	return text, ok
}

// SpeakWith is [Log.Speak] under a strategy. It also returns the concept
// that was actually dug around, which differs from trigger after a joy
// seeking pivot. Pivoting needs a spatial index that implements
// [memory.ConceptSampler]; otherwise the trigger is kept.
func (l *Log) SpeakWith(trigger string, strategy SpeakStrategy) (text, topic string, ok bool) {
	if strategy == SpeakReject {
		return "", "", false
	}
	p, ok := l.space.Coordinates(trigger)
	if !ok {
		return "", "", false
	}
	topic = trigger
	if strategy == SpeakJoySeeking && l.space.Valence(trigger) < joyFloor {
		if pivot, found := l.seekJoy(); found {
			if q, known := l.space.Coordinates(pivot); known {
				topic, p = pivot, q
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	text, ok = l.pickLocked(p)
	return text, topic, ok
}

func (l *Log) seekJoy() (string, bool) {
	sampler, ok := l.space.(memory.ConceptSampler)
	if !ok {
		return "", false
	}
	for _, w := range sampler.SampleConcepts(joySamples) {
		if l.space.Valence(w) > joyTarget {
			return w, true
		}
	}
	return "", false
}

func (l *Log) pickLocked(p memory.Point) (string, bool) {
	found := l.withinLocked(p.X, p.Y, l.cfg.SpeakRadius)
	if len(found) == 0 {
		return "", false
	}
	total := 0.0
	for _, f := range found {
		total += 1 / (1 + f.Dist)
	}
	pick := l.rng.Float64() * total
	for _, f := range found {
		pick -= 1 / (1 + f.Dist)
		if pick < 0 {
			return f.Text, true
		}
	}
	return found[len(found)-1].Text, true
}

// EmotionalGradient returns a force vector at (x, y) that points toward
// fragments of pleasant concepts and away from unpleasant ones. Each
// fragment between 1 and radius away whose concept has |valence| > 0.1
// contributes valence/d along its direction; at most GradientSamples
// fragments are weighed, GradientPerBucket from any one bucket. The result
// is normalised when its magnitude exceeds 1.
func (l *Log) EmotionalGradient(x, y, radius float64) memory.Point {
	type sample struct {
		dx, dy, d float64
		concept   string
	}
	q := memory.Point{X: x, Y: y}

	l.mu.Lock()
	var samples []sample
	l.eachBucketLocked(l.rangeAround(x, y, radius), func(ids []int64) {
		pick := append([]int64(nil), ids...)
		l.rng.Shuffle(len(pick), func(i, j int) { pick[i], pick[j] = pick[j], pick[i] })
		taken := 0
		for _, id := range pick {
			if taken == l.cfg.GradientPerBucket {
				break
			}
			f := l.frags[id]
			d := q.Dist(memory.Point{X: f.X, Y: f.Y})
			if d <= 1 || d > radius {
				continue
			}
			samples = append(samples, sample{dx: f.X - x, dy: f.Y - y, d: d, concept: f.Concept})
			taken++
		}
	})
	l.mu.Unlock()

	var fx, fy float64
	used := 0
	valences := make(map[string]float64)
	for _, s := range samples {
		if used == l.cfg.GradientSamples {
			break
		}
		v, ok := valences[s.concept]
		if !ok {
			v = l.space.Valence(s.concept)
			valences[s.concept] = v
		}
		if math.Abs(v) <= 0.1 {
			continue
		}
		force := v / s.d
		fx += s.dx / s.d * force
		fy += s.dy / s.d * force
		used++
	}
	if mag := math.Hypot(fx, fy); mag > 1 {
		fx, fy = fx/mag, fy/mag
	}
	return memory.Point{X: fx, Y: fy}
}
