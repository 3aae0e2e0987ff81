package substrate

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/pkg/memory/reservoir"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/synapse"
)

// maxAttraction caps the similarity fed to semantic gravity; an edge of
// weight w attracts with min(maxAttraction, w·attractionGain).
const (
	maxAttraction  = 0.8
	attractionGain = 0.1
)

// SleepReport summarises one sleep cycle.
type SleepReport struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`

	Graph       synapse.Report          `json:"graph"`
	Eroded      int                     `json:"eroded"`
	Compression sediment.CompressReport `json:"compression"`

	// Collected lists the concepts removed by garbage collection and
	// Composted the sum of their valences.
	Collected []string `json:"collected,omitempty"`
	Composted float64  `json:"composted"`
	Forgotten int      `json:"forgotten"`

	// Gravity is the number of concept moves and Drift their total distance.
	Gravity int     `json:"gravity"`
	Drift   float64 `json:"drift"`

	Crystallize reservoir.CrystallizeReport `json:"crystallize"`
	Summary     synapse.Summary             `json:"summary"`
	Persisted   bool                        `json:"persisted"`
	Errors      []string                    `json:"errors,omitempty"`
}

// Sleep runs one consolidation cycle: graph consolidation, sediment erosion
// and compression, concept garbage collection with the matching graph and
// fingerprint cleanup, semantic gravity along the strongest associations,
// readout crystallisation and a snapshot. Cycles never overlap; a second
// caller waits for the running one to finish.
//
// Every step runs even when an earlier one failed. Failures are listed in
// the report.
func (s *Substrate) Sleep(ctx context.Context) SleepReport {
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()

	ctx, span := observe.StartOp(ctx, "sleep")
	defer span.End()

	start := time.Now()
	rep := SleepReport{ID: uuid.NewString(), StartedAt: s.now()}
	log := observe.Component(ctx, "sleep").With(slog.String("cycle", rep.ID))
	fail := func(step string, err error) {
		span.RecordError(err)
		log.Warn(step+" failed", "err", err)
		rep.Errors = append(rep.Errors, step+": "+err.Error())
	}

	rep.Graph = s.synapse.Consolidate()
	s.metrics.RecordEviction(ctx, "prune", rep.Graph.PrunedEdges)

	eroded, err := s.sediment.Erode(ctx)
	rep.Eroded = eroded
	s.metrics.RecordEviction(ctx, "erosion", eroded)
	if err != nil {
		s.metrics.RecordPersistError(ctx, "sediment")
		fail("erode", err)
	}
	rep.Compression, err = s.sediment.Compress(ctx)
	s.metrics.RecordEviction(ctx, "compression", rep.Compression.Merged)
	if err != nil {
		fail("compress", err)
	}

	rep.Collected, rep.Composted = s.spatial.GarbageCollect()
	s.metrics.RecordEviction(ctx, "gc", len(rep.Collected))
	if len(rep.Collected) > 0 {
		rep.Forgotten = s.synapse.Forget(rep.Collected...)
		s.simhash.Remove(rep.Collected...)
	}

	for _, l := range s.synapse.TopLinks(s.cfg.GravityLinks, s.cfg.GravityThreshold) {
		pull := math.Min(maxAttraction, attractionGain*l.Weight)
		for _, moved := range []float64{
			s.spatial.ApplyGravity(l.A, l.B, pull),
			s.spatial.ApplyGravity(l.B, l.A, pull),
		} {
			if moved > 0 {
				rep.Gravity++
				rep.Drift += moved
			}
		}
	}

	rep.Crystallize = s.res.Crystallize()
	rep.Summary = s.synapse.Summary()

	if err := s.Persist(ctx, true); err != nil {
		fail("persist", err)
	} else {
		rep.Persisted = s.cfg.DataDir != ""
	}

	elapsed := time.Since(start)
	rep.DurationMS = float64(elapsed) / float64(time.Millisecond)
	s.metrics.SleepDuration.Record(ctx, elapsed.Seconds())
	span.SetAttributes(
		observe.CycleKey.String(rep.ID),
		attribute.Int("graph.accepted", rep.Graph.Accepted),
		attribute.Int("gc.removed", len(rep.Collected)),
	)
	log.Info("sleep cycle complete",
		"duration", elapsed,
		"accepted", rep.Graph.Accepted,
		"pruned_edges", rep.Graph.PrunedEdges,
		"eroded", rep.Eroded,
		"merged", rep.Compression.Merged,
		"collected", len(rep.Collected),
		"composted", rep.Composted,
		"gravity", rep.Gravity,
		"crystallized", rep.Crystallize.Samples,
		"errors", len(rep.Errors),
	)

	stored := rep
	s.lastSleep.Store(&stored)
	s.pub.Publish(EventSleep, rep)
	return rep
}

// LastSleep returns the report of the most recent sleep cycle.
func (s *Substrate) LastSleep() (SleepReport, bool) {
	if r := s.lastSleep.Load(); r != nil {
		return *r, true
	}
	return SleepReport{}, false
}
