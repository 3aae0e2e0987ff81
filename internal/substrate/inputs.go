package substrate

import (
	"context"
	"math"
	"time"

	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/pkg/memory"
)

// ObserveEvent is published for every successful observation.
type ObserveEvent struct {
	Surprise    float64 `json:"surprise"`
	Mood        float64 `json:"mood"`
	Energy      float64 `json:"energy"`
	StateNorm   float64 `json:"state_norm"`
	Strategy    string  `json:"strategy"`
	Bifurcation bool    `json:"bifurcation"`
}

// ObserveText feeds text seen at hour (0 to 24, wrapped) to the reservoir
// and returns the surprise. The observation's embedding refreshes the
// fingerprint of every known concept the text mentions. A failed embedding
// yields zero surprise.
func (s *Substrate) ObserveText(ctx context.Context, text string, hour float64) float64 {
	ctx, span := observe.StartOp(ctx, "observe", observe.RunesKey.Int(len([]rune(text))))
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.ObserveDuration.Record(ctx, time.Since(start).Seconds())
	}()

	ectx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	obs, err := s.res.Observe(ectx, text, s.hour(hour))
	cancel()
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordEmbedError(ctx, s.providerName())
		observe.Component(ctx, "reservoir").Warn("observe failed", "err", err)
		return 0
	}
	s.metrics.Surprise.Record(ctx, obs.Surprise)

	for _, k := range s.mentioned(text) {
		if err := s.simhash.Index(k, obs.Embedding); err != nil {
			observe.Component(ctx, "simhash").Warn("index failed", "concept", k, "err", err)
			break
		}
	}

	ev := ObserveEvent{
		Surprise:    obs.Surprise,
		Mood:        obs.Mood,
		Energy:      obs.Energy,
		StateNorm:   obs.StateNorm,
		Strategy:    string(s.res.Strategy(obs.Surprise)),
		Bifurcation: obs.Bifurcation,
	}
	s.pub.Publish(EventObserve, ev)
	if obs.Bifurcation {
		s.metrics.Bifurcations.Add(ctx, 1)
		observe.Component(ctx, "reservoir").Warn("bifurcation detected",
			"surprise", obs.Surprise, "state_norm", obs.StateNorm)
		s.pub.Publish(EventBifurcation, ev)
	}
	return obs.Surprise
}

// Simulate returns how far text would move the reservoir state, in [0, 1),
// without changing anything. A failed embedding yields zero.
func (s *Substrate) Simulate(ctx context.Context, text string, hour float64) float64 {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	v, err := s.res.Simulate(ctx, text, s.hour(hour))
	if err != nil {
		s.metrics.RecordEmbedError(ctx, s.providerName())
		observe.Component(ctx, "reservoir").Warn("simulate failed", "err", err)
		return 0
	}
	return v
}

// hour wraps h into [0, 24). Non-finite values fall back to the wall clock.
func (s *Substrate) hour(h float64) float64 {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		t := s.now()
		return float64(t.Hour()) + float64(t.Minute())/60
	}
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	return h
}

// mentioned returns the distinct known concepts among the tokens of text.
func (s *Substrate) mentioned(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range s.synapse.Tokenize(text) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := s.spatial.Coordinates(tok); ok {
			out = append(out, tok)
		}
	}
	return out
}

func (s *Substrate) providerName() string {
	if s.embedder != nil {
		return s.embedder.ModelID()
	}
	return "reservoir"
}

// TouchConcept records a reference to name, creating the concept on first
// use, and returns its coordinate.
func (s *Substrate) TouchConcept(name, source string) memory.Point {
	if name == "" {
		return memory.Point{}
	}
	return s.spatial.Touch(name, source)
}

// ReinforceConcept adds delta, clamped to [-1, 1], to the valence of name
// and returns the new valence. A non-finite delta leaves the valence as it
// was.
func (s *Substrate) ReinforceConcept(ctx context.Context, name string, delta float64) float64 {
	if name == "" {
		return 0
	}
	v, err := s.spatial.Reinforce(name, math.Max(-1, math.Min(1, delta)))
	if err != nil {
		observe.Component(ctx, "spatial").Warn("reinforce rejected", "concept", name, "err", err)
	}
	return v
}

// ModifyTerrain raises or lowers the terrain around name. It reports whether
// the terrain changed.
func (s *Substrate) ModifyTerrain(ctx context.Context, name string, magnitude float64) bool {
	if name == "" {
		return false
	}
	if err := s.spatial.ModifyTerrain(name, magnitude); err != nil {
		observe.Component(ctx, "spatial").Warn("terrain change rejected", "concept", name, "err", err)
		return false
	}
	return true
}

// DepositEvent is published after a deposit.
type DepositEvent struct {
	Trigger   string       `json:"trigger"`
	Fragments int          `json:"fragments"`
	Centre    memory.Point `json:"centre"`
}

// DepositFragment buries text around the coordinate of trigger and returns
// the number of fragments deposited. A store failure does not lose the
// fragments; the log keeps them in memory.
func (s *Substrate) DepositFragment(ctx context.Context, trigger, text string, plasticity float64) int {
	if trigger == "" {
		return 0
	}
	ctx, span := observe.StartOp(ctx, "deposit", observe.ConceptKey.String(trigger))

	before := s.sediment.Len()
	frags, err := s.sediment.Deposit(ctx, trigger, text, plasticity)
	defer observe.EndOp(span, err)
	span.SetAttributes(observe.FragmentsKey.Int(len(frags)))
	if err != nil {
		s.metrics.RecordPersistError(ctx, "sediment")
		observe.Component(ctx, "sediment").Warn("deposit degraded", "trigger", trigger, "err", err)
	}
	if eroded := before + len(frags) - s.sediment.Len(); eroded > 0 {
		s.metrics.RecordEviction(ctx, "erosion", eroded)
	}
	if len(frags) > 0 {
		p, _ := s.spatial.Coordinates(trigger)
		s.pub.Publish(EventDeposit, DepositEvent{Trigger: trigger, Fragments: len(frags), Centre: p})
	}
	return len(frags)
}

// IngestTokens buffers tokens for the next consolidation with arousal
// clamped to [0, 100]. It reports false when the entry was dropped, either
// because it had too few usable tokens or because the buffer was full.
func (s *Substrate) IngestTokens(ctx context.Context, tokens []string, arousal float64) bool {
	if math.IsNaN(arousal) {
		arousal = 0
	}
	arousal = math.Max(0, math.Min(100, arousal))
	_, before := s.synapse.Pending()
	ok := s.synapse.Ingest(tokens, arousal)
	if _, after := s.synapse.Pending(); !ok && after > before {
		s.metrics.RecordEviction(ctx, "drop", after-before)
	}
	return ok
}
