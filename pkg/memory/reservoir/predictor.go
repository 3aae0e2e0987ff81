// Package reservoir implements the surprise predictor: a fixed random
// recurrent network (an echo state network) with a trainable linear readout.
//
// Observe advances the persistent state with each embedded input and
// measures how far the readout's [mood, energy] prediction lands from a
// cheap lexical estimate. That distance is the surprise. Observations are
// buffered and Crystallize fits the readout to them with one delta-rule
// pass. The input and recurrent matrices never change after construction;
// the recurrent matrix is rescaled to the configured spectral radius so the
// dynamics stay bounded.
package reservoir

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/MrWong99/strata/pkg/memory"
)

// Embedder turns one text into a vector of Config.InputDim components.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Option configures a [Predictor].
type Option func(*Predictor)

// WithRand overrides the random source used by [Predictor.Strategy].
func WithRand(r *rand.Rand) Option {
	return func(p *Predictor) { p.rng = r }
}

// Observation is the result of one [Predictor.Observe] call.
type Observation struct {
	// Surprise is the Euclidean distance between the predicted and the
	// observed [mood, energy]. Never negative.
	Surprise float64 `json:"surprise"`

	Mood   float64 `json:"mood"`
	Energy float64 `json:"energy"`

	// PredictedMood and PredictedEnergy are the readout's sigmoid outputs.
	PredictedMood   float64 `json:"predicted_mood"`
	PredictedEnergy float64 `json:"predicted_energy"`

	StateNorm float64 `json:"state_norm"`

	// Bifurcation is set when recent surprise stays high while the state
	// norm jumps. It is reported only; nothing is corrected.
	Bifurcation bool `json:"bifurcation"`

	// Embedding is the input vector before the hour signal was added.
	Embedding []float32 `json:"-"`
}

type sample struct {
	state  []float64
	target [2]float64
}

// Predictor is the reservoir surprise predictor. All methods are safe for
// concurrent use; embedding calls run without holding the lock.
type Predictor struct {
	cfg      Config
	embedder Embedder

	in  *mat.Dense // StateDim × InputDim, fixed
	rec *mat.Dense // StateDim × StateDim, fixed

	mu       sync.Mutex
	rng      *rand.Rand
	readout  *mat.Dense // 2 × StateDim, learned
	state    *mat.VecDense
	buffer   []sample
	history  []float64
	last     float64
	lastNorm float64
	gen      uint64
	saved    uint64
}

// New builds a predictor whose matrices are derived from cfg.Seed. The state
// starts at zero.
func New(cfg Config, embedder Embedder, opts ...Option) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: reservoir: embedder is nil", memory.ErrValidation)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xda942042e4dd58b5))
	uniform := func(rows, cols int, scale float64) *mat.Dense {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * scale
		}
		return mat.NewDense(rows, cols, data)
	}

	p := &Predictor{
		cfg:      cfg,
		embedder: embedder,
		in:       uniform(cfg.StateDim, cfg.InputDim, cfg.InputScale),
		rec:      uniform(cfg.StateDim, cfg.StateDim, cfg.RecurrentScale),
		readout:  uniform(2, cfg.StateDim, cfg.ReadoutScale),
		state:    mat.NewVecDense(cfg.StateDim, nil),
		rng:      rand.New(rand.NewPCG(cfg.Seed+1, uint64(cfg.StateDim))),
	}

	rho, err := spectralRadius(p.rec)
	if err != nil {
		return nil, fmt.Errorf("reservoir: %w", err)
	}
	if rho == 0 {
		return nil, errors.New("reservoir: recurrent matrix is nilpotent")
	}
	p.rec.Scale(cfg.SpectralRadius/rho, p.rec)

	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Config returns the configuration the predictor was built with.
func (p *Predictor) Config() Config { return p.cfg }

// input embeds text and overlays the hour-of-day signal.
func (p *Predictor) input(ctx context.Context, text string, hour float64) (*mat.VecDense, []float32, error) {
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, nil, fmt.Errorf("reservoir: embed: %w", err)
	}
	if len(vec) != p.cfg.InputDim {
		return nil, nil, &memory.ShapeError{Op: "reservoir: embed", Want: p.cfg.InputDim, Got: len(vec)}
	}
	u := make([]float64, len(vec))
	for i, v := range vec {
		u[i] = float64(v)
	}
	angle := hour / 24 * 2 * math.Pi
	u[0] += math.Sin(angle) * p.cfg.HourAmplitude
	u[1] += math.Cos(angle) * p.cfg.HourAmplitude
	return mat.NewVecDense(len(u), u), vec, nil
}

// step returns (1-leak)·h + leak·tanh(W_in·u + W_rec·h) without touching h.
func (p *Predictor) step(u, h *mat.VecDense) *mat.VecDense {
	var pre, rec mat.VecDense
	pre.MulVec(p.in, u)
	rec.MulVec(p.rec, h)
	pre.AddVec(&pre, &rec)

	n := h.Len()
	next := mat.NewVecDense(n, nil)
	for i := range n {
		next.SetVec(i, (1-p.cfg.Leak)*h.AtVec(i)+p.cfg.Leak*math.Tanh(pre.AtVec(i)))
	}
	return next
}

func (p *Predictor) predictLocked(h mat.Vector) (mood, energy float64) {
	var y mat.VecDense
	y.MulVec(p.readout, h)
	return sigmoid(y.AtVec(0)), sigmoid(y.AtVec(1))
}

// Observe advances the state with text at the given hour of day and returns
// the surprise. The new state and its heuristic target are buffered for
// [Predictor.Crystallize]. An embedding failure leaves the state unchanged.
func (p *Predictor) Observe(ctx context.Context, text string, hour float64) (Observation, error) {
	u, raw, err := p.input(ctx, text, hour)
	if err != nil {
		return Observation{}, err
	}
	mood, energy := p.heuristic(text)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = p.step(u, p.state)
	pm, pe := p.predictLocked(p.state)
	obs := Observation{
		Surprise:        math.Hypot(mood-pm, energy-pe),
		Mood:            mood,
		Energy:          energy,
		PredictedMood:   pm,
		PredictedEnergy: pe,
		StateNorm:       mat.Norm(p.state, 2),
		Embedding:       raw,
	}

	p.last = obs.Surprise
	p.history = append(p.history, obs.Surprise)
	if len(p.history) > p.cfg.HistoryLen {
		p.history = p.history[len(p.history)-p.cfg.HistoryLen:]
	}
	if w := p.cfg.BifurcationWindow; len(p.history) >= w {
		var sum float64
		for _, s := range p.history[len(p.history)-w:] {
			sum += s
		}
		delta := math.Abs(obs.StateNorm - p.lastNorm)
		obs.Bifurcation = sum/float64(w) > p.cfg.BifurcationSurprise && delta > p.cfg.BifurcationDelta
	}
	p.lastNorm = obs.StateNorm

	snap := make([]float64, p.state.Len())
	copy(snap, p.state.RawVector().Data)
	if len(p.buffer) >= p.cfg.BufferCap {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, sample{state: snap, target: [2]float64{mood, energy}})
	p.gen++
	return obs, nil
}

// Simulate computes the step Observe would take for text on a copy of the
// state and returns the displacement mapped into [0, 1): 1 − 1/(1+‖Δh‖).
// The predictor is never modified.
func (p *Predictor) Simulate(ctx context.Context, text string, hour float64) (float64, error) {
	u, _, err := p.input(ctx, text, hour)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	h := mat.VecDenseCopyOf(p.state)
	p.mu.Unlock()

	next := p.step(u, h)
	next.SubVec(next, h)
	return 1 - 1/(1+mat.Norm(next, 2)), nil
}

// CrystallizeReport summarises one [Predictor.Crystallize] pass.
type CrystallizeReport struct {
	Samples int `json:"samples"`

	// DeltaNorm is the Frobenius norm of the total readout change.
	DeltaNorm float64 `json:"delta_norm"`
}

// Crystallize runs one delta-rule pass over the buffered observations,
// updating only the readout, and clears the buffer.
func (p *Predictor) Crystallize() CrystallizeReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) == 0 {
		return CrystallizeReport{}
	}

	before := mat.DenseCopyOf(p.readout)
	n := p.cfg.StateDim
	for _, s := range p.buffer {
		h := mat.NewVecDense(n, s.state)
		pm, pe := p.predictLocked(h)
		errs := [2]float64{s.target[0] - pm, s.target[1] - pe}
		for row, e := range errs {
			step := p.cfg.LearningRate * e
			for j := range n {
				p.readout.Set(row, j, p.readout.At(row, j)+step*s.state[j])
			}
		}
	}

	var delta mat.Dense
	delta.Sub(p.readout, before)
	rep := CrystallizeReport{Samples: len(p.buffer), DeltaNorm: mat.Norm(&delta, 2)}
	p.buffer = p.buffer[:0]
	p.gen++
	return rep
}

// Pending returns the number of buffered observations.
func (p *Predictor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// LastSurprise returns the surprise of the latest observation.
func (p *Predictor) LastSurprise() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// History returns the recent surprises, oldest first.
func (p *Predictor) History() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.history))
	copy(out, p.history)
	return out
}

// State returns a copy of the reservoir state.
func (p *Predictor) State() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, p.state.Len())
	copy(out, p.state.RawVector().Data)
	return out
}

// SoulBias maps the mean state activation into (-1, 1).
func (p *Predictor) SoulBias() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return math.Tanh(mat.Sum(p.state) / float64(p.state.Len()) * p.cfg.SoulSensitivity)
}

// Strategy is a coarse behavioural hint derived from surprise.
type Strategy string

const (
	StrategyResonate Strategy = "resonate"
	StrategyProbe    Strategy = "probe"
	StrategyFriction Strategy = "friction"
)

// Strategy returns probe above Config.ProbeAbove, friction with probability
// Config.FrictionChance below Config.BoredBelow, and resonate otherwise.
func (p *Predictor) Strategy(surprise float64) Strategy {
	switch {
	case surprise > p.cfg.ProbeAbove:
		return StrategyProbe
	case surprise < p.cfg.BoredBelow:
		p.mu.Lock()
		draw := p.rng.Float64()
		p.mu.Unlock()
		if draw < p.cfg.FrictionChance {
			return StrategyFriction
		}
	}
	return StrategyResonate
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
