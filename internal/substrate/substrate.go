// Package substrate is the memory substrate facade. It owns one instance of
// every memory component and exposes the operations external collaborators
// call: observing text, touching and reinforcing concepts, depositing
// fragments, ingesting tokens, and the recall queries.
//
// Data-path operations never return errors. A failure inside a component is
// logged and metered, and the caller gets a neutral result: zero surprise,
// an empty recall, a missing concept. Silence is a valid answer.
//
// Deferred work runs in the sleep phase ([Substrate.Sleep]), either on a
// timer from [Substrate.Run] or on demand. Snapshots are written in the
// background from copies taken under each component's lock.
package substrate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/pkg/memory/reservoir"
	"github.com/MrWong99/strata/pkg/memory/sediment"
	"github.com/MrWong99/strata/pkg/memory/simhash"
	"github.com/MrWong99/strata/pkg/memory/spatial"
	"github.com/MrWong99/strata/pkg/memory/synapse"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
)

// Event kinds published to the [Publisher].
const (
	EventObserve     = "observe"
	EventBifurcation = "bifurcation"
	EventDeposit     = "deposit"
	EventSleep       = "sleep"
)

// Publisher receives substrate events. Implementations must not block.
type Publisher interface {
	Publish(kind string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Config schedules the substrate's background work.
type Config struct {
	// DataDir receives the snapshot files. Empty disables snapshots.
	DataDir string

	// SleepInterval is the period of automatic sleep cycles; 0 disables them.
	SleepInterval time.Duration

	// PersistInterval is the period of background snapshot writes.
	PersistInterval time.Duration

	// RecallTimeout bounds one recall fan-out.
	RecallTimeout time.Duration

	// EmbedTimeout bounds one embedding call.
	EmbedTimeout time.Duration

	// GravityLinks and GravityThreshold select the associations applied as
	// semantic gravity during sleep.
	GravityLinks     int
	GravityThreshold float64
}

// Components are the memory components a [Substrate] drives. Every field is
// required.
type Components struct {
	Spatial   *spatial.Store
	Sediment  *sediment.Log
	Synapse   *synapse.Graph
	SimHash   *simhash.Index
	Reservoir *reservoir.Predictor
}

// Option configures a [Substrate].
type Option func(*Substrate)

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Substrate) { s.metrics = m }
}

// WithPublisher sends substrate events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Substrate) { s.pub = p }
}

// WithEmbedder enables text-based similarity recall. It should be the same
// provider the reservoir embeds with.
func WithEmbedder(e embeddings.Provider) Option {
	return func(s *Substrate) { s.embedder = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Substrate) { s.now = now }
}

// Substrate is the memory substrate. All methods are safe for concurrent use.
type Substrate struct {
	cfg      Config
	spatial  *spatial.Store
	sediment *sediment.Log
	synapse  *synapse.Graph
	simhash  *simhash.Index
	res      *reservoir.Predictor
	embedder embeddings.Provider
	metrics  *observe.Metrics
	pub      Publisher
	now      func() time.Time

	sleepMu   sync.Mutex
	persistMu sync.Mutex

	sleepEvery   atomic.Int64
	persistEvery atomic.Int64
	reschedule   chan struct{}

	lastSleep   atomic.Pointer[SleepReport]
	persistFail atomic.Bool
}

// New assembles a substrate from its components.
func New(cfg Config, c Components, opts ...Option) (*Substrate, error) {
	var errs []error
	if c.Spatial == nil {
		errs = append(errs, errors.New("spatial store is required"))
	}
	if c.Sediment == nil {
		errs = append(errs, errors.New("sediment log is required"))
	}
	if c.Synapse == nil {
		errs = append(errs, errors.New("associative graph is required"))
	}
	if c.SimHash == nil {
		errs = append(errs, errors.New("simhash index is required"))
	}
	if c.Reservoir == nil {
		errs = append(errs, errors.New("reservoir predictor is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("substrate: %w", err)
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = time.Minute
	}
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = 2 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}

	s := &Substrate{
		cfg:        cfg,
		spatial:    c.Spatial,
		sediment:   c.Sediment,
		synapse:    c.Synapse,
		simhash:    c.SimHash,
		res:        c.Reservoir,
		pub:        nopPublisher{},
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.sleepEvery.Store(int64(cfg.SleepInterval))
	s.persistEvery.Store(int64(cfg.PersistInterval))
	return s, nil
}

// Components returns the driven components.
func (s *Substrate) Components() Components {
	return Components{
		Spatial:   s.spatial,
		Sediment:  s.sediment,
		Synapse:   s.synapse,
		SimHash:   s.simhash,
		Reservoir: s.res,
	}
}

// Status is a point-in-time summary of the substrate.
type Status struct {
	Concepts     int          `json:"concepts"`
	Fragments    int          `json:"fragments"`
	Nodes        int          `json:"nodes"`
	Edges        int          `json:"edges"`
	Fingerprints int          `json:"fingerprints"`
	Buffered     int          `json:"buffered_tokens"`
	Pending      int          `json:"pending_observations"`
	LastSurprise float64      `json:"last_surprise"`
	SoulBias     float64      `json:"soul_bias"`
	Degraded     []string     `json:"degraded,omitempty"`
	LastSleep    *SleepReport `json:"last_sleep,omitempty"`
}

// Status summarises every component.
func (s *Substrate) Status() Status {
	nodes, edges := s.synapse.Size()
	buffered, _ := s.synapse.Pending()
	return Status{
		Concepts:     s.spatial.Len(),
		Fragments:    s.sediment.Len(),
		Nodes:        nodes,
		Edges:        edges,
		Fingerprints: s.simhash.Len(),
		Buffered:     buffered,
		Pending:      s.res.Pending(),
		LastSurprise: s.res.LastSurprise(),
		SoulBias:     s.res.SoulBias(),
		Degraded:     s.Degraded(),
		LastSleep:    s.lastSleep.Load(),
	}
}

// degradable is implemented by embedders that fail over.
type degradable interface {
	Degraded() bool
}

// Degraded lists the parts running in a fallback mode: "store" when the
// fragment store is failing, "embeddings" when the embedder is not served by
// its primary, "snapshots" when the last snapshot write failed.
func (s *Substrate) Degraded() []string {
	var out []string
	if s.sediment.Degraded() {
		out = append(out, "store")
	}
	if d, ok := s.embedder.(degradable); ok && d.Degraded() {
		out = append(out, "embeddings")
	}
	if s.persistFail.Load() {
		out = append(out, "snapshots")
	}
	return out
}

// SetSleepInterval changes the automatic sleep period of a running
// [Substrate.Run]. Zero disables automatic sleep.
func (s *Substrate) SetSleepInterval(d time.Duration) {
	s.sleepEvery.Store(int64(max(0, d)))
	s.poke()
}

// SetPersistInterval changes the background snapshot period. Non-positive
// values are ignored.
func (s *Substrate) SetPersistInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.persistEvery.Store(int64(d))
	s.poke()
}

func (s *Substrate) poke() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}
