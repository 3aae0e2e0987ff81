// Package app wires all strata subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the substrate's background work,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithListener, etc.) and pass providers directly. When a provider is nil,
// New falls back to an offline implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/strata/internal/api"
	"github.com/MrWong99/strata/internal/config"
	"github.com/MrWong99/strata/internal/feed"
	"github.com/MrWong99/strata/internal/health"
	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/internal/resilience"
	"github.com/MrWong99/strata/internal/substrate"
	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/provider/embeddings"
	"github.com/MrWong99/strata/pkg/provider/embeddings/cache"
	"github.com/MrWong99/strata/pkg/provider/embeddings/hashembed"
)

// Providers holds the external backends. Populated by main.go via the
// config registry.
type Providers struct {
	// Embeddings is the primary embeddings provider. Nil selects the
	// offline hashembed provider.
	Embeddings embeddings.Provider

	// EmbeddingsFallback is tried in order when the primary fails.
	EmbeddingsFallback []embeddings.Provider

	// Store is the persistent fragment tier. Nil keeps fragments in memory.
	Store memory.FragmentStore
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	listener net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	embedder embeddings.Provider
	sub      *substrate.Substrate
	hub      *feed.Hub
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable behind the process logger
// so that hot reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It loads any
// snapshots found in the data directory before returning.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Embeddings chain ──────────────────────────────────────────────
	if err := a.initEmbeddings(); err != nil {
		return nil, fmt.Errorf("app: init embeddings: %w", err)
	}

	// ── 2. Event feed ────────────────────────────────────────────────────
	a.hub = feed.New(feed.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.hub.Close)

	// ── 3. Substrate ─────────────────────────────────────────────────────
	if err := a.initSubstrate(ctx); err != nil {
		return nil, fmt.Errorf("app: init substrate: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEmbeddings chains the configured providers behind circuit breakers,
// always ending in hashembed, and puts an LRU in front when configured.
func (a *App) initEmbeddings() error {
	dims := a.cfg.Memory.Reservoir.InputDim
	offline, err := hashembed.New(dims)
	if err != nil {
		return err
	}

	primary := a.providers.Embeddings
	fallbacks := append([]embeddings.Provider(nil), a.providers.EmbeddingsFallback...)
	if primary == nil {
		primary = offline
	} else {
		fallbacks = append(fallbacks, offline)
	}

	rc := a.cfg.Resilience
	chain, err := resilience.NewEmbeddingsFallback(resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         "embeddings",
			MaxFailures:  rc.MaxFailures,
			ResetTimeout: rc.ResetTimeout,
			HalfOpenMax:  rc.HalfOpenMax,
		},
		Retries: rc.Retries,
		Backoff: rc.Backoff,
	}, primary, fallbacks, resilience.WithOnFallback(func(served string, err error) {
		slog.Warn("embeddings served by fallback", "served", served, "err", err)
	}))
	if err != nil {
		return err
	}
	a.embedder = chain

	if n := a.cfg.Providers.EmbeddingsCache; n > 0 {
		c, err := cache.New(chain, n)
		if err != nil {
			return err
		}
		a.embedder = c
	}
	slog.Info("embeddings ready", "primary", chain.ModelID(), "fallbacks", len(fallbacks), "dims", dims)
	return nil
}

// initSubstrate builds the memory components and restores their snapshots.
func (a *App) initSubstrate(ctx context.Context) error {
	comp, err := substrate.NewComponents(substrate.Settings(a.cfg.Memory), a.embedder, a.providers.Store)
	if err != nil {
		return err
	}
	if a.providers.Store != nil {
		a.closers = append(a.closers, a.providers.Store.Close)
	}

	sc := a.cfg.Substrate
	a.sub, err = substrate.New(substrate.Config{
		DataDir:          a.cfg.Storage.DataDir,
		SleepInterval:    sc.SleepInterval,
		PersistInterval:  sc.PersistInterval,
		RecallTimeout:    sc.RecallTimeout,
		EmbedTimeout:     sc.EmbedTimeout,
		GravityLinks:     sc.GravityLinks,
		GravityThreshold: sc.GravityThreshold,
	}, comp,
		substrate.WithMetrics(a.metrics),
		substrate.WithPublisher(a.hub),
		substrate.WithEmbedder(a.embedder),
	)
	if err != nil {
		return err
	}
	a.sub.Load(ctx)

	st := a.sub.Status()
	slog.Info("substrate loaded",
		"concepts", st.Concepts,
		"fragments", st.Fragments,
		"nodes", st.Nodes,
		"edges", st.Edges,
	)
	return nil
}

// initHTTP builds the route table and the server.
func (a *App) initHTTP() {
	a.health = health.New(a.sub.HealthCheck())

	mux := http.NewServeMux()
	api.New(a.sub).Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /v1/feed", a.hub)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the full HTTP handler, middleware included.
func (a *App) Handler() http.Handler { return a.handler }

// Substrate returns the running substrate.
func (a *App) Substrate() *substrate.Substrate { return a.sub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the substrate's sleep and persistence schedule
// until ctx is cancelled. It returns ctx's error on a clean stop, or the
// first failure of the listener or the final snapshot.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sub.Run(gctx)
	})
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	slog.Info("app running", "addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of diff. Sections that need
// a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.SleepIntervalChanged {
		a.sub.SetSleepInterval(diff.NewSleepInterval)
		slog.Info("sleep interval changed", "interval", diff.NewSleepInterval)
	}
	if diff.PersistIntervalChanged {
		a.sub.SetPersistInterval(diff.NewPersistInterval)
		slog.Info("persist interval changed", "interval", diff.NewPersistInterval)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", diff.RestartRequired)
	}
}

// SlogLevel converts a config level to its slog counterpart.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown writes a last snapshot and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sub.Persist(ctx, false); err != nil {
			slog.Warn("final snapshot failed", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
