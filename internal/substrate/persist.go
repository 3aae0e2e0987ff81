package substrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/strata/internal/health"
	"github.com/MrWong99/strata/internal/observe"
	"github.com/MrWong99/strata/pkg/memory"
)

// shutdownPersistTimeout bounds the final snapshot written when Run returns.
const shutdownPersistTimeout = 10 * time.Second

type checkpointer interface {
	Checkpoint() (write func(dir string) error, changed bool)
	Load(dir string) error
}

type part struct {
	name string
	c    checkpointer
}

func (s *Substrate) parts() []part {
	return []part{
		{"spatial", s.spatial},
		{"synapse", s.synapse},
		{"simhash", s.simhash},
		{"reservoir", s.res},
	}
}

// Persist writes a snapshot of every component that changed since its last
// write, or of all of them when force is set. Each component is copied under
// its own lock; the files are written after every lock is released. The
// fragment log is not part of the snapshot: it mirrors each change to its
// store as it happens.
func (s *Substrate) Persist(ctx context.Context, force bool) error {
	if s.cfg.DataDir == "" {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ctx, span := observe.StartOp(ctx, "persist")
	defer span.End()

	type pending struct {
		name  string
		write func(string) error
	}
	var todo []pending
	for _, p := range s.parts() {
		write, changed := p.c.Checkpoint()
		if changed || force {
			todo = append(todo, pending{p.name, write})
		}
	}

	var errs []error
	for _, p := range todo {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.write(s.cfg.DataDir); err != nil {
			s.metrics.RecordPersistError(ctx, p.name)
			errs = append(errs, fmt.Errorf("%s: %w", p.name, memory.Transient(err)))
		}
	}
	err := errors.Join(errs...)
	s.persistFail.Store(err != nil)
	if err != nil {
		span.RecordError(err)
		observe.Component(ctx, "persist").Warn("snapshot incomplete", "err", err)
		return fmt.Errorf("substrate: persist: %w", err)
	}
	if len(todo) > 0 {
		observe.Component(ctx, "persist").Debug("snapshot written", "parts", len(todo))
	}
	return nil
}

// Load restores every component from the data directory and the fragment
// log from its store. Missing snapshots leave a component fresh. A corrupt
// or mismatched snapshot resets only the affected part and is logged; Load
// never stops the substrate from starting.
func (s *Substrate) Load(ctx context.Context) {
	ctx, span := observe.StartOp(ctx, "load")
	defer span.End()

	if s.cfg.DataDir != "" {
		for _, p := range s.parts() {
			err := p.c.Load(s.cfg.DataDir)
			switch {
			case err == nil, errors.Is(err, os.ErrNotExist):
			case errors.Is(err, memory.ErrSchemaMismatch):
				observe.Component(ctx, p.name).Warn("snapshot does not match configuration, reset", "err", err)
			default:
				span.RecordError(err)
				observe.Component(ctx, p.name).Warn("snapshot unreadable, reset", "err", err)
			}
		}
	}
	if err := s.sediment.Load(ctx); err != nil {
		s.metrics.RecordPersistError(ctx, "sediment")
		observe.Component(ctx, "sediment").Warn("fragment store unavailable, running from memory", "err", err)
	}
	observe.Component(ctx, "substrate").Info("memory loaded",
		"concepts", s.spatial.Len(),
		"fragments", s.sediment.Len(),
		"fingerprints", s.simhash.Len(),
	)
}

// Run drives the background persister and the automatic sleep cycle until
// ctx is cancelled, then writes a final snapshot. Intervals changed with
// [Substrate.SetSleepInterval] and [Substrate.SetPersistInterval] take
// effect immediately.
func (s *Substrate) Run(ctx context.Context) error {
	persistT := time.NewTicker(time.Duration(s.persistEvery.Load()))
	defer persistT.Stop()

	var (
		sleepT *time.Ticker
		sleepC <-chan time.Time
	)
	resetSleep := func() {
		if sleepT != nil {
			sleepT.Stop()
			sleepT, sleepC = nil, nil
		}
		if d := time.Duration(s.sleepEvery.Load()); d > 0 {
			sleepT = time.NewTicker(d)
			sleepC = sleepT.C
		}
	}
	resetSleep()
	defer func() {
		if sleepT != nil {
			sleepT.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownPersistTimeout)
			defer cancel()
			return s.Persist(fctx, false)
		case <-persistT.C:
			_ = s.Persist(ctx, false)
		case <-sleepC:
			s.Sleep(ctx)
		case <-s.reschedule:
			persistT.Reset(time.Duration(s.persistEvery.Load()))
			resetSleep()
		}
	}
}

// HealthCheck reports the substrate as degraded while any part runs in a
// fallback mode. It never fails readiness.
func (s *Substrate) HealthCheck() health.Checker {
	return health.Checker{
		Name: "substrate",
		Check: func(context.Context) error {
			if d := s.Degraded(); len(d) > 0 {
				return health.Degraded(strings.Join(d, ", "))
			}
			return nil
		},
	}
}
