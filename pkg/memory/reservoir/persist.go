package reservoir

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/persist"
)

// FileName is the name of the state and readout file inside a data directory.
const FileName = "reservoir.json"

const (
	snapshotKind    = "reservoir"
	snapshotVersion = 1
)

type snapshot struct {
	Seed    uint64      `json:"seed"`
	State   []float64   `json:"state"`
	Readout [][]float64 `json:"readout"`
}

// legacySnapshot is the pre-envelope layout, which called the readout
// "weights" and carried no seed.
type legacySnapshot struct {
	State   []float64   `json:"state"`
	Weights [][]float64 `json:"weights"`
}

// Checkpoint copies the state and readout under the lock and returns a
// function that writes the copy into dir. changed is false when nothing was
// modified since the last successful write.
func (p *Predictor) Checkpoint() (write func(dir string) error, changed bool) {
	p.mu.Lock()
	snap := snapshot{
		Seed:  p.cfg.Seed,
		State: append([]float64(nil), p.state.RawVector().Data...),
	}
	for i := range 2 {
		snap.Readout = append(snap.Readout, mat.Row(nil, i, p.readout))
	}
	gen := p.gen
	changed = p.gen != p.saved
	p.mu.Unlock()

	return func(dir string) error {
		if err := persist.SaveJSON(filepath.Join(dir, FileName), snapshotKind, snapshotVersion, snap); err != nil {
			return err
		}
		p.mu.Lock()
		if gen > p.saved {
			p.saved = gen
		}
		p.mu.Unlock()
		return nil
	}, changed
}

// Save writes the state and readout into dir atomically.
func (p *Predictor) Save(dir string) error {
	write, _ := p.Checkpoint()
	return write(dir)
}

// Load restores the state and readout from dir. The two are checked
// independently: a part whose shape does not match the configuration is left
// at its current value and reported with an error matching
// [memory.ErrSchemaMismatch], while the other part is still restored.
// A snapshot taken with a different seed belongs to different matrices; its
// readout is discarded but its state is kept.
func (p *Predictor) Load(dir string) error {
	env, err := persist.LoadJSON(filepath.Join(dir, FileName), snapshotKind, snapshotVersion)
	if err != nil {
		return err
	}
	snap, err := migrate(env, p.cfg)
	if err != nil {
		return err
	}

	var errs []error
	n := p.cfg.StateDim

	var state []float64
	if len(snap.State) == n {
		state = snap.State
	} else {
		errs = append(errs, &memory.SchemaError{Component: "reservoir", Field: "state length", Want: n, Got: len(snap.State)})
	}

	var readout *mat.Dense
	switch {
	case snap.Seed != p.cfg.Seed:
		errs = append(errs, fmt.Errorf("%w: reservoir: readout trained for seed %d, configured %d", memory.ErrSchemaMismatch, snap.Seed, p.cfg.Seed))
	case len(snap.Readout) != 2 || len(snap.Readout[0]) != n || len(snap.Readout[1]) != n:
		got := 0
		if len(snap.Readout) > 0 {
			got = len(snap.Readout[0])
		}
		errs = append(errs, &memory.SchemaError{Component: "reservoir", Field: "readout width", Want: n, Got: got})
	default:
		readout = mat.NewDense(2, n, append(append([]float64(nil), snap.Readout[0]...), snap.Readout[1]...))
	}

	p.mu.Lock()
	if state != nil {
		p.state = mat.NewVecDense(n, state)
		p.lastNorm = mat.Norm(p.state, 2)
	}
	if readout != nil {
		p.readout = readout
	}
	p.saved = p.gen
	p.mu.Unlock()
	return errors.Join(errs...)
}

func migrate(env persist.Envelope, cfg Config) (snapshot, error) {
	switch env.Version {
	case 0:
		var legacy legacySnapshot
		if err := json.Unmarshal(env.Payload, &legacy); err != nil {
			return snapshot{}, fmt.Errorf("reservoir: decode legacy snapshot: %w", err)
		}
		return snapshot{Seed: cfg.Seed, State: legacy.State, Readout: legacy.Weights}, nil
	case 1:
		var snap snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			return snapshot{}, fmt.Errorf("reservoir: decode snapshot: %w", err)
		}
		return snap, nil
	default:
		return snapshot{}, fmt.Errorf("%w: reservoir v%d", persist.ErrUnknownVersion, env.Version)
	}
}
