package simhash

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/persist"
)

// FileName is the name of the fingerprint table inside a data directory.
const FileName = "fingerprints.json"

const (
	snapshotKind    = "fingerprints"
	snapshotVersion = 1
)

// snapshot is the current on-disk form of the fingerprint table.
type snapshot struct {
	Bits   int                    `json:"bits"`
	Seed   uint64                 `json:"seed"`
	Prints map[string]Fingerprint `json:"prints"`
}

// Checkpoint copies the table under the lock and returns a function that
// writes the copy into dir. changed is false when nothing was modified since
// the last successful write, in which case callers may skip it.
func (ix *Index) Checkpoint() (write func(dir string) error, changed bool) {
	ix.mu.RLock()
	cp := make(map[string]Fingerprint, len(ix.prints))
	for k, v := range ix.prints {
		cp[k] = v
	}
	gen := ix.gen
	changed = ix.gen != ix.saved
	ix.mu.RUnlock()

	snap := snapshot{Bits: ix.cfg.Bits, Seed: ix.cfg.Seed, Prints: cp}
	return func(dir string) error {
		if err := persist.SaveJSON(filepath.Join(dir, FileName), snapshotKind, snapshotVersion, snap); err != nil {
			return err
		}
		ix.mu.Lock()
		if gen > ix.saved {
			ix.saved = gen
		}
		ix.mu.Unlock()
		return nil
	}, changed
}

// Save writes the fingerprint table into dir atomically.
func (ix *Index) Save(dir string) error {
	write, _ := ix.Checkpoint()
	return write(dir)
}

// Load replaces the table with the one stored in dir. A table written with
// a different width or seed is discarded with an error matching
// [memory.ErrSchemaMismatch]; the index is left empty in that case.
func (ix *Index) Load(dir string) error {
	env, err := persist.LoadJSON(filepath.Join(dir, FileName), snapshotKind, snapshotVersion)
	if err != nil {
		return err
	}
	snap, err := migrate(env, ix.cfg)
	if err != nil {
		return err
	}
	if snap.Bits != ix.cfg.Bits {
		return &memory.SchemaError{Component: "simhash", Field: "bits", Want: ix.cfg.Bits, Got: snap.Bits}
	}
	if snap.Seed != ix.cfg.Seed {
		return fmt.Errorf("%w: simhash: persisted seed %d, configured %d", memory.ErrSchemaMismatch, snap.Seed, ix.cfg.Seed)
	}

	prints := make(map[string]Fingerprint, len(snap.Prints))
	for k, fp := range snap.Prints {
		if len(fp.Words) != (ix.cfg.Bits+63)/64 {
			continue
		}
		fp.Bits = ix.cfg.Bits
		prints[k] = fp
	}

	ix.mu.Lock()
	ix.prints = prints
	ix.saved = ix.gen
	ix.mu.Unlock()
	return nil
}

// migrate lifts any known version to the current snapshot. Version 0 is a
// bare key → fingerprint map written before width and seed were recorded;
// it is assumed to match the configured projection.
func migrate(env persist.Envelope, cfg Config) (snapshot, error) {
	switch env.Version {
	case 0:
		var prints map[string]Fingerprint
		if err := json.Unmarshal(env.Payload, &prints); err != nil {
			return snapshot{}, fmt.Errorf("simhash: decode legacy table: %w", err)
		}
		return snapshot{Bits: cfg.Bits, Seed: cfg.Seed, Prints: prints}, nil
	case 1:
		var snap snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			return snapshot{}, fmt.Errorf("simhash: decode table: %w", err)
		}
		return snap, nil
	default:
		return snapshot{}, fmt.Errorf("%w: simhash v%d", persist.ErrUnknownVersion, env.Version)
	}
}
