// Package persist writes snapshot files atomically and wraps their payloads
// in a small versioned envelope.
//
// Every file is written to a temporary sibling first and then renamed over
// the destination, so readers observe either the previous snapshot or the new
// one, never a torn write. Payload formats are versioned per kind; loaders
// migrate older versions forward and refuse versions newer than they know.
package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrUnknownVersion is returned by [Open] when the envelope was written by a
// newer format version than the caller supports.
var ErrUnknownVersion = errors.New("persist: unknown format version")

// ErrKindMismatch is returned by [Open] when the envelope holds a different
// kind of snapshot than requested.
var ErrKindMismatch = errors.New("persist: snapshot kind mismatch")

// WriteFile atomically replaces path with data. The temporary file is created
// in the same directory so the final rename never crosses filesystems.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: create dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp for %q: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist: write %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist: sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: rename to %q: %w", path, err)
	}
	return nil
}

// Envelope is the on-disk wrapper around every JSON snapshot.
type Envelope struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Payload json.RawMessage `json:"payload"`
}

// Seal marshals payload into an envelope of the given kind and version.
func Seal(kind string, version int, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("persist: marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{
		Kind:    kind,
		Version: version,
		SavedAt: time.Now().UTC(),
		Payload: raw,
	})
}

// Open decodes an envelope and checks its kind. Versions above maxVersion
// yield [ErrUnknownVersion]; the caller migrates anything older.
//
// Files written before envelopes existed are bare payloads. They are returned
// as version 0 with the whole document as payload.
func Open(data []byte, kind string, maxVersion int) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return Envelope{Kind: kind, Version: 0, Payload: json.RawMessage(trimmed)}, nil
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("persist: decode %s envelope: %w", kind, err)
	}
	if env.Kind == "" && env.Payload == nil {
		return Envelope{Kind: kind, Version: 0, Payload: json.RawMessage(trimmed)}, nil
	}
	if env.Kind != kind {
		return Envelope{}, fmt.Errorf("%w: want %q, got %q", ErrKindMismatch, kind, env.Kind)
	}
	if env.Version > maxVersion {
		return Envelope{}, fmt.Errorf("%w: %s v%d (max v%d)", ErrUnknownVersion, kind, env.Version, maxVersion)
	}
	return env, nil
}

// SaveJSON seals payload and writes it atomically to path.
func SaveJSON(path, kind string, version int, payload any) error {
	data, err := Seal(kind, version, payload)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// LoadJSON reads path and opens its envelope. A missing file is reported
// with an error matching [os.ErrNotExist].
func LoadJSON(path, kind string, maxVersion int) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	return Open(data, kind, maxVersion)
}
