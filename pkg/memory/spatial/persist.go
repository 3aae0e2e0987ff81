package spatial

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/MrWong99/strata/pkg/memory"
	"github.com/MrWong99/strata/pkg/persist"
)

// File names inside a data directory.
const (
	ConceptsFile = "concepts.json"
	TerrainFile  = "terrain.grid.zst"
)

const (
	conceptsKind    = "concepts"
	conceptsVersion = 1

	terrainMagic   = "STRG"
	terrainVersion = 1
	terrainHeader  = 12 // magic + version + size
)

// conceptsPayload is the current concept index. Each record is the array
// [x, y, last_active, access_count, valence, source, created_at] with times
// as fractional Unix seconds.
type conceptsPayload struct {
	Concepts map[string][]json.RawMessage `json:"concepts"`
}

func encodeRecord(c *Concept) []json.RawMessage {
	fields := []any{
		c.Pos.X, c.Pos.Y,
		unixSeconds(c.LastActive),
		c.AccessCount,
		c.Valence,
		c.Source,
		unixSeconds(c.CreatedAt),
	}
	out := make([]json.RawMessage, len(fields))
	for i, f := range fields {
		out[i], _ = json.Marshal(f)
	}
	return out
}

// migrateRecord lifts a concept record of any historical length to the
// current struct. Records grew one field at a time:
//
//	[x, y]                         placement only
//	[x, y, t]                      + last activity
//	[x, y, t, count]               + access count
//	[x, y, t, count, valence]      + valence
//	[x, y, t, count, valence, src] + source tag
//	[..., created]                 + creation time (current)
//
// Missing fields take their defaults. Out-of-range values are clamped.
func migrateRecord(name string, fields []json.RawMessage, now time.Time, size int) (*Concept, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("spatial: concept %q: record has %d fields, need at least 2", name, len(fields))
	}
	c := &Concept{Name: name, LastActive: now, AccessCount: 1}

	var x, y float64
	if err := json.Unmarshal(fields[0], &x); err != nil {
		return nil, fmt.Errorf("spatial: concept %q: x: %w", name, err)
	}
	if err := json.Unmarshal(fields[1], &y); err != nil {
		return nil, fmt.Errorf("spatial: concept %q: y: %w", name, err)
	}
	hi := float64(size - 1)
	c.Pos = memory.Point{X: clamp(x, 0, hi), Y: clamp(y, 0, hi)}

	if len(fields) > 2 {
		var t float64
		if err := json.Unmarshal(fields[2], &t); err == nil && t > 0 {
			c.LastActive = fromUnixSeconds(t)
		}
	}
	if len(fields) > 3 {
		var n float64
		if err := json.Unmarshal(fields[3], &n); err == nil && n >= 1 {
			c.AccessCount = int(n)
		}
	}
	if len(fields) > 4 {
		var v float64
		if err := json.Unmarshal(fields[4], &v); err == nil {
			c.Valence = clamp(v, -1, 1)
		}
	}
	if len(fields) > 5 {
		_ = json.Unmarshal(fields[5], &c.Source)
	}
	c.CreatedAt = c.LastActive
	if len(fields) > 6 {
		var t float64
		if err := json.Unmarshal(fields[6], &t); err == nil && t > 0 {
			c.CreatedAt = fromUnixSeconds(t)
		}
	}
	return c, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Checkpoint copies concepts and terrain under the lock and returns a
// function that writes both files into dir. changed is false when nothing
// was modified since the last successful write.
func (s *Store) Checkpoint() (write func(dir string) error, changed bool) {
	s.mu.Lock()
	payload := conceptsPayload{Concepts: make(map[string][]json.RawMessage, len(s.concepts))}
	for name, c := range s.concepts {
		payload.Concepts[name] = encodeRecord(c)
	}
	terrain := make([]float32, len(s.terrain))
	copy(terrain, s.terrain)
	gen := s.gen
	changed = s.gen != s.saved
	s.mu.Unlock()

	return func(dir string) error {
		if err := persist.SaveJSON(filepath.Join(dir, ConceptsFile), conceptsKind, conceptsVersion, payload); err != nil {
			return err
		}
		grid, err := encodeTerrain(s.cfg.Size, terrain)
		if err != nil {
			return err
		}
		if err := persist.WriteFile(filepath.Join(dir, TerrainFile), grid); err != nil {
			return err
		}
		s.mu.Lock()
		if gen > s.saved {
			s.saved = gen
		}
		s.mu.Unlock()
		return nil
	}, changed
}

// Save writes concepts and terrain into dir.
func (s *Store) Save(dir string) error {
	write, _ := s.Checkpoint()
	return write(dir)
}

// Load restores concepts and terrain from dir. Missing files leave the
// corresponding state at its default. A corrupt or mismatched file resets
// only that part and is reported in the returned error; the store is usable
// either way. Time spent since the snapshot weathers the terrain.
func (s *Store) Load(dir string) error {
	var errs []error

	concepts, savedAt, err := s.loadConcepts(filepath.Join(dir, ConceptsFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		errs = append(errs, err)
	}

	terrain, terr := s.loadTerrain(filepath.Join(dir, TerrainFile))
	switch {
	case errors.Is(terr, os.ErrNotExist):
	case terr != nil:
		errs = append(errs, terr)
	}

	s.mu.Lock()
	if concepts != nil {
		s.concepts = concepts
	}
	if terrain != nil {
		s.terrain = terrain
	}
	s.anchorSelfLocked()
	s.dirty = true
	s.tree = nil
	s.saved = s.gen
	s.mu.Unlock()

	if terrain != nil && !savedAt.IsZero() {
		s.Weather(s.now().Sub(savedAt))
	}
	return errors.Join(errs...)
}

func (s *Store) loadConcepts(path string) (map[string]*Concept, time.Time, error) {
	env, err := persist.LoadJSON(path, conceptsKind, conceptsVersion)
	if err != nil {
		return nil, time.Time{}, err
	}

	var records map[string][]json.RawMessage
	switch env.Version {
	case 0:
		err = json.Unmarshal(env.Payload, &records)
	default:
		var p conceptsPayload
		err = json.Unmarshal(env.Payload, &p)
		records = p.Concepts
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("spatial: decode %s: %w", path, err)
	}

	now := s.now()
	out := make(map[string]*Concept, len(records))
	var bad []error
	for name, fields := range records {
		c, err := migrateRecord(name, fields, now, s.cfg.Size)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		out[name] = c
	}
	return out, env.SavedAt, errors.Join(bad...)
}

func (s *Store) loadTerrain(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	size, cells, err := decodeTerrain(data)
	if err != nil {
		return nil, fmt.Errorf("spatial: %s: %w", path, err)
	}
	if size != s.cfg.Size {
		return nil, &memory.SchemaError{Component: "spatial", Field: "terrain size", Want: s.cfg.Size, Got: size}
	}
	return cells, nil
}

// encodeTerrain lays the grid out as magic, version and size headers
// followed by little-endian float32 cells, compressed with zstd.
func encodeTerrain(size int, cells []float32) ([]byte, error) {
	buf := make([]byte, terrainHeader+4*len(cells))
	copy(buf, terrainMagic)
	binary.LittleEndian.PutUint32(buf[4:], terrainVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(size))
	for i, v := range cells {
		binary.LittleEndian.PutUint32(buf[terrainHeader+4*i:], math.Float32bits(v))
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("spatial: zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(buf, nil), nil
}

func decodeTerrain(data []byte) (int, []float32, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("decompress terrain: %w", err)
	}
	if len(raw) < terrainHeader || string(raw[:4]) != terrainMagic {
		return 0, nil, errors.New("not a terrain grid")
	}
	if v := binary.LittleEndian.Uint32(raw[4:]); v != terrainVersion {
		return 0, nil, fmt.Errorf("%w: terrain v%d", persist.ErrUnknownVersion, v)
	}
	size := int(binary.LittleEndian.Uint32(raw[8:]))
	if len(raw) != terrainHeader+4*size*size {
		return 0, nil, fmt.Errorf("terrain grid truncated: %d bytes for size %d", len(raw), size)
	}
	cells := make([]float32, size*size)
	for i := range cells {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[terrainHeader+4*i:]))
		if math.IsNaN(float64(v)) {
			v = 0.5
		}
		cells[i] = float32(clamp(float64(v), 0, 1))
	}
	return size, cells, nil
}
