package spatial

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/strata/pkg/memory"
)

// ModifyTerrain raises (positive magnitude) or lowers the terrain in a disk
// of TerrainRadius cells around word. The change is magnitude·TerrainGain at
// the centre and falls off linearly with distance. Every cell stays in [0, 1].
func (s *Store) ModifyTerrain(word string, magnitude float64) error {
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return fmt.Errorf("%w: spatial: terrain magnitude for %q is not finite", memory.ErrValidation, word)
	}
	p := s.GetOrCreate(word)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.cfg.TerrainRadius
	power := magnitude * s.cfg.TerrainGain
	cx, cy := int(p.X), int(p.Y)
	for y := max(0, cy-r); y <= min(s.cfg.Size-1, cy+r); y++ {
		for x := max(0, cx-r); x <= min(s.cfg.Size-1, cx+r); x++ {
			d := math.Hypot(float64(x-cx), float64(y-cy))
			if d > float64(r) {
				continue
			}
			effect := power * (1 - d/float64(r+1))
			i := y*s.cfg.Size + x
			s.terrain[i] = float32(clamp(float64(s.terrain[i])+effect, 0, 1))
		}
	}
	s.gen++
	return nil
}

// Altitude returns the terrain height at (x, y), clamped onto the grid.
func (s *Store) Altitude(x, y float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.altitudeLocked(x, y)
}

func (s *Store) altitudeLocked(x, y float64) float64 {
	hi := s.cfg.Size - 1
	ix := min(hi, max(0, int(x)))
	iy := min(hi, max(0, int(y)))
	return float64(s.terrain[iy*s.cfg.Size+ix])
}

// Weather relaxes the whole terrain toward BaseAltitude in proportion to
// elapsed time: rate = min(WeatherMax, WeatherRate·minutes). It models the
// landscape flattening while the agent was not running.
func (s *Store) Weather(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	rate := math.Min(s.cfg.WeatherMax, s.cfg.WeatherRate*elapsed.Minutes())
	if rate <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base := float32(s.cfg.BaseAltitude)
	r := float32(rate)
	for i, v := range s.terrain {
		s.terrain[i] = v + (base-v)*r
	}
	s.gen++
	return rate
}

// Location describes where a concept sits in human terms.
type Location struct {
	Sector   string       `json:"sector"`
	Terrain  string       `json:"terrain"`
	Altitude float64      `json:"altitude"`
	Pos      memory.Point `json:"pos"`
}

var sectorNames = [3][3]string{
	{"north-west", "north", "north-east"},
	{"west", "center", "east"},
	{"south-west", "south", "south-east"},
}

// Locate names the sector (thirds of the map) and terrain type of word.
func (s *Store) Locate(word string) (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.concepts[word]
	if !ok {
		return Location{}, false
	}
	third := float64(s.cfg.Size) / 3
	col := min(2, int(c.Pos.X/third))
	row := min(2, int(c.Pos.Y/third))
	alt := s.altitudeLocked(c.Pos.X, c.Pos.Y)
	return Location{
		Sector:   sectorNames[row][col],
		Terrain:  terrainType(alt),
		Altitude: alt,
		Pos:      c.Pos,
	}, true
}

func terrainType(alt float64) string {
	switch {
	case alt > 0.7:
		return "peak"
	case alt > 0.55:
		return "hills"
	case alt < 0.3:
		return "abyss"
	case alt < 0.45:
		return "valley"
	default:
		return "plains"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Spatial gradient
// ─────────────────────────────────────────────────────────────────────────────

// Cell is a position in the agent's external world, stored as the concept
// "LOC:x:y".
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Key returns the concept name of the cell.
func (c Cell) Key() string { return fmt.Sprintf("LOC:%d:%d", c.X, c.Y) }

// Direction names a neighbouring cell.
type Direction string

const (
	North Direction = "N"
	South Direction = "S"
	East  Direction = "E"
	West  Direction = "W"
)

var directions = []struct {
	dir    Direction
	dx, dy int
}{
	{North, 0, -1},
	{South, 0, 1},
	{East, 1, 0},
	{West, -1, 0},
}

const (
	// unknownCrowded scores an unvisited cell next to known concepts.
	unknownCrowded = 0.8
	// unknownWild scores an unvisited cell with nothing around it.
	unknownWild = 1.0
)

// SpatialGradient scores the four neighbours of cell. Visited cells score
// valence + 2·novelty with novelty = 1/access_count. Unvisited cells always
// invite exploration: 0.8 when known concepts lie within ProbeRadius of the
// cell's map position, 1.0 otherwise.
func (s *Store) SpatialGradient(cell Cell) map[Direction]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores := make(map[Direction]float64, len(directions))
	tree := s.treeLocked()
	for _, d := range directions {
		n := Cell{X: cell.X + d.dx, Y: cell.Y + d.dy}
		if c, ok := s.concepts[n.Key()]; ok {
			novelty := 1 / float64(max(1, c.AccessCount))
			scores[d.dir] = c.Valence + 2*novelty
			continue
		}
		if tree.any(memory.Point{X: float64(n.X), Y: float64(n.Y)}, s.cfg.ProbeRadius) {
			scores[d.dir] = unknownCrowded
		} else {
			scores[d.dir] = unknownWild
		}
	}
	return scores
}
