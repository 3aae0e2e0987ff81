package spatial

import (
	"sort"

	"github.com/MrWong99/strata/pkg/memory"
)

type kdItem struct {
	name string
	p    memory.Point
}

// kdTree is an implicit, balanced 2-d tree over a slice: the median of every
// sub-range sits at its midpoint, smaller coordinates to the left. It is
// rebuilt from scratch whenever coordinates change.
type kdTree struct {
	items []kdItem
}

func buildKD(items []kdItem) *kdTree {
	buildRange(items, 0)
	return &kdTree{items: items}
}

func buildRange(items []kdItem, depth int) {
	if len(items) <= 1 {
		return
	}
	axis := depth % 2
	sort.Slice(items, func(i, j int) bool {
		return coord(items[i].p, axis) < coord(items[j].p, axis)
	})
	mid := len(items) / 2
	buildRange(items[:mid], depth+1)
	buildRange(items[mid+1:], depth+1)
}

func coord(p memory.Point, axis int) float64 {
	if axis == 0 {
		return p.X
	}
	return p.Y
}

// within calls fn for every item at distance <= r from q.
func (t *kdTree) within(q memory.Point, r float64, fn func(it kdItem, d float64)) {
	search(t.items, 0, q, r, fn)
}

// any reports whether at least one item lies within r of q.
func (t *kdTree) any(q memory.Point, r float64) bool {
	found := false
	search(t.items, 0, q, r, func(kdItem, float64) { found = true })
	return found
}

func search(items []kdItem, depth int, q memory.Point, r float64, fn func(kdItem, float64)) {
	if len(items) == 0 {
		return
	}
	mid := len(items) / 2
	it := items[mid]
	if d := it.p.Dist(q); d <= r {
		fn(it, d)
	}
	diff := coord(q, depth%2) - coord(it.p, depth%2)
	if diff <= r {
		search(items[:mid], depth+1, q, r, fn)
	}
	if diff >= -r {
		search(items[mid+1:], depth+1, q, r, fn)
	}
}
