package filter

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/neighbor"
)

// Evaluate computes the set of table rows matching every predicate in the
// active filter set. Predicates are evaluated independently and the results
// intersected, so evaluation order never affects the outcome. An empty set
// matches all rows. A predicate referencing an unknown column fails with
// feature.UnknownColumnError rather than being skipped.
func Evaluate(table *feature.Table, index *neighbor.Index, set *Set) (*roaring.Bitmap, error) {
	n := uint32(table.RowCount())
	if set == nil || set.Len() == 0 {
		all := roaring.New()
		all.AddRange(0, uint64(n))
		return all, nil
	}

	// Validate every column reference up front so a bad filter fails before
	// any work is spent, and so failure can never be order-dependent.
	for _, name := range set.Names() {
		p, _ := set.Get(name)
		if p.Kind() != KindNeighborCount && !table.HasColumn(p.Column()) {
			return nil, &feature.UnknownColumnError{Column: p.Column()}
		}
	}

	names := set.Names()
	partials := make([]*roaring.Bitmap, len(names))

	var g errgroup.Group
	g.SetLimit(len(names))
	for i, name := range names {
		i := i
		p, _ := set.Get(name)
		g.Go(func() error {
			m, err := evaluateOne(table, index, p)
			if err != nil {
				return err
			}
			partials[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Intersection is commutative and associative; fold left in any order.
	match := partials[0]
	for _, m := range partials[1:] {
		match.And(m)
	}
	return match, nil
}

func evaluateOne(table *feature.Table, index *neighbor.Index, p Predicate) (*roaring.Bitmap, error) {
	switch p.Kind() {
	case KindRange:
		return evaluateRange(table, p)
	case KindSet:
		return evaluateSet(table, p)
	case KindNeighborCount:
		return evaluateNeighborCount(table, index, p)
	}
	return nil, &feature.UnknownColumnError{Column: p.Column()}
}

func evaluateRange(table *feature.Table, p Predicate) (*roaring.Bitmap, error) {
	vals, err := table.Column(p.Column())
	if err != nil {
		return nil, err
	}
	min, max := p.Bounds()
	out := roaring.New()
	for i, v := range vals {
		// NaN marks a missing value and fails both comparisons.
		if v >= min && v <= max {
			out.Add(uint32(i))
		}
	}
	return out, nil
}

func evaluateSet(table *feature.Table, p Predicate) (*roaring.Bitmap, error) {
	vals, err := table.Column(p.Column())
	if err != nil {
		return nil, err
	}
	accept := make(map[float64]struct{}, len(p.Values()))
	for _, v := range p.Values() {
		accept[v] = struct{}{}
	}
	out := roaring.New()
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if _, ok := accept[v]; ok {
			out.Add(uint32(i))
		}
	}
	return out, nil
}

func evaluateNeighborCount(table *feature.Table, index *neighbor.Index, p Predicate) (*roaring.Bitmap, error) {
	min, max := p.CountBounds()
	out := roaring.New()
	n := table.RowCount()
	for i := 0; i < n; i++ {
		c := index.NeighborCount(uint32(i))
		if c < min {
			continue
		}
		if max >= 0 && c > max {
			continue
		}
		out.Add(uint32(i))
	}
	return out, nil
}
