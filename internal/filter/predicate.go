// Package filter compiles analyst constraints into evaluable predicates over
// a feature table. Predicates form a closed tagged variant validated at
// construction; filters compose by conjunction only.
package filter

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Kind tags the predicate variants.
type Kind string

const (
	KindRange         Kind = "range"
	KindSet           Kind = "set"
	KindNeighborCount Kind = "neighbor_count"
)

// Predicate is a single named constraint on one column or on the derived
// neighbor count. Predicates are immutable after construction and stateless
// to evaluate.
type Predicate struct {
	kind   Kind
	column string

	// range
	min, max float64

	// set membership, kept sorted for signature stability
	values []float64

	// neighbor count bounds; max < 0 means unbounded above
	minCount, maxCount int
}

// NewRange builds a closed numeric range predicate over a column.
func NewRange(column string, min, max float64) (Predicate, error) {
	if column == "" {
		return Predicate{}, fmt.Errorf("range filter requires a column name")
	}
	if math.IsNaN(min) || math.IsNaN(max) {
		return Predicate{}, fmt.Errorf("range filter bounds must be numbers (column %s)", column)
	}
	if max < min {
		return Predicate{}, fmt.Errorf("range filter has max < min (column %s: [%g, %g])", column, min, max)
	}
	return Predicate{kind: KindRange, column: column, min: min, max: max}, nil
}

// NewValueSet builds a set-membership predicate over a categorical column.
func NewValueSet(column string, values []float64) (Predicate, error) {
	if column == "" {
		return Predicate{}, fmt.Errorf("set filter requires a column name")
	}
	if len(values) == 0 {
		return Predicate{}, fmt.Errorf("set filter requires at least one accepted value (column %s)", column)
	}
	vals := make([]float64, len(values))
	copy(vals, values)
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Predicate{}, fmt.Errorf("set filter values must be finite (column %s)", column)
		}
	}
	sort.Float64s(vals)
	return Predicate{kind: KindSet, column: column, values: vals}, nil
}

// NewNeighborCount builds a predicate on the derived neighbor count.
// maxCount < 0 leaves the upper bound open.
func NewNeighborCount(minCount, maxCount int) (Predicate, error) {
	if minCount < 0 {
		return Predicate{}, fmt.Errorf("neighbor count filter has negative lower bound %d", minCount)
	}
	if maxCount >= 0 && maxCount < minCount {
		return Predicate{}, fmt.Errorf("neighbor count filter has max %d < min %d", maxCount, minCount)
	}
	return Predicate{kind: KindNeighborCount, minCount: minCount, maxCount: maxCount}, nil
}

// Kind returns the predicate's variant tag.
func (p Predicate) Kind() Kind { return p.kind }

// Column returns the constrained column, empty for neighbor-count predicates.
func (p Predicate) Column() string { return p.column }

// Bounds returns the numeric bounds of a range predicate.
func (p Predicate) Bounds() (min, max float64) { return p.min, p.max }

// Values returns the accepted values of a set predicate in sorted order.
func (p Predicate) Values() []float64 {
	out := make([]float64, len(p.values))
	copy(out, p.values)
	return out
}

// CountBounds returns the bounds of a neighbor-count predicate.
func (p Predicate) CountBounds() (min, max int) { return p.minCount, p.maxCount }

func (p Predicate) String() string {
	switch p.kind {
	case KindRange:
		return fmt.Sprintf("%s in [%g, %g]", p.column, p.min, p.max)
	case KindSet:
		return fmt.Sprintf("%s in set of %d values", p.column, len(p.values))
	case KindNeighborCount:
		if p.maxCount < 0 {
			return fmt.Sprintf("neighbor_count >= %d", p.minCount)
		}
		return fmt.Sprintf("neighbor_count in [%d, %d]", p.minCount, p.maxCount)
	}
	return "invalid predicate"
}

func (p Predicate) writeSignature(d *xxhash.Digest) {
	var buf [8]byte
	d.WriteString(string(p.kind))
	d.WriteString(p.column)
	switch p.kind {
	case KindRange:
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.min))
		d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.max))
		d.Write(buf[:])
	case KindSet:
		for _, v := range p.values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			d.Write(buf[:])
		}
	case KindNeighborCount:
		binary.LittleEndian.PutUint64(buf[:], uint64(p.minCount))
		d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(p.maxCount)))
		d.Write(buf[:])
	}
}

// Set is the active filter set: an ordered mapping from filter name to
// predicate, mutated only by explicit add/update/remove.
type Set struct {
	order []string
	preds map[string]Predicate
}

// NewSet returns an empty active filter set.
func NewSet() *Set {
	return &Set{preds: make(map[string]Predicate)}
}

// Apply adds or replaces the named filter.
func (s *Set) Apply(name string, p Predicate) {
	if _, exists := s.preds[name]; !exists {
		s.order = append(s.order, name)
	}
	s.preds[name] = p
}

// Remove deletes the named filter. Removing an absent name is a no-op and
// reports false.
func (s *Set) Remove(name string) bool {
	if _, exists := s.preds[name]; !exists {
		return false
	}
	delete(s.preds, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of active filters.
func (s *Set) Len() int { return len(s.preds) }

// Names returns the filter names in application order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the named predicate.
func (s *Set) Get(name string) (Predicate, bool) {
	p, ok := s.preds[name]
	return p, ok
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := NewSet()
	for _, name := range s.order {
		c.Apply(name, s.preds[name])
	}
	return c
}

// Signature returns a stable hash of the set's contents. Names are hashed in
// sorted order so that application order, which never affects the match set,
// does not affect the signature either.
func (s *Set) Signature() uint64 {
	names := make([]string, len(s.order))
	copy(names, s.order)
	sort.Strings(names)

	d := xxhash.New()
	for _, name := range names {
		d.WriteString(name)
		p := s.preds[name]
		p.writeSignature(d)
	}
	return d.Sum64()
}
