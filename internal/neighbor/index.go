// Package neighbor provides the precomputed spatial adjacency index used by
// contact-based filter predicates. The index is built once per dataset and is
// read-only afterwards, so it is safe to share across sessions.
package neighbor

import (
	"context"
	"fmt"
	"math"

	"github.com/wishgale/cytokit/internal/feature"
)

// InvalidRadiusError indicates a non-positive contact radius.
type InvalidRadiusError struct {
	Radius float64
}

func (e *InvalidRadiusError) Error() string {
	return fmt.Sprintf("invalid neighbor radius: %g (must be > 0)", e.Radius)
}

// Index maps each table row to the rows within the contact radius. The
// relation is symmetric and never includes the row itself.
type Index struct {
	radius    float64
	neighbors [][]uint32
	stats     BuildStats
}

// BuildStats discloses how the grid partitioning worked out for a dataset.
// A large MaxBucket relative to RowCount means the data is clustered into
// few grid cells and lookups degrade toward pairwise comparison.
type BuildStats struct {
	RowCount  int
	Buckets   int
	MaxBucket int
	Pairs     int
}

// gridKey uses int64 coordinates so huge positions with a small radius still
// map to well-defined, adjacent buckets.
type gridKey struct {
	x, y, z int64
}

// BuildIndex partitions space into a uniform grid with cell size equal to the
// radius and compares each record only against records in adjacent grid
// cells. Expected work is O(n) for spatially uniform data. The context
// cancels a long-running build; a cancelled build discards partial state.
func BuildIndex(ctx context.Context, table *feature.Table, radius float64) (*Index, error) {
	if radius <= 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, &InvalidRadiusError{Radius: radius}
	}

	n := table.RowCount()
	idx := &Index{
		radius:    radius,
		neighbors: make([][]uint32, n),
		stats:     BuildStats{RowCount: n},
	}

	grid := make(map[gridKey][]uint32, n)
	pos := make([]feature.Position, n)
	for i := 0; i < n; i++ {
		p := table.PositionAt(uint32(i))
		pos[i] = p
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
			// Cells with missing positions are isolated by definition.
			continue
		}
		k := keyFor(p, radius)
		grid[k] = append(grid[k], uint32(i))
	}

	idx.stats.Buckets = len(grid)
	for _, bucket := range grid {
		if len(bucket) > idx.stats.MaxBucket {
			idx.stats.MaxBucket = len(bucket)
		}
	}

	r2 := radius * radius
	for k, bucket := range grid {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for dx := int64(-1); dx <= 1; dx++ {
			for dy := int64(-1); dy <= 1; dy++ {
				for dz := int64(-1); dz <= 1; dz++ {
					other, ok := grid[gridKey{k.x + dx, k.y + dy, k.z + dz}]
					if !ok {
						continue
					}
					for _, a := range bucket {
						for _, b := range other {
							// Record each unordered pair once; symmetry
							// comes from appending both directions.
							if a >= b {
								continue
							}
							if dist2(pos[a], pos[b]) <= r2 {
								idx.neighbors[a] = append(idx.neighbors[a], b)
								idx.neighbors[b] = append(idx.neighbors[b], a)
								idx.stats.Pairs++
							}
						}
					}
				}
			}
		}
	}

	return idx, nil
}

func keyFor(p feature.Position, radius float64) gridKey {
	return gridKey{
		x: int64(math.Floor(p.X / radius)),
		y: int64(math.Floor(p.Y / radius)),
		z: int64(math.Floor(p.Z / radius)),
	}
}

func dist2(a, b feature.Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}

// Radius returns the contact radius the index was built with.
func (idx *Index) Radius() float64 {
	return idx.radius
}

// NeighborsOf returns the row indices within the contact radius of a row.
// An isolated row yields an empty slice, not an error. The returned slice is
// shared index storage and must not be modified.
func (idx *Index) NeighborsOf(row uint32) []uint32 {
	return idx.neighbors[row]
}

// NeighborCount returns the number of rows within the contact radius of a row.
func (idx *Index) NeighborCount(row uint32) int {
	return len(idx.neighbors[row])
}

// Stats returns build statistics for load-time reporting.
func (idx *Index) Stats() BuildStats {
	return idx.stats
}
