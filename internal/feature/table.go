// Package feature holds the immutable per-cell measurement table that a
// session filters against. A table is built once from a dataset source and
// never mutated; reloading a dataset builds a new table.
package feature

import (
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Reserved column names always present on a table, in addition to the
// dataset's channel and morphology columns.
const (
	ColX       = "x"
	ColY       = "y"
	ColZ       = "z"
	ColQuality = "quality"
	ColRegion  = "region"
	ColTileX   = "tile_x"
	ColTileY   = "tile_y"
)

// CellRecord is one row of per-cell measurements as supplied by a dataset
// source. Channel and morphology maps must carry the same keys on every
// record of a dataset.
type CellRecord struct {
	ID         int64
	X, Y, Z    float64
	Region     int
	TileX      int
	TileY      int
	Channels   map[string]float64
	Morphology map[string]float64
	Quality    float64
}

// Position is a cell centroid in dataset coordinates.
type Position struct {
	X, Y, Z float64
}

// Table is a column-oriented, immutable view of a loaded dataset. Row order
// follows the order records were supplied in; row indices are stable for the
// lifetime of the table.
type Table struct {
	ids     []int64
	idToRow map[int64]uint32

	columns    map[string][]float64
	colNames   []string
	chanNames  []string
	morphNames []string

	// Rows whose value for a column was non-finite in the source data.
	// Such rows never match a predicate on that column.
	missing map[string]*roaring.Bitmap

	bounds Bounds
}

// Bounds is the spatial extent of the table's cell positions.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// LoadTable builds a table from cell records. It fails with ErrEmptyDataset
// for zero records and with SchemaError when records disagree on channel or
// morphology columns, or reuse a cell ID.
func LoadTable(records []CellRecord) (*Table, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}

	first := records[0]
	chanNames := sortedKeys(first.Channels)
	morphNames := sortedKeys(first.Morphology)

	// Measurement columns share one namespace with the reserved columns; a
	// collision would silently overwrite position or quality storage.
	seen := map[string]struct{}{
		ColX: {}, ColY: {}, ColZ: {}, ColQuality: {},
		ColRegion: {}, ColTileX: {}, ColTileY: {},
	}
	for _, name := range chanNames {
		if _, dup := seen[name]; dup {
			return nil, &SchemaError{CellID: first.ID, Detail: fmt.Sprintf("channel column %q collides with a reserved column", name)}
		}
		seen[name] = struct{}{}
	}
	for _, name := range morphNames {
		if _, dup := seen[name]; dup {
			return nil, &SchemaError{CellID: first.ID, Detail: fmt.Sprintf("morphology column %q collides with another column", name)}
		}
		seen[name] = struct{}{}
	}

	n := len(records)
	t := &Table{
		ids:     make([]int64, n),
		idToRow: make(map[int64]uint32, n),
		columns: make(map[string][]float64),
		missing: make(map[string]*roaring.Bitmap),
	}

	t.chanNames = chanNames
	t.morphNames = morphNames
	t.colNames = append(t.colNames, ColX, ColY, ColZ, ColQuality, ColRegion, ColTileX, ColTileY)
	t.colNames = append(t.colNames, chanNames...)
	t.colNames = append(t.colNames, morphNames...)
	for _, name := range t.colNames {
		t.columns[name] = make([]float64, n)
		t.missing[name] = roaring.New()
	}

	for i, rec := range records {
		row := uint32(i)
		if _, dup := t.idToRow[rec.ID]; dup {
			return nil, &SchemaError{CellID: rec.ID, Detail: "duplicate cell id"}
		}
		t.ids[i] = rec.ID
		t.idToRow[rec.ID] = row

		if len(rec.Channels) != len(chanNames) {
			return nil, &SchemaError{
				CellID: rec.ID,
				Detail: fmt.Sprintf("expected %d channel columns, got %d", len(chanNames), len(rec.Channels)),
			}
		}
		if len(rec.Morphology) != len(morphNames) {
			return nil, &SchemaError{
				CellID: rec.ID,
				Detail: fmt.Sprintf("expected %d morphology columns, got %d", len(morphNames), len(rec.Morphology)),
			}
		}

		t.setValue(ColX, row, rec.X)
		t.setValue(ColY, row, rec.Y)
		t.setValue(ColZ, row, rec.Z)
		t.setValue(ColQuality, row, rec.Quality)
		t.setValue(ColRegion, row, float64(rec.Region))
		t.setValue(ColTileX, row, float64(rec.TileX))
		t.setValue(ColTileY, row, float64(rec.TileY))

		for _, name := range chanNames {
			v, ok := rec.Channels[name]
			if !ok {
				return nil, &SchemaError{CellID: rec.ID, Detail: "missing channel column " + name}
			}
			t.setValue(name, row, v)
		}
		for _, name := range morphNames {
			v, ok := rec.Morphology[name]
			if !ok {
				return nil, &SchemaError{CellID: rec.ID, Detail: "missing morphology column " + name}
			}
			t.setValue(name, row, v)
		}
	}

	t.computeBounds()
	return t, nil
}

func (t *Table) setValue(col string, row uint32, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		t.missing[col].Add(row)
		t.columns[col][row] = math.NaN()
		return
	}
	t.columns[col][row] = v
}

func (t *Table) computeBounds() {
	b := Bounds{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
		MinZ: math.Inf(1), MaxZ: math.Inf(-1),
	}
	xs, ys, zs := t.columns[ColX], t.columns[ColY], t.columns[ColZ]
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) || math.IsNaN(zs[i]) {
			continue
		}
		b.MinX = math.Min(b.MinX, xs[i])
		b.MaxX = math.Max(b.MaxX, xs[i])
		b.MinY = math.Min(b.MinY, ys[i])
		b.MaxY = math.Max(b.MaxY, ys[i])
		b.MinZ = math.Min(b.MinZ, zs[i])
		b.MaxZ = math.Max(b.MaxZ, zs[i])
	}
	t.bounds = b
}

// RowCount returns the number of cell records in the table.
func (t *Table) RowCount() int {
	return len(t.ids)
}

// Columns returns the table's column names in a stable order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.colNames))
	copy(out, t.colNames)
	return out
}

// HasColumn reports whether the table carries the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// Column returns the values of a column in row order. The returned slice is
// shared table storage and must not be modified by callers.
func (t *Table) Column(name string) ([]float64, error) {
	vals, ok := t.columns[name]
	if !ok {
		return nil, &UnknownColumnError{Column: name}
	}
	return vals, nil
}

// Missing returns the set of rows whose value for a column is marked missing.
// The returned bitmap is shared table storage and must not be modified.
func (t *Table) Missing(name string) (*roaring.Bitmap, error) {
	m, ok := t.missing[name]
	if !ok {
		return nil, &UnknownColumnError{Column: name}
	}
	return m, nil
}

// IDs returns all cell IDs in row order. The slice is shared table storage.
func (t *Table) IDs() []int64 {
	return t.ids
}

// IDAt returns the cell ID at a row index.
func (t *Table) IDAt(row uint32) int64 {
	return t.ids[row]
}

// RowOf resolves a cell ID to its row index.
func (t *Table) RowOf(id int64) (uint32, bool) {
	row, ok := t.idToRow[id]
	return row, ok
}

// PositionAt returns the centroid of the cell at a row index.
func (t *Table) PositionAt(row uint32) Position {
	return Position{
		X: t.columns[ColX][row],
		Y: t.columns[ColY][row],
		Z: t.columns[ColZ][row],
	}
}

// Bounds returns the spatial extent of all cell positions.
func (t *Table) Bounds() Bounds {
	return t.bounds
}

// Record materializes the full cell record for an ID, for single-cell detail
// lookups. Returns nil when the ID is not in the table.
func (t *Table) Record(id int64) *CellRecord {
	row, ok := t.idToRow[id]
	if !ok {
		return nil
	}

	rec := &CellRecord{
		ID:         id,
		X:          t.columns[ColX][row],
		Y:          t.columns[ColY][row],
		Z:          t.columns[ColZ][row],
		Region:     int(t.columns[ColRegion][row]),
		TileX:      int(t.columns[ColTileX][row]),
		TileY:      int(t.columns[ColTileY][row]),
		Quality:    t.columns[ColQuality][row],
		Channels:   make(map[string]float64),
		Morphology: make(map[string]float64),
	}
	for _, name := range t.chanNames {
		rec.Channels[name] = t.columns[name][row]
	}
	for _, name := range t.morphNames {
		rec.Morphology[name] = t.columns[name][row]
	}
	return rec
}

// ChannelColumns returns the names of the table's intensity channel columns.
func (t *Table) ChannelColumns() []string {
	out := make([]string, len(t.chanNames))
	copy(out, t.chanNames)
	return out
}

// MorphologyColumns returns the names of the table's morphology columns.
func (t *Table) MorphologyColumns() []string {
	out := make([]string, len(t.morphNames))
	copy(out, t.morphNames)
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
