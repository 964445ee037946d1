// Package service provides business logic for the explorer server.
package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wishgale/cytokit/internal/cache"
	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/filter"
	"github.com/wishgale/cytokit/internal/neighbor"
	"github.com/wishgale/cytokit/internal/render"
	"github.com/wishgale/cytokit/internal/session"
)

// ExplorerConfig contains explorer service configuration.
type ExplorerConfig struct {
	DatasetID string
	Table     *feature.Table
	Index     *neighbor.Index
	Session   *session.Session
	Cache     *cache.Manager
	Renderer  *render.ViewRenderer
}

// Explorer serves filter state, result sets and rendered views for one dataset.
type Explorer struct {
	datasetID string
	table     *feature.Table
	index     *neighbor.Index
	session   *session.Session
	cache     *cache.Manager
	renderer  *render.ViewRenderer

	summaryMu    sync.Mutex
	summaryCache map[string]*feature.ColumnSummary
}

// NewExplorer creates a new explorer service.
func NewExplorer(cfg ExplorerConfig) *Explorer {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	return &Explorer{
		datasetID:    datasetID,
		table:        cfg.Table,
		index:        cfg.Index,
		session:      cfg.Session,
		cache:        cfg.Cache,
		renderer:     cfg.Renderer,
		summaryCache: make(map[string]*feature.ColumnSummary),
	}
}

// DatasetID returns the dataset this service exposes.
func (e *Explorer) DatasetID() string { return e.datasetID }

// Table returns the loaded feature table.
func (e *Explorer) Table() *feature.Table { return e.table }

// Index returns the neighbor index.
func (e *Explorer) Index() *neighbor.Index { return e.index }

// Session returns the interactive session.
func (e *Explorer) Session() *session.Session { return e.session }

// Metadata describes the dataset shape for the API.
type Metadata struct {
	DatasetID         string         `json:"dataset_id"`
	NCells            int            `json:"n_cells"`
	Columns           []string       `json:"columns"`
	ChannelColumns    []string       `json:"channel_columns"`
	MorphologyColumns []string       `json:"morphology_columns"`
	Bounds            feature.Bounds `json:"bounds"`
	NeighborRadius    float64        `json:"neighbor_radius"`
}

// Metadata returns the dataset shape.
func (e *Explorer) Metadata() Metadata {
	return Metadata{
		DatasetID:         e.datasetID,
		NCells:            e.table.RowCount(),
		Columns:           e.table.Columns(),
		ChannelColumns:    e.table.ChannelColumns(),
		MorphologyColumns: e.table.MorphologyColumns(),
		Bounds:            e.table.Bounds(),
		NeighborRadius:    e.index.Radius(),
	}
}

// Summary returns the cached distribution summary for a column, computing it
// on first use. Summaries are filter-independent.
func (e *Explorer) Summary(column string) (*feature.ColumnSummary, error) {
	e.summaryMu.Lock()
	defer e.summaryMu.Unlock()

	if s, ok := e.summaryCache[column]; ok {
		return s, nil
	}
	s, err := e.table.Summarize(column)
	if err != nil {
		return nil, err
	}
	e.summaryCache[column] = s
	return s, nil
}

// ResultJSON returns the current result serialized as JSON, cached by filter
// signature so repeated polls for an unchanged filter set skip re-encoding.
func (e *Explorer) ResultJSON() ([]byte, error) {
	res, err := e.session.CurrentResult()
	if err != nil {
		return nil, err
	}

	key := cache.ResultKey(e.datasetID, res.Signature)
	if data, ok := e.cache.GetResult(key); ok {
		return data, nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	e.cache.SetResult(key, data)
	return data, nil
}

// ApplyFilter adds or replaces a named filter on the session.
func (e *Explorer) ApplyFilter(name string, p filter.Predicate) error {
	return e.session.ApplyFilter(name, p)
}

// RemoveFilter deletes a named filter from the session.
func (e *Explorer) RemoveFilter(name string) {
	e.session.RemoveFilter(name)
}

// Filters returns a snapshot of the active filter set.
func (e *Explorer) Filters() *filter.Set {
	return e.session.Filters()
}

// RenderChannelView renders the current result set as a scatter view colored
// by a numeric column. Rendered views are cached keyed by the filter
// signature, so repeated polls for an unchanged filter set hit the cache.
func (e *Explorer) RenderChannelView(column, colormapName string, pointSize float64) ([]byte, error) {
	if !e.table.HasColumn(column) {
		return nil, &feature.UnknownColumnError{Column: column}
	}

	res, err := e.session.CurrentResult()
	if err != nil {
		return nil, err
	}

	sizeKey := int(pointSize * 1000)
	key := cache.ViewKey(e.datasetID, res.Signature, column, colormapName, sizeKey)
	if data, ok := e.cache.GetView(key); ok {
		return data, nil
	}

	values, err := e.table.Column(column)
	if err != nil {
		return nil, err
	}
	summary, err := e.Summary(column)
	if err != nil {
		return nil, err
	}

	// Clamp the color range at the 80th percentile so a few bright outliers
	// do not wash out the rest of the view.
	vmin := summary.Min
	vmax := summary.P80
	if vmax <= vmin {
		vmax = summary.Max
	}

	xs := make([]float64, len(res.Rows))
	ys := make([]float64, len(res.Rows))
	vals := make([]float64, len(res.Rows))
	for i, row := range res.Rows {
		p := e.table.PositionAt(row)
		xs[i] = p.X
		ys[i] = p.Y
		vals[i] = values[row]
	}

	data, err := e.renderer.RenderView(xs, ys, vals, e.table.Bounds(), vmin, vmax, colormapName, pointSize)
	if err != nil {
		return nil, fmt.Errorf("render view for %s: %w", column, err)
	}

	e.cache.SetView(key, data)
	return data, nil
}

// RenderRegionView renders the current result set colored by acquisition
// region using the categorical palette.
func (e *Explorer) RenderRegionView(pointSize float64) ([]byte, error) {
	if !e.table.HasColumn(feature.ColRegion) {
		return nil, &feature.UnknownColumnError{Column: feature.ColRegion}
	}

	res, err := e.session.CurrentResult()
	if err != nil {
		return nil, err
	}

	sizeKey := int(pointSize * 1000)
	key := cache.ViewKey(e.datasetID, res.Signature, feature.ColRegion, "categorical", sizeKey)
	if data, ok := e.cache.GetView(key); ok {
		return data, nil
	}

	regions, err := e.table.Column(feature.ColRegion)
	if err != nil {
		return nil, err
	}

	xs := make([]float64, len(res.Rows))
	ys := make([]float64, len(res.Rows))
	cats := make([]int, len(res.Rows))
	for i, row := range res.Rows {
		p := e.table.PositionAt(row)
		xs[i] = p.X
		ys[i] = p.Y
		cats[i] = int(regions[row])
	}

	data, err := e.renderer.RenderCategoryView(xs, ys, cats, e.table.Bounds(), pointSize)
	if err != nil {
		return nil, fmt.Errorf("render region view: %w", err)
	}

	e.cache.SetView(key, data)
	return data, nil
}

// EmptyView returns a transparent placeholder image.
func (e *Explorer) EmptyView() ([]byte, error) {
	return e.renderer.CreateEmptyView()
}

// CacheStats exposes cache counters for the stats endpoint.
func (e *Explorer) CacheStats() map[string]interface{} {
	if e.cache == nil {
		return nil
	}
	return e.cache.Stats()
}
