package api

import (
	"github.com/wishgale/cytokit/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	NCells int    `json:"n_cells"`
}

// DatasetRegistry holds explorer services for all configured datasets.
type DatasetRegistry struct {
	explorers      map[string]*service.Explorer
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		explorers:      make(map[string]*service.Explorer),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds an explorer service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, exp *service.Explorer) {
	r.explorers[datasetID] = exp
}

// Get returns the explorer service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Explorer {
	return r.explorers[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Cytokit Explorer"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		exp := r.explorers[id]
		if exp == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			NCells: exp.Table().RowCount(),
		})
	}
	return infos
}
