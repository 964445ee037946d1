// Package api provides HTTP handlers for the explorer server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wishgale/cytokit/internal/exportstore"
	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/filter"
	"github.com/wishgale/cytokit/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		// Rendered view of the current match set
		r.Get("/view.png", viewHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/columns", columnsHandler)
			r.Get("/columns/{column}/summary", columnSummaryHandler)
			r.Get("/filters", filtersHandler)
			r.Put("/filters/{name}", applyFilterHandler)
			r.Delete("/filters/{name}", removeFilterHandler)
			r.Get("/result", resultHandler)
			r.Get("/cells/{id}", cellHandler)
			r.Get("/stats", statsHandler)

			// Export job endpoints
			r.Route("/export/jobs", func(r chi.Router) {
				r.Post("/", exportJobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", exportJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/download", exportJobDownloadHandler(cfg.JobManager))
				r.Delete("/{job_id}", exportJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset explorer
type ctxKey string

const datasetExplorerKey ctxKey = "datasetExplorer"

// datasetMiddleware resolves the dataset from URL and injects the explorer into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			exp := registry.Get(datasetID)
			if exp == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetExplorerKey, exp)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getExplorer(r *http.Request) *service.Explorer {
	if exp, ok := r.Context().Value(datasetExplorerKey).(*service.Explorer); ok {
		return exp
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		writeJSON(w, response)
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, exp.Metadata())
}

func columnsHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}
	table := exp.Table()
	writeJSON(w, map[string]interface{}{
		"columns":            table.Columns(),
		"channel_columns":    table.ChannelColumns(),
		"morphology_columns": table.MorphologyColumns(),
		"total":              len(table.Columns()),
	})
}

func columnSummaryHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	column := chi.URLParam(r, "column")
	summary, err := exp.Summary(column)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, summary)
}

// filterItem is the wire form of one active filter.
type filterItem struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Column   string    `json:"column,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Values   []float64 `json:"values,omitempty"`
	MinCount *int      `json:"min_count,omitempty"`
	MaxCount *int      `json:"max_count,omitempty"`
}

func filterItems(set *filter.Set) []filterItem {
	items := make([]filterItem, 0, set.Len())
	for _, name := range set.Names() {
		p, ok := set.Get(name)
		if !ok {
			continue
		}
		item := filterItem{Name: name, Kind: string(p.Kind())}
		switch p.Kind() {
		case filter.KindRange:
			item.Column = p.Column()
			min, max := p.Bounds()
			item.Min = &min
			item.Max = &max
		case filter.KindSet:
			item.Column = p.Column()
			item.Values = p.Values()
		case filter.KindNeighborCount:
			minCount, maxCount := p.CountBounds()
			item.MinCount = &minCount
			if maxCount >= 0 {
				item.MaxCount = &maxCount
			}
		}
		items = append(items, item)
	}
	return items
}

func filtersHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}
	set := exp.Filters()
	writeJSON(w, map[string]interface{}{
		"filters": filterItems(set),
		"total":   set.Len(),
	})
}

// filterRequest is the body of PUT /api/filters/{name}.
type filterRequest struct {
	Kind     string    `json:"kind"`
	Column   string    `json:"column"`
	Min      *float64  `json:"min"`
	Max      *float64  `json:"max"`
	Values   []float64 `json:"values"`
	MinCount int       `json:"min_count"`
	MaxCount *int      `json:"max_count"`
}

func buildPredicate(req filterRequest) (filter.Predicate, error) {
	switch req.Kind {
	case "range":
		min := math.Inf(-1)
		max := math.Inf(1)
		if req.Min != nil {
			min = *req.Min
		}
		if req.Max != nil {
			max = *req.Max
		}
		return filter.NewRange(req.Column, min, max)
	case "set":
		return filter.NewValueSet(req.Column, req.Values)
	case "neighbor_count":
		maxCount := -1
		if req.MaxCount != nil {
			maxCount = *req.MaxCount
		}
		return filter.NewNeighborCount(req.MinCount, maxCount)
	default:
		return filter.Predicate{}, errors.New("invalid kind (expected range, set or neighbor_count)")
	}
}

func applyFilterHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	name := chi.URLParam(r, "name")
	if strings.TrimSpace(name) == "" {
		http.Error(w, "filter name is required", http.StatusBadRequest)
		return
	}

	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	p, err := buildPredicate(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := exp.ApplyFilter(name, p); err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	set := exp.Filters()
	writeJSON(w, map[string]interface{}{
		"name":    name,
		"applied": true,
		"total":   set.Len(),
	})
}

func removeFilterHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	name := chi.URLParam(r, "name")
	exp.RemoveFilter(name)

	set := exp.Filters()
	writeJSON(w, map[string]interface{}{
		"name":    name,
		"removed": true,
		"total":   set.Len(),
	})
}

func resultHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	data, err := exp.ResultJSON()
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func cellHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid cell id", http.StatusBadRequest)
		return
	}

	rec := exp.Table().Record(id)
	if rec == nil {
		http.Error(w, "cell not found", http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":         rec.ID,
		"x":          rec.X,
		"y":          rec.Y,
		"z":          rec.Z,
		"region":     rec.Region,
		"tile_x":     rec.TileX,
		"tile_y":     rec.TileY,
		"quality":    rec.Quality,
		"channels":   rec.Channels,
		"morphology": rec.Morphology,
	})
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	stats := exp.Index().Stats()
	writeJSON(w, map[string]interface{}{
		"n_cells":          exp.Table().RowCount(),
		"n_columns":        len(exp.Table().Columns()),
		"active_filters":   exp.Filters().Len(),
		"neighbor_radius":  exp.Index().Radius(),
		"neighbor_buckets": stats.Buckets,
		"neighbor_pairs":   stats.Pairs,
		"max_bucket":       stats.MaxBucket,
		"cache":            exp.CacheStats(),
	})
}

func viewHandler(w http.ResponseWriter, r *http.Request) {
	exp := getExplorer(r)
	if exp == nil {
		http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
		return
	}

	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	colormap := r.URL.Query().Get("colormap")
	if colormap == "" {
		colormap = "viridis"
	}
	pointSize := parsePointSize(r.URL.Query())

	var (
		data []byte
		err  error
	)
	if channel == "" || channel == feature.ColRegion {
		data, err = exp.RenderRegionView(pointSize)
	} else {
		data, err = exp.RenderChannelView(channel, colormap, pointSize)
	}
	if err != nil {
		var uc *feature.UnknownColumnError
		if errors.As(err, &uc) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ = exp.EmptyView()
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write(data)
}

func parsePointSize(query url.Values) float64 {
	const defaultPointSize = 1.5
	raw := strings.TrimSpace(query.Get("point_size"))
	if raw == "" {
		return defaultPointSize
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return defaultPointSize
	}
	if v < 0.1 {
		v = 0.1
	}
	if v > 10.0 {
		v = 10.0
	}
	// Quantize for stable caching.
	return math.Round(v*1000) / 1000
}

// Export job handlers

type exportJobSubmitRequest struct {
	Columns  []string `json:"columns"`
	Compress bool     `json:"compress"`
}

func exportJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		exp := getExplorer(r)
		if exp == nil {
			http.Error(w, "dataset explorer not found", http.StatusInternalServerError)
			return
		}

		var req exportJobSubmitRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Validate requested columns up front so a typo fails at submit time.
		for _, col := range req.Columns {
			if !exp.Table().HasColumn(col) {
				http.Error(w, (&feature.UnknownColumnError{Column: col}).Error(), http.StatusBadRequest)
				return
			}
		}

		datasetID := chi.URLParam(r, "dataset")
		params := exportstore.JobParams{
			DatasetID:       datasetID,
			FilterSignature: exp.Filters().Signature(),
			Columns:         req.Columns,
			Compress:        req.Compress,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func exportJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, map[string]interface{}{
			"job_id":       job.ID,
			"status":       job.Status,
			"created_at":   job.CreatedAt,
			"started_at":   job.StartedAt,
			"finished_at":  job.FinishedAt,
			"rows_written": job.RowsWritten,
			"rows_total":   job.RowsTotal,
			"error":        job.Error,
		})
	}
}

func exportJobDownloadHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != exportstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		info, err := os.Stat(job.OutputPath)
		if err != nil || info.IsDir() {
			http.Error(w, "export file not found", http.StatusNotFound)
			return
		}

		filename := filepath.Base(job.OutputPath)
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
		if disposition != "" {
			w.Header().Set("Content-Disposition", disposition)
		} else {
			w.Header().Set("Content-Disposition", "attachment")
		}
		w.Header().Set("Content-Type", "application/octet-stream")

		http.ServeFile(w, r, job.OutputPath)
	}
}

func exportJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(job.ID)

		writeJSON(w, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": true,
		})
	}
}

// jobForRequest loads the job and checks it belongs to the dataset in the URL.
func jobForRequest(jm *JobManager, r *http.Request) *exportstore.Job {
	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil {
		return nil
	}
	if job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	var uc *feature.UnknownColumnError
	if errors.As(err, &uc) {
		return http.StatusBadRequest
	}
	if errors.Is(err, feature.ErrEmptyDataset) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
