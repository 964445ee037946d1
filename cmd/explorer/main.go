// Package main is the entry point for the Cytokit explorer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wishgale/cytokit/internal/api"
	"github.com/wishgale/cytokit/internal/cache"
	"github.com/wishgale/cytokit/internal/config"
	"github.com/wishgale/cytokit/internal/data/csvsource"
	"github.com/wishgale/cytokit/internal/data/tiledbsource"
	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/neighbor"
	"github.com/wishgale/cytokit/internal/render"
	"github.com/wishgale/cytokit/internal/sampling"
	"github.com/wishgale/cytokit/internal/service"
	"github.com/wishgale/cytokit/internal/session"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Cytokit explorer on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ViewCacheSizeMB: cfg.Cache.ViewSizeMB,
		ViewTTL:         time.Duration(cfg.Cache.ViewTTLMinutes) * time.Minute,
		ResultCacheSize: cfg.Cache.ResultCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize view renderer (shared across all datasets)
	renderer := render.NewViewRenderer(render.Config{
		ViewSize:        cfg.Render.ViewSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	// Initialize each dataset
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		records, err := loadRecords(ctx, datasetID, ds)
		if err != nil {
			log.Fatalf("Failed to load dataset %q: %v", datasetID, err)
		}

		table, err := feature.LoadTable(records)
		if err != nil {
			log.Fatalf("Failed to build feature table for dataset %q: %v", datasetID, err)
		}
		log.Printf("  [%s] Loaded from: %s", datasetID, ds.SourcePath)
		log.Printf("    Cells: %d, Channels: %d, Morphology: %d",
			table.RowCount(), len(table.ChannelColumns()), len(table.MorphologyColumns()))

		index, err := neighbor.BuildIndex(ctx, table, ds.Radius)
		if err != nil {
			log.Fatalf("Failed to build neighbor index for dataset %q: %v", datasetID, err)
		}
		stats := index.Stats()
		log.Printf("    Neighbor index: radius=%.1f, buckets=%d, pairs=%d, max_bucket=%d",
			ds.Radius, stats.Buckets, stats.Pairs, stats.MaxBucket)

		sess, err := session.Open(session.Config{
			DatasetID: datasetID,
			Table:     table,
			Index:     index,
			Sampling:  sampling.Config{MaxRenderCount: ds.MaxRenderCount},
		})
		if err != nil {
			log.Fatalf("Failed to open session for dataset %q: %v", datasetID, err)
		}

		registry.Register(datasetID, service.NewExplorer(service.ExplorerConfig{
			DatasetID: datasetID,
			Table:     table,
			Index:     index,
			Session:   sess,
			Cache:     cacheManager,
			Renderer:  renderer,
		}))
	}

	// Initialize job manager for export jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Export.MaxConcurrent,
		SQLitePath:    cfg.Export.SQLitePath,
		RetentionDays: cfg.Export.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Export job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Export.MaxConcurrent, cfg.Export.RetentionDays, cfg.Export.SQLitePath)

	jobManager.Executor = api.NewExportExecutor(registry, cfg.Export.Dir)
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	cacheManager.Close()
	log.Println("Server stopped")
}

func loadRecords(ctx context.Context, datasetID string, ds config.DatasetConfig) ([]feature.CellRecord, error) {
	switch ds.Format {
	case "tiledb":
		reader, err := tiledbsource.NewReader(ds.SourcePath)
		if err != nil {
			return nil, err
		}
		log.Printf("  [%s] TileDB array: %s (supported=%v)", datasetID, reader.ArrayURI(), reader.Supported())
		return reader.LoadRecords(ctx)
	case "", "csv":
		return csvsource.Load(ctx, ds.SourcePath)
	default:
		return nil, fmt.Errorf("unknown dataset format %q (expected csv or tiledb)", ds.Format)
	}
}
