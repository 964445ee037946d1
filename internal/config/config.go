// Package config handles configuration loading for the explorer server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Export ExportConfig `yaml:"export"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one dataset to load at startup.
type DatasetConfig struct {
	SourcePath string `yaml:"source_path"`
	// Format selects the dataset reader: "csv" (default) or "tiledb".
	Format string `yaml:"format"`
	// Radius is the contact distance for the neighbor index, in dataset
	// coordinate units. Must be positive.
	Radius float64 `yaml:"radius"`
	// MaxRenderCount bounds the result set handed to rendering. Must be
	// positive.
	MaxRenderCount int `yaml:"max_render_count"`
}

// DataConfig contains the dataset section. Dataset order in the YAML file is
// preserved; the first dataset is the default.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// UnmarshalYAML decodes the data section as an ordered mapping of dataset ID
// to dataset settings.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data section must be a mapping of dataset ids")
	}
	d.Datasets = make(map[string]DatasetConfig)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", id, err)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// DatasetIDs returns all dataset IDs in config order.
func (d *DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ViewSizeMB      int `yaml:"view_size_mb"`
	ViewTTLMinutes  int `yaml:"view_ttl_minutes"`
	ResultCacheSize int `yaml:"result_cache_size"`
}

// RenderConfig contains spatial view rendering settings.
type RenderConfig struct {
	ViewSize        int    `yaml:"view_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// ExportConfig contains settings for asynchronous exact exports.
type ExportConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	Dir           string `yaml:"dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {
					SourcePath:     "./data/cells.csv",
					Format:         "csv",
					Radius:         30.0,
					MaxRenderCount: 50000,
				},
			},
			order: []string{"default"},
		},
		Cache: CacheConfig{
			ViewSizeMB:      256,
			ViewTTLMinutes:  10,
			ResultCacheSize: 1000,
		},
		Render: RenderConfig{
			ViewSize:        800,
			DefaultColormap: "viridis",
		},
		Export: ExportConfig{
			SQLitePath:    "./data/export_jobs.sqlite",
			Dir:           "./data/exports",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.Format == "" {
			ds.Format = "csv"
		}
		if ds.Radius == 0 {
			ds.Radius = defaults.Data.Datasets["default"].Radius
		}
		if ds.MaxRenderCount == 0 {
			ds.MaxRenderCount = defaults.Data.Datasets["default"].MaxRenderCount
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Cache.ViewSizeMB == 0 {
		cfg.Cache.ViewSizeMB = defaults.Cache.ViewSizeMB
	}
	if cfg.Cache.ViewTTLMinutes == 0 {
		cfg.Cache.ViewTTLMinutes = defaults.Cache.ViewTTLMinutes
	}
	if cfg.Cache.ResultCacheSize == 0 {
		cfg.Cache.ResultCacheSize = defaults.Cache.ResultCacheSize
	}
	if cfg.Render.ViewSize == 0 {
		cfg.Render.ViewSize = defaults.Render.ViewSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Export.SQLitePath == "" {
		cfg.Export.SQLitePath = defaults.Export.SQLitePath
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = defaults.Export.Dir
	}
	if cfg.Export.MaxConcurrent == 0 {
		cfg.Export.MaxConcurrent = defaults.Export.MaxConcurrent
	}
	if cfg.Export.RetentionDays == 0 {
		cfg.Export.RetentionDays = defaults.Export.RetentionDays
	}
}
