// Package config handles configuration loading for the HoodScan server.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Scan   ScanConfig   `yaml:"scan"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one dataset's cell-table source. Exactly one of
// CellTable (CSV path) or SomaPath (TileDB-SOMA experiment) should be set;
// CellTable wins when both are present.
type DatasetConfig struct {
	CellTable  string `yaml:"cell_table"`
	SomaPath   string `yaml:"soma_path"`
	IDColumn   string `yaml:"id_column"`
	XColumn    string `yaml:"x_column"`
	YColumn    string `yaml:"y_column"`
	TypeColumn string `yaml:"type_column"`
}

// DataConfig contains data source settings for one or more datasets.
type DataConfig struct {
	DefaultDataset string                   `yaml:"default_dataset"`
	Datasets       map[string]DatasetConfig `yaml:"datasets"`
}

// DatasetIDs returns all dataset IDs, default first, the rest alphabetical.
func (d *DataConfig) DatasetIDs() []string {
	ids := make([]string, 0, len(d.Datasets))
	for id := range d.Datasets {
		if id != d.DefaultDataset {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := d.Datasets[d.DefaultDataset]; ok {
		ids = append([]string{d.DefaultDataset}, ids...)
	}
	return ids
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// ScanConfig contains scan job settings and pipeline defaults.
type ScanConfig struct {
	MaxConcurrent    int     `yaml:"max_concurrent"`
	SQLitePath       string  `yaml:"sqlite_path"`
	RetentionDays    int     `yaml:"retention_days"`
	Workers          int     `yaml:"workers"` // 0 = GOMAXPROCS
	DefaultK         int     `yaml:"default_k"`
	DefaultClusters  int     `yaml:"default_clusters"`
	DefaultKernel    string  `yaml:"default_kernel"`
	DefaultBandwidth float64 `yaml:"default_bandwidth"`
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

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if len(cfg.Data.Datasets) == 0 {
		return nil, fmt.Errorf("no datasets configured in %s", path)
	}
	if _, ok := cfg.Data.Datasets[cfg.Data.DefaultDataset]; !ok {
		return nil, fmt.Errorf("default dataset %q is not configured", cfg.Data.DefaultDataset)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "HoodScan",
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {
					CellTable:  "./data/cells.csv.gz",
					XColumn:    "x_centroid",
					YColumn:    "y_centroid",
					TypeColumn: "group",
				},
			},
		},
		Cache: CacheConfig{
			ResultSizeMB:     256,
			ResultTTLMinutes: 30,
			QueryCacheSize:   1000,
		},
		Scan: ScanConfig{
			MaxConcurrent:   2,
			SQLitePath:      "./data/scan_jobs.sqlite",
			RetentionDays:   7,
			DefaultK:        30,
			DefaultClusters: 8,
			DefaultKernel:   "gaussian",
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
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.Datasets = defaults.Data.Datasets
	}
	if cfg.Data.DefaultDataset == "" {
		if _, ok := cfg.Data.Datasets["default"]; ok || len(cfg.Data.Datasets) == 0 {
			cfg.Data.DefaultDataset = "default"
		} else {
			// First ID in alphabetical order keeps startup deterministic.
			ids := make([]string, 0, len(cfg.Data.Datasets))
			for id := range cfg.Data.Datasets {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			cfg.Data.DefaultDataset = ids[0]
		}
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.XColumn == "" {
			ds.XColumn = "x_centroid"
		}
		if ds.YColumn == "" {
			ds.YColumn = "y_centroid"
		}
		if ds.TypeColumn == "" {
			ds.TypeColumn = "group"
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Scan.MaxConcurrent == 0 {
		cfg.Scan.MaxConcurrent = defaults.Scan.MaxConcurrent
	}
	if cfg.Scan.SQLitePath == "" {
		cfg.Scan.SQLitePath = defaults.Scan.SQLitePath
	}
	if cfg.Scan.RetentionDays == 0 {
		cfg.Scan.RetentionDays = defaults.Scan.RetentionDays
	}
	if cfg.Scan.DefaultK == 0 {
		cfg.Scan.DefaultK = defaults.Scan.DefaultK
	}
	if cfg.Scan.DefaultClusters == 0 {
		cfg.Scan.DefaultClusters = defaults.Scan.DefaultClusters
	}
	if cfg.Scan.DefaultKernel == "" {
		cfg.Scan.DefaultKernel = defaults.Scan.DefaultKernel
	}
}
