package assetaware

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/scanner"
	"github.com/u9401066/asset-aware-mcp/structure"
	"github.com/u9401066/asset-aware-mcp/tables"
)

// Config holds all configuration for the decomposition engine.
type Config struct {
	// DataDir is the root of the per-document asset directories.
	// Defaults to ~/.assetaware/data.
	DataDir string `json:"data_dir" toml:"data_dir"`

	// CatalogPath is the SQLite catalog file. If empty it lives at
	// {DataDir}/catalog.db.
	CatalogPath string `json:"catalog_path" toml:"catalog_path"`

	// Workers bounds the number of pages analyzed concurrently.
	// Zero means runtime.NumCPU().
	Workers int `json:"workers" toml:"workers"`

	// Scanner tunes text run merging and graphics interpretation.
	Scanner scanner.Options `json:"scanner" toml:"scanner"`

	// Detection holds every structure, table and figure threshold.
	Detection Detection `json:"detection" toml:"detection"`
}

// Detection groups the detector tunables.
type Detection struct {
	Structure structure.Options `json:"structure" toml:"structure"`
	Tables    tables.Config     `json:"tables" toml:"tables"`
	Figures   figures.Options   `json:"figures" toml:"figures"`
}

// DefaultConfig returns a Config with the thresholds the detectors were
// tuned with. Data is stored under ~/.assetaware/data by default.
func DefaultConfig() Config {
	return Config{
		DataDir: defaultDataDir(),
		Workers: runtime.NumCPU(),
		Scanner: scanner.DefaultOptions(),
		Detection: Detection{
			Structure: structure.DefaultOptions(),
			Tables:    tables.DefaultConfig(),
			Figures:   figures.DefaultOptions(),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "assetaware-data" // fallback to cwd
	}
	return filepath.Join(home, ".assetaware", "data")
}

// LoadConfig reads a TOML file over DefaultConfig. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ASSETAWARE_* environment variables.
// Malformed numbers are reported and leave the field unchanged.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("ASSETAWARE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ASSETAWARE_CATALOG_PATH"); v != "" {
		c.CatalogPath = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ASSETAWARE_WORKERS", &c.Workers},
		{"ASSETAWARE_MAX_HEADING_LEVELS", &c.Detection.Structure.MaxHeadingLevels},
		{"ASSETAWARE_FURNITURE_MIN_PAGES", &c.Detection.Structure.FurnitureMinPages},
		{"ASSETAWARE_MIN_CLUSTER_PRIMITIVES", &c.Detection.Figures.MinClusterPrimitives},
		{"ASSETAWARE_GRID_COLS", &c.Detection.Figures.GridCols},
		{"ASSETAWARE_GRID_ROWS", &c.Detection.Figures.GridRows},
		{"ASSETAWARE_MAX_IMAGE_BYTES", &c.Detection.Figures.MaxImageBytes},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, e.key, v)
		}
		*e.dst = n
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"ASSETAWARE_ROW_TOLERANCE", &c.Detection.Tables.RowTolerance},
		{"ASSETAWARE_COLUMN_TOLERANCE", &c.Detection.Tables.ColumnTolerance},
		{"ASSETAWARE_COLUMN_CONSISTENCY", &c.Detection.Tables.ColumnConsistency},
		{"ASSETAWARE_CLUSTER_GAP", &c.Detection.Figures.ClusterGap},
		{"ASSETAWARE_MAX_ASPECT_RATIO", &c.Detection.Figures.MaxAspectRatio},
		{"ASSETAWARE_DENSITY_THRESHOLD", &c.Detection.Figures.DensityThreshold},
		{"ASSETAWARE_TIER_OVERLAP_TOLERANCE", &c.Detection.Figures.TierOverlapTolerance},
		{"ASSETAWARE_RENDER_SCALE", &c.Detection.Figures.RenderScale},
	}
	for _, e := range floats {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, e.key, v)
		}
		*e.dst = f
	}
	return nil
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	d := c.Detection
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.DataDir != "", "data_dir is required"},
		{c.Workers >= 0, "workers must not be negative"},
		{c.Scanner.RunGap > 0 && c.Scanner.MergeGap >= 0, "scanner gaps must be positive"},
		{d.Structure.MaxHeadingLevels >= 1, "max_heading_levels must be at least 1"},
		{d.Structure.FurnitureMargin >= 0 && d.Structure.FurnitureMargin < 0.5, "furniture_margin must be in [0, 0.5)"},
		{d.Structure.FurnitureMinPages >= 0, "furniture_min_pages must not be negative"},
		{d.Tables.RowTolerance > 0, "row_tolerance must be positive"},
		{d.Tables.ColumnTolerance > 0, "column_tolerance must be positive"},
		{d.Tables.ColumnConsistency > 0 && d.Tables.ColumnConsistency <= 1, "column_consistency must be in (0, 1]"},
		{d.Tables.MinShortCellRatio >= 0 && d.Tables.MinShortCellRatio <= 1, "min_short_cell_ratio must be in [0, 1]"},
		{d.Tables.MinRows >= 2 && d.Tables.MinCols >= 2, "tables need at least 2 rows and 2 columns"},
		{d.Figures.MinClusterPrimitives >= 1, "min_cluster_primitives must be at least 1"},
		{d.Figures.ClusterGap >= 0, "cluster_gap must not be negative"},
		{d.Figures.MaxAspectRatio >= 1, "max_aspect_ratio must be at least 1"},
		{d.Figures.TierOverlapTolerance >= 0 && d.Figures.TierOverlapTolerance <= 1, "tier_overlap_tolerance must be in [0, 1]"},
		{d.Figures.DensityThreshold > 0 && d.Figures.DensityThreshold <= 1, "density_threshold must be in (0, 1]"},
		{d.Figures.GridCols >= 1 && d.Figures.GridRows >= 1, "grid must have at least one cell"},
		{d.Figures.RenderScale > 0 && d.Figures.DensityScale > 0, "render scales must be positive"},
		{d.Figures.MaxImageBytes > 0, "max_image_bytes must be positive"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, ch.msg)
		}
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}
