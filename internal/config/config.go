// Package config loads and validates the application configuration.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/runlog/config"
	"github.com/xtxerr/runlog/internal/accumulator"
	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/histogram"
)

// Config represents the complete application configuration.
type Config struct {
	// LogDir is the directory scanned for run logs.
	LogDir string `yaml:"log_dir"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Accumulator configures per-run ingestion.
	Accumulator AccumulatorConfig `yaml:"accumulator"`

	// Export configures Parquet snapshots.
	Export ExportConfig `yaml:"export"`

	// Query configures the SQL query service.
	Query QueryConfig `yaml:"query"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the address to listen on.
	Listen string `yaml:"listen"`

	// ReloadIntervalSec is how often runs are re-drained.
	ReloadIntervalSec int `yaml:"reload_interval_sec"`

	// ReloadConcurrency is how many runs reload at once.
	ReloadConcurrency int `yaml:"reload_concurrency"`
}

// AccumulatorConfig configures per-run ingestion.
type AccumulatorConfig struct {
	// PurgeOrphanedData enables restart detection and purging.
	PurgeOrphanedData bool `yaml:"purge_orphaned_data"`

	// CompressionBasisPoints are the percentile positions (in 1/100ths
	// of a percent, 0-10000) used to compress histograms.
	CompressionBasisPoints []int `yaml:"compression_basis_points"`

	// Capacity bounds per-tag retention per kind. Zero means unlimited.
	Capacity accumulator.Capacities `yaml:"capacity"`
}

// ExportConfig configures Parquet snapshots.
type ExportConfig struct {
	// Dir is the directory snapshots are written to. Empty disables
	// export.
	Dir string `yaml:"dir"`

	// Compression configures Parquet compression.
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip,
	// none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// QueryConfig configures the SQL query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output to structured JSON.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file, applying defaults for any
// omitted values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            defaults.DefaultListenAddress,
			ReloadIntervalSec: defaults.DefaultReloadIntervalSec,
			ReloadConcurrency: defaults.DefaultReloadConcurrency,
		},
		Accumulator: AccumulatorConfig{
			PurgeOrphanedData:      true,
			CompressionBasisPoints: append([]int{}, histogram.DefaultBasisPoints...),
			Capacity: accumulator.Capacities{
				Scalars:              defaults.DefaultScalarCapacity,
				Histograms:           defaults.DefaultHistogramCapacity,
				CompressedHistograms: defaults.DefaultCompressedHistogramCapacity,
				Images:               defaults.DefaultImageCapacity,
				Audio:                defaults.DefaultAudioCapacity,
				Tensors:              defaults.DefaultTensorCapacity,
			},
		},
		Export: ExportConfig{
			Compression: CompressionConfig{
				Algorithm: defaults.DefaultCompressionAlgorithm,
				Level:     defaults.DefaultCompressionLevel,
			},
		},
		Query: QueryConfig{
			MemoryLimit: defaults.DefaultQueryMemoryLimit,
			MaxRows:     defaults.DefaultQueryMaxRows,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.NewMissingField("server.listen")
	}
	if c.Server.ReloadIntervalSec < 0 {
		return errors.NewValidation("server.reload_interval_sec", "must be >= 0")
	}
	if c.Server.ReloadConcurrency < 1 {
		return errors.NewValidation("server.reload_concurrency", "must be >= 1")
	}

	if len(c.Accumulator.CompressionBasisPoints) == 0 {
		return errors.NewMissingField("accumulator.compression_basis_points")
	}
	prev := -1
	for _, bp := range c.Accumulator.CompressionBasisPoints {
		if bp < 0 || bp > 10000 {
			return errors.Wrapf(errors.ErrInvalidBasisPoint, "%d", bp)
		}
		if bp <= prev {
			return errors.NewValidation("accumulator.compression_basis_points",
				"must be strictly increasing")
		}
		prev = bp
	}

	for _, n := range []int{
		c.Accumulator.Capacity.Scalars,
		c.Accumulator.Capacity.Histograms,
		c.Accumulator.Capacity.CompressedHistograms,
		c.Accumulator.Capacity.Images,
		c.Accumulator.Capacity.Audio,
		c.Accumulator.Capacity.Tensors,
	} {
		if n < 0 {
			return errors.NewValidation("accumulator.capacity", "must be >= 0")
		}
	}

	switch c.Export.Compression.Algorithm {
	case "", "snappy", "zstd", "lz4", "gzip", "none":
	default:
		return errors.NewValidation("export.compression.algorithm",
			"unknown algorithm '"+c.Export.Compression.Algorithm+"'")
	}

	if c.Query.MaxRows < 0 {
		return errors.NewValidation("query.max_rows", "must be >= 0")
	}

	return nil
}

// AccumulatorSettings converts the ingestion section to the accumulator's
// configuration type.
func (c *Config) AccumulatorSettings() accumulator.Config {
	return accumulator.Config{
		CompressionBasisPoints: append([]int{}, c.Accumulator.CompressionBasisPoints...),
		PurgeOrphanedData:      c.Accumulator.PurgeOrphanedData,
		Capacity:               c.Accumulator.Capacity,
	}
}
