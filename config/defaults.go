// Package config provides configuration defaults for the runlog
// application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command line flags.
package config

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default API listen address.
	// Override via config: server.listen
	DefaultListenAddress = "127.0.0.1:6161"
)

// =============================================================================
// Reload Defaults
// =============================================================================

const (
	// DefaultReloadIntervalSec is how often the daemon re-drains run logs.
	// Override via config: server.reload_interval_sec
	DefaultReloadIntervalSec = 5

	// DefaultReloadConcurrency is how many runs reload at once.
	// Override via config: server.reload_concurrency
	DefaultReloadConcurrency = 4
)

// =============================================================================
// Retention Defaults
// =============================================================================
//
// Per-tag retention capacities. When a tag exceeds its capacity, a uniform
// sample of its records is kept. Zero means unlimited.

const (
	// DefaultScalarCapacity bounds scalar records per tag.
	// Override via config: accumulator.capacity.scalars
	DefaultScalarCapacity = 10000

	// DefaultHistogramCapacity bounds histogram records per tag.
	// Histograms are large; by default only the latest is kept.
	// Override via config: accumulator.capacity.histograms
	DefaultHistogramCapacity = 1

	// DefaultCompressedHistogramCapacity bounds compressed histogram
	// records per tag.
	// Override via config: accumulator.capacity.compressed_histograms
	DefaultCompressedHistogramCapacity = 500

	// DefaultImageCapacity bounds image records per tag.
	// Override via config: accumulator.capacity.images
	DefaultImageCapacity = 4

	// DefaultAudioCapacity bounds audio records per tag.
	// Override via config: accumulator.capacity.audio
	DefaultAudioCapacity = 4

	// DefaultTensorCapacity bounds tensor records per tag.
	// Override via config: accumulator.capacity.tensors
	DefaultTensorCapacity = 10
)

// =============================================================================
// Export Defaults
// =============================================================================

const (
	// DefaultCompressionAlgorithm is the Parquet compression algorithm:
	// snappy, zstd, lz4, gzip, none.
	// Override via config: export.compression.algorithm
	DefaultCompressionAlgorithm = "zstd"

	// DefaultCompressionLevel is the compression level (for zstd: 1-22).
	// Override via config: export.compression.level
	DefaultCompressionLevel = 3
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit is the DuckDB memory limit.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "1GB"

	// DefaultQueryMaxRows is the maximum number of rows a query returns.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 100000
)
