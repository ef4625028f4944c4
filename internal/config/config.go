// Package config defines the explicit configuration passed to the index
// writer and searcher at construction. There is no process-wide mutable
// configuration state.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/fathom-search/fathom/internal/errors"
)

// Config is the complete Fathom configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Analysis AnalysisConfig `yaml:"analysis" json:"analysis"`
	Writer   WriterConfig   `yaml:"writer" json:"writer"`
	Merge    MergeConfig    `yaml:"merge" json:"merge"`
	Search   SearchConfig   `yaml:"search" json:"search"`
	Vectors  VectorConfig   `yaml:"vectors" json:"vectors"`
	Ingest   IngestConfig   `yaml:"ingest" json:"ingest"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// AnalysisConfig configures tokenization for text fields.
type AnalysisConfig struct {
	// StopWords are removed from text fields during tokenization.
	StopWords []string `yaml:"stop_words" json:"stop_words"`
	// MinTokenLength is the minimum token length to index (default: 1).
	MinTokenLength int `yaml:"min_token_length" json:"min_token_length"`
	// SplitIdentifiers enables camelCase / snake_case splitting for
	// code-heavy corpora.
	SplitIdentifiers bool `yaml:"split_identifiers" json:"split_identifiers"`
}

// WriterConfig configures the index writer.
type WriterConfig struct {
	// MaxBufferedDocs flushes the in-memory buffer once this many
	// documents are buffered (default: 1000).
	MaxBufferedDocs int `yaml:"max_buffered_docs" json:"max_buffered_docs"`
	// MaxBufferBytes flushes once the buffer's estimated size exceeds
	// this many bytes (default: 16MB).
	MaxBufferBytes int64 `yaml:"max_buffer_bytes" json:"max_buffer_bytes"`
}

// MergeConfig configures the background merge policy.
type MergeConfig struct {
	// Enabled turns background merging on (default: true).
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxSegments triggers a merge when the committed segment count
	// exceeds it (default: 8).
	MaxSegments int `yaml:"max_segments" json:"max_segments"`
	// TombstoneRatio triggers a merge for any segment whose dead-doc
	// ratio exceeds it (default: 0.2).
	TombstoneRatio float64 `yaml:"tombstone_ratio" json:"tombstone_ratio"`
	// MergeFactor is how many segments one merge combines (default: 4).
	MergeFactor int `yaml:"merge_factor" json:"merge_factor"`
	// Concurrency bounds concurrent background merges (default: 1).
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// SearchConfig configures query evaluation and fusion.
type SearchConfig struct {
	// K1 is the BM25 term frequency saturation parameter (default: 1.2).
	K1 float64 `yaml:"k1" json:"k1"`
	// B is the BM25 length normalization parameter (default: 0.75).
	B float64 `yaml:"b" json:"b"`
	// LexicalWeight weighs the lexical score in fused queries (default: 0.7).
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight"`
	// VectorWeight weighs the vector score in fused queries (default: 0.3).
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	// MaxResults caps result list size (default: 100).
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	// Dimensions is the fixed vector length; 0 disables vector indexing.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// Metric is "cos" (cosine) or "dot" (dot product) (default: "cos").
	Metric string `yaml:"metric" json:"metric"`
	// GraphThreshold is the per-segment vector count above which an HNSW
	// graph is built on open; below it brute-force scan is used
	// (default: 1024).
	GraphThreshold int `yaml:"graph_threshold" json:"graph_threshold"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// Include / Exclude are doublestar globs applied to walked paths.
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
	// Workers is the ingestion worker count (default: NumCPU).
	Workers int `yaml:"workers" json:"workers"`
	// MaxFileSize skips files larger than this many bytes (default: 4MB).
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`
}

// LoggingConfig mirrors logging.Config for the yaml file.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Analysis: AnalysisConfig{
			MinTokenLength:   1,
			SplitIdentifiers: false,
		},
		Writer: WriterConfig{
			MaxBufferedDocs: 1000,
			MaxBufferBytes:  16 << 20,
		},
		Merge: MergeConfig{
			Enabled:        true,
			MaxSegments:    8,
			TombstoneRatio: 0.2,
			MergeFactor:    4,
			Concurrency:    1,
		},
		Search: SearchConfig{
			K1:            1.2,
			B:             0.75,
			LexicalWeight: 0.7,
			VectorWeight:  0.3,
			MaxResults:    100,
		},
		Vectors: VectorConfig{
			Dimensions:     0,
			Metric:         "cos",
			GraphThreshold: 1024,
		},
		Ingest: IngestConfig{
			Exclude:     []string{"**/.git/**", "**/node_modules/**"},
			Workers:     runtime.NumCPU(),
			MaxFileSize: 4 << 20,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a yaml file, applying defaults for any
// unset values. A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(errors.ErrCodeIOFailure, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Writer.MaxBufferedDocs <= 0 {
		return fmt.Errorf("writer.max_buffered_docs must be positive, got %d", c.Writer.MaxBufferedDocs)
	}
	if c.Merge.TombstoneRatio < 0 || c.Merge.TombstoneRatio > 1 {
		return fmt.Errorf("merge.tombstone_ratio must be in [0,1], got %f", c.Merge.TombstoneRatio)
	}
	if c.Merge.MergeFactor < 2 {
		return fmt.Errorf("merge.merge_factor must be at least 2, got %d", c.Merge.MergeFactor)
	}
	if c.Search.K1 < 0 || c.Search.B < 0 || c.Search.B > 1 {
		return fmt.Errorf("invalid BM25 parameters k1=%f b=%f", c.Search.K1, c.Search.B)
	}
	if c.Search.LexicalWeight < 0 || c.Search.VectorWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if c.Vectors.Dimensions < 0 {
		return fmt.Errorf("vectors.dimensions must be non-negative, got %d", c.Vectors.Dimensions)
	}
	switch c.Vectors.Metric {
	case "", "cos", "dot":
	default:
		return fmt.Errorf("vectors.metric must be cos or dot, got %q", c.Vectors.Metric)
	}
	return nil
}

// Save writes the configuration as yaml.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
