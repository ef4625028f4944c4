package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1.2, cfg.Search.K1)
	assert.Equal(t, 0.75, cfg.Search.B)
	assert.True(t, cfg.Merge.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Writer.MaxBufferedDocs, cfg.Writer.MaxBufferedDocs)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fathom.yaml")
	body := []byte("writer:\n  max_buffered_docs: 42\nvectors:\n  dimensions: 8\n  metric: dot\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Writer.MaxBufferedDocs)
	assert.Equal(t, 8, cfg.Vectors.Dimensions)
	assert.Equal(t, "dot", cfg.Vectors.Metric)
	// Untouched values keep defaults.
	assert.Equal(t, 0.2, cfg.Merge.TombstoneRatio)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero buffer", func(c *Config) { c.Writer.MaxBufferedDocs = 0 }},
		{"tombstone ratio", func(c *Config) { c.Merge.TombstoneRatio = 1.5 }},
		{"merge factor", func(c *Config) { c.Merge.MergeFactor = 1 }},
		{"bm25 b", func(c *Config) { c.Search.B = 2 }},
		{"negative weight", func(c *Config) { c.Search.VectorWeight = -1 }},
		{"bad metric", func(c *Config) { c.Vectors.Metric = "manhattan" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Search.MaxResults = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Search.MaxResults)
}
