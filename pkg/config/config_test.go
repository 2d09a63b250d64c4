package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 480, cfg.Pipeline.Chunking.ChunkDuration)
	assert.Equal(t, 30, cfg.Pipeline.Chunking.OverlapDuration)
	assert.Equal(t, 60, cfg.Pipeline.Chunking.MinChunkDuration)
	assert.InDelta(t, 0.75, cfg.Pipeline.Chunking.SimilarityThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Pipeline.DiarizeConcurrency)
	assert.Equal(t, 10, cfg.Pipeline.TranscribeConcurrency)
	assert.Equal(t, 6*time.Hour, cfg.Pipeline.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Uploads.TTL)
	assert.Equal(t, 20, cfg.Pipeline.HistoryLookback)
	require.NoError(t, cfg.Validate())
}

func TestRetryDefaults(t *testing.T) {
	cfg := Default()

	extract := cfg.RetryFor("extract_audio")
	assert.Equal(t, 2, extract.MaxRetries)
	assert.Equal(t, 5*time.Second, extract.InitialBackoff)
	assert.Equal(t, 2.0, extract.Multiplier)

	assert.Equal(t, 3, cfg.RetryFor("transcribe_segment").MaxRetries)
	llm := cfg.RetryFor("llm_analysis")
	assert.Equal(t, 3, llm.MaxRetries)
	assert.Equal(t, 10*time.Second, llm.InitialBackoff)
	diarize := cfg.RetryFor("diarize_chunk")
	assert.Equal(t, 2, diarize.MaxRetries)
	assert.Equal(t, 10*time.Second, diarize.InitialBackoff)
}

func TestLoadFileEnvAndLegacyNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
pipeline:
  diarize_concurrency: 3
  retry:
    llm_analysis:
      max_attempts: 1
      interval: 1s
`), 0644))

	t.Setenv("CHUNK_DURATION", "300")
	t.Setenv("PIPELINE_PIPELINE_TRANSCRIBE_CONCURRENCY", "4")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Pipeline.DiarizeConcurrency)
	assert.Equal(t, 4, cfg.Pipeline.TranscribeConcurrency)
	assert.Equal(t, 300, cfg.Pipeline.Chunking.ChunkDuration)
	assert.Equal(t, 1, cfg.RetryFor("llm_analysis").MaxRetries)
	// Stages not mentioned in the file keep their defaults
	assert.Equal(t, 2, cfg.RetryFor("chunk_audio").MaxRetries)
}

func TestLoadFlagsOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", ":8080", "")
	require.NoError(t, flags.Parse([]string{"--addr", ":9999"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }},
		{"http worker without url", func(c *Config) { c.Worker.Mode = "http" }},
		{"zero concurrency", func(c *Config) { c.Pipeline.DiarizeConcurrency = 0 }},
		{"bad threshold", func(c *Config) { c.Pipeline.Chunking.SimilarityThreshold = 1.5 }},
		{"overlap exceeds chunk", func(c *Config) { c.Pipeline.Chunking.OverlapDuration = 600 }},
		{"unknown store", func(c *Config) { c.Store.Type = "dynamodb" }},
		{"cert without key", func(c *Config) { c.Server.TLS.CertFile = "server.crt" }},
		{"mtls without ca", func(c *Config) {
			c.Server.TLS = TLSConfig{CertFile: "server.crt", KeyFile: "server.key", RequireClientCert: true}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
