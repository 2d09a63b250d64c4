package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/media-pipeline/pkg/config"
)

func TestRedactedClearsSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Server.APIKeys = []string{"plain"}
	cfg.Server.APIKeyHashes = []string{"$2a$10$abc"}
	cfg.Worker.APIKey = "worker-secret"
	cfg.Store.DSN = "postgres://u:p@db/pipeline"

	out := redacted(cfg)

	assert.Nil(t, out.Server.APIKeys)
	assert.Nil(t, out.Server.APIKeyHashes)
	assert.Empty(t, out.Worker.APIKey)
	assert.Equal(t, "<redacted>", out.Store.DSN)
	// The original is untouched
	assert.Equal(t, []string{"plain"}, cfg.Server.APIKeys)
	assert.Equal(t, "worker-secret", cfg.Worker.APIKey)
}

func TestWriteConfigRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, writeConfig(config.Default(), "toml"))
}
