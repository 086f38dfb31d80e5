package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPath_CreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	// File was created on first load.
	_, err = os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:8420", cfg.Server.Listen)
	assert.True(t, cfg.Providers.Ollama.Enabled)
	assert.Equal(t, 512, cfg.Router.CacheSize)
}

func TestLoadFromPath_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Server.Listen = "0.0.0.0:9000"
	cfg.Pipeline.ReasoningModel = "deepseek-r1:14b"
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", loaded.Server.Listen)
	assert.Equal(t, "deepseek-r1:14b", loaded.Pipeline.ReasoningModel)
}

func TestApplyDefaults_FillsMissingValues(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, 2*time.Minute, cfg.Router.RequestTimeout)
	assert.Equal(t, time.Hour, cfg.Router.CacheTTLLong)
	assert.Equal(t, 1024, cfg.Feedback.BufferSize)
	assert.Equal(t, "llama3", cfg.Pipeline.GenerationModel)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
	}{
		{"~/.taskmesh", filepath.Join(home, ".taskmesh")},
		{"/var/lib/taskmesh", "/var/lib/taskmesh"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandPath(tt.in))
	}
}
