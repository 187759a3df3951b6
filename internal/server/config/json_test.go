package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, "", "", map[string]any{
		"endpoint_addr_grpc":    "www.example:9000",
		"database_dsn":          "postgres://x",
		"chunk_size":            2000,
		"maintenance_threshold": 0.5,
		"archive_exports":       true,
		"s3_bucket":             "bucket",
		"log_level":             "debug",
	})

	t.Run("overlays only mentioned fields", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", path}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "www.example:9000", cfg.EndpointAddrGRPC)
		assert.Equal(t, "postgres://x", cfg.DatabaseDSN)
		assert.Equal(t, 2000, cfg.ChunkSize)
		assert.InDelta(t, 0.5, cfg.MaintenanceThreshold, 1e-9)
		assert.True(t, cfg.ArchiveExports)
		assert.Equal(t, "bucket", cfg.S3Bucket)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "model.json", cfg.ModelPath, "untouched field keeps default")
	})

	t.Run("no flag no change", func(t *testing.T) {
		os.Args = []string{"testbin"}
		cfg := &Config{}
		parseJson(cfg)
		assert.Equal(t, Config{}, *cfg)
	})

	t.Run("missing file panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", filepath.Join(t.TempDir(), "nope.json")}
		require.Panics(t, func() { parseJson(&Config{}) })
	})

	t.Run("invalid json panics", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
		os.Args = []string{"testbin", "-c", bad}
		require.Panics(t, func() { parseJson(&Config{}) })
	})
}
