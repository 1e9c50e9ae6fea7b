package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	return &Config{
		DataDir: t.TempDir(),
		Site:    "contoso.sharepoint.com:/sites/field",
		Token:   "token",
	}
}

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, "Documents", cfg.List)
	assert.Equal(t, "Visits", cfg.RemoteRoot)
	assert.Equal(t, int64(5*1024*1024), cfg.ChunkSize)
	assert.Equal(t, int64(4*1024*1024), cfg.SmallUploadThreshold)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, filepath.Join(cfg.DataDir, "downloads"), cfg.DownloadDir)
	assert.Equal(t, ".pdf", cfg.DownloadSuffix)
	assert.Equal(t, 4, cfg.DownloadWorkers)
	assert.False(t, cfg.UsesClientCredentials())
}

func TestConfig_Validate_Normalizes(t *testing.T) {
	cfg := validConfig(t)
	cfg.RemoteRoot = "/Visits/2024/"
	cfg.ChunkSize = 1000 * 1000
	cfg.Workers = 64
	cfg.Path = filepath.Join(cfg.DataDir, "config.json")

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Visits/2024", cfg.RemoteRoot)
	assert.Equal(t, int64(3*320*1024), cfg.ChunkSize)
	assert.Equal(t, 16, cfg.Workers)
	assert.True(t, filepath.IsAbs(cfg.Path))
}

func TestConfig_Validate_Errors(t *testing.T) {
	t.Run("bad server url", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ServerURL = "ftp://graph.example.com"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server url")
	})

	t.Run("retry delays inverted", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.RetryBaseDelay = time.Minute
		cfg.RetryMaxDelay = time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative rate", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.RequestsPerSecond = -1
		assert.Error(t, cfg.Validate())
	})
}

func TestConfig_RequireRemote(t *testing.T) {
	t.Run("no site", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Site = " "
		require.NoError(t, cfg.Validate(), "local commands work without a site")
		assert.ErrorIs(t, cfg.RequireRemote(), ErrNoSite)
	})

	t.Run("drive id replaces site", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Site = ""
		cfg.DriveID = "b!abc"
		require.NoError(t, cfg.Validate())
		assert.NoError(t, cfg.RequireRemote())
	})

	t.Run("partial client credentials", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Token = ""
		cfg.TenantID = "tenant"
		cfg.ClientID = "client"
		require.NoError(t, cfg.Validate())
		assert.ErrorIs(t, cfg.RequireRemote(), ErrNoCredentials)
	})

	t.Run("client credentials", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Token = ""
		cfg.TenantID = "tenant"
		cfg.ClientID = "client"
		cfg.ClientSecret = "secret"
		require.NoError(t, cfg.Validate())
		assert.NoError(t, cfg.RequireRemote())
		assert.True(t, cfg.UsesClientCredentials())
	})
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"":       0,
		"1024":   1024,
		"5MiB":   5 * 1024 * 1024,
		"4 MB":   4 * 1000 * 1000,
		"320KiB": 320 * 1024,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSize("lots")
	assert.Error(t, err)
}

func TestAlignChunk(t *testing.T) {
	assert.Equal(t, int64(320*1024), alignChunk(1))
	assert.Equal(t, int64(320*1024), alignChunk(320*1024+5))
	assert.Equal(t, int64(16*320*1024), alignChunk(5*1024*1024))
	assert.Equal(t, int64(60*1024*1024-(60*1024*1024)%(320*1024)), alignChunk(1<<40))
}
