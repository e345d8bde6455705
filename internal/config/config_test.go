package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("OPENLIST_TOKEN", "tok-123")
	t.Setenv("SAVE_PATH", "/media/anime")
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "5")

	cfg, err := LoadAppConfig("app", "env", t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "tok-123", cfg.OpenListToken)
	require.Equal(t, "/media/anime", cfg.SavePath)
	require.Equal(t, 5, cfg.MaxConcurrentDownloads)

	require.Equal(t, ":8082", cfg.ServerAddr)
	require.Equal(t, "aria2", cfg.DownloadTool)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, 10*time.Minute, cfg.RSSInterval)
}

func TestZeroDownloadRetriesIsExpressible(t *testing.T) {
	t.Setenv("OPENLIST_TOKEN", "tok-123")
	t.Setenv("DOWNLOAD_MAX_RETRIES", "0")

	cfg, err := LoadAppConfig("app", "env", t.TempDir())
	require.NoError(t, err)
	require.Zero(t, cfg.DownloadMaxRetries)
}

func TestAppConfigValidation(t *testing.T) {
	t.Setenv("OPENLIST_TOKEN", "tok-123")

	cfg, err := LoadAppConfig("app", "env", t.TempDir())
	require.NoError(t, err)

	cfg.PollInterval = 0
	require.Error(t, cfg.Validate())

	cfg.PollInterval = time.Second
	cfg.GinMode = "party"
	require.Error(t, cfg.Validate())
}
