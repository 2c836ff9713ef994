package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Scraper.MaxConcurrentScrapes)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 30*time.Minute, cfg.Proxy.QuarantineCap)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MEDSCRAPER_SITES", "jameda.de,doctolib.de")
	t.Setenv("MEDSCRAPER_MAX_PAGES", "4")
	t.Setenv("MEDSCRAPER_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("MEDSCRAPER_PROXY_ROUTES", "http://10.0.0.1:3128")
	t.Setenv("MEDSCRAPER_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, []string{"jameda.de", "doctolib.de"}, cfg.Scraper.Sites)
	assert.Equal(t, 4, cfg.Scraper.MaxPages)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, []string{"http://10.0.0.1:3128"}, cfg.Proxy.Routes)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medscraper.yaml")
	content := `
scraper:
  sites: [gelbeseiten.de]
  max_pages: 7
rate_limit:
  max_requests: 50
smtp:
  host: mail.example.com
  port: 465
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, []string{"gelbeseiten.de"}, cfg.Scraper.Sites)
	assert.Equal(t, 7, cfg.Scraper.MaxPages)
	assert.Equal(t, 50, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "mail.example.com", cfg.SMTP.Host)
	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
}

func TestLoadFromMissingFileFails(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFromFile("/nonexistent/medscraper.yaml"))
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"sites":        []string{"jameda.de"},
		"max-pages":    2,
		"concurrent":   5,
		"proxy-routes": []string{"http://10.0.0.1:3128", "http://10.0.0.2:3128"},
		"output":       "/tmp/out",
		"log-level":    "warn",
	})

	assert.Equal(t, []string{"jameda.de"}, cfg.Scraper.Sites)
	assert.Equal(t, 2, cfg.Scraper.MaxPages)
	assert.Equal(t, 5, cfg.Scraper.MaxConcurrentScrapes)
	assert.Len(t, cfg.Proxy.Routes, 2)
	assert.Equal(t, "/tmp/out", cfg.Storage.BaseDirectory)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scraper.Sites = nil
	cfg.Scraper.MaxPages = 0
	cfg.RateLimit.MaxRequests = -1
	cfg.Storage.BaseDirectory = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one target site")
	assert.Contains(t, err.Error(), "max pages must be positive")
	assert.Contains(t, err.Error(), "rate limit max requests must be positive")
	assert.Contains(t, err.Error(), "storage directory is required")
}

func TestValidateRejectsExcessiveConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scraper.MaxConcurrentScrapes = 11
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")

	cfg := DefaultConfig()
	cfg.Scraper.MaxPages = 3
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 3, loaded.Scraper.MaxPages)
	assert.Equal(t, cfg.RateLimit, loaded.RateLimit)
}
