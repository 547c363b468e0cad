package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WAQI_TOKEN", "WAQI_BASE_URL", "CITIES", "DATA_DIR", "HTTP_TIMEOUT", "FETCH_DELAY",
		"FETCH_WORKERS", "BREAKER_MAX_FAILURES", "LOG_MAX_AGE", "LOCK_STALE_AFTER",
		"STORE_BACKEND", "DATABASE_DSN", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_STREAM", "REDIS_LOCK_TTL", "REDIS_STREAM_MAXLEN",
		"SCHEDULE_INTERVAL", "PORT", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, airquality.Targets{airquality.DefaultTarget}, cfg.Targets)
	assert.Equal(t, "https://api.waqi.info/feed", cfg.WAQIBaseURL)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.FetchDelay)
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Zero(t, cfg.LogMaxAge)
	assert.Equal(t, BackendCSV, cfg.StoreBackend)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 15*time.Minute, cfg.ScheduleInterval)
	assert.Equal(t, "8080", cfg.Port)

	assert.ErrorIs(t, cfg.RequireToken(), airquality.ErrConfig)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WAQI_TOKEN", "secret")
	t.Setenv("CITIES", "Perth:-31.95,115.86;Delhi:28.61,77.21")
	t.Setenv("FETCH_WORKERS", "2")
	t.Setenv("LOG_MAX_AGE", "720h")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.NoError(t, cfg.RequireToken())
	assert.Equal(t, []string{"Perth", "Delhi"}, cfg.Targets.Names())
	assert.Equal(t, 2, cfg.FetchWorkers)
	assert.Equal(t, 720*time.Hour, cfg.LogMaxAge)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "aqi:observations", cfg.Redis.Stream)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "aqi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
waqi:
  token: from-file
cities:
  - name: Lima
    latitude: -12.05
    longitude: -77.04
fetch:
  workers: 8
  delay: 1s
store:
  backend: csv
log:
  level: debug
`), 0o644))
	t.Setenv("FETCH_WORKERS", "3")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.WAQIToken)
	assert.Equal(t, airquality.Targets{{Name: "Lima", Lat: -12.05, Lon: -77.04}}, cfg.Targets)
	assert.Equal(t, 3, cfg.FetchWorkers, "env wins over file")
	assert.Equal(t, time.Second, cfg.FetchDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CITIES", "Perth"},
		{"HTTP_TIMEOUT", "soon"},
		{"FETCH_WORKERS", "many"},
		{"FETCH_WORKERS", "0"},
		{"STORE_BACKEND", "s3"},
		{"STORE_BACKEND", "mysql"},
		{"LOG_LEVEL", "loud"},
		{"PORT", "http"},
		{"WAQI_BASE_URL", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadFile("")
			assert.ErrorIs(t, err, airquality.ErrConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, airquality.ErrConfig)
}

func TestDatabaseDSNFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "mysql")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "aqi")
	t.Setenv("DB_PASSWORD", "pw")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Contains(t, cfg.DatabaseDSN, "aqi:pw@tcp(db:3306)/aqi")
	assert.Contains(t, cfg.DatabaseDSN, "parseTime=true")
}
