package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
	"github.com/i474232898/air-quality-ingestion/internal/airquality/providers"
)

const (
	BackendCSV    = "csv"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int           `validate:"gte=0"`
	Stream   string        `validate:"required_with=Addr"`
	LockTTL  time.Duration `validate:"gte=0"`
	MaxLen   int64         `validate:"gte=0"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type AppConfig struct {
	WAQIToken   string
	WAQIBaseURL string `validate:"required,url"`

	// Targets to fetch, in order, unique by name.
	Targets airquality.Targets `validate:"min=1"`

	DataDir            string        `validate:"required"`
	HTTPTimeout        time.Duration `validate:"gt=0"`
	FetchDelay         time.Duration `validate:"gte=0"`
	FetchWorkers       int           `validate:"gte=1,lte=64"`
	BreakerMaxFailures int           `validate:"gte=1"`

	// LogMaxAge prunes historical rows older than this (0 = keep forever).
	LogMaxAge time.Duration `validate:"gte=0"`

	StoreBackend string `validate:"oneof=csv mysql memory"`
	DatabaseDSN  string `validate:"required_if=StoreBackend mysql"`

	// LockStaleAfter lets a new run take over a file lock left by a crash.
	LockStaleAfter time.Duration `validate:"gte=0"`

	Redis RedisConfig

	ScheduleInterval time.Duration `validate:"gt=0"`
	Port             string        `validate:"required,numeric"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
}

// fileConfig is the optional YAML file layout. Every value can be
// overridden by its environment variable.
type fileConfig struct {
	WAQI struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"waqi"`
	Cities  []airquality.FetchTarget `yaml:"cities"`
	DataDir string                   `yaml:"data_dir"`
	Fetch   struct {
		Timeout            string `yaml:"timeout"`
		Delay              string `yaml:"delay"`
		Workers            int    `yaml:"workers"`
		BreakerMaxFailures int    `yaml:"breaker_max_failures"`
	} `yaml:"fetch"`
	Store struct {
		Backend        string `yaml:"backend"`
		DSN            string `yaml:"dsn"`
		LogMaxAge      string `yaml:"log_max_age"`
		LockStaleAfter string `yaml:"lock_stale_after"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
		LockTTL  string `yaml:"lock_ttl"`
		MaxLen   int64  `yaml:"max_len"`
	} `yaml:"redis"`
	Schedule struct {
		Interval string `yaml:"interval"`
	} `yaml:"schedule"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Port string `yaml:"port"`
}

var validate = validator.New()

// Load reads configuration from .env, the optional YAML file named by
// AQI_CONFIG_FILE and the environment, in increasing precedence.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	return LoadFile(os.Getenv("AQI_CONFIG_FILE"))
}

// LoadFile is Load without the .env step. path may be empty.
func LoadFile(path string) (*AppConfig, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &airquality.ConfigError{Entry: "AQI_CONFIG_FILE", Reason: err.Error()}
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, &airquality.ConfigError{Entry: path, Reason: "failed to parse config: " + err.Error()}
		}
	}

	cfg := &AppConfig{}
	var err error

	cfg.WAQIToken = getenvDefault("WAQI_TOKEN", fc.WAQI.Token)
	cfg.WAQIBaseURL = strings.TrimRight(getenvDefault("WAQI_BASE_URL", or(fc.WAQI.BaseURL, providers.DefaultWAQIBaseURL)), "/")
	cfg.DataDir = getenvDefault("DATA_DIR", or(fc.DataDir, "data"))

	if cfg.Targets, err = loadTargets(fc.Cities); err != nil {
		return nil, err
	}

	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", or(fc.Fetch.Timeout, "30s")); err != nil {
		return nil, err
	}
	if cfg.FetchDelay, err = getenvDuration("FETCH_DELAY", or(fc.Fetch.Delay, "300ms")); err != nil {
		return nil, err
	}
	if cfg.FetchWorkers, err = getenvInt("FETCH_WORKERS", orInt(fc.Fetch.Workers, 4)); err != nil {
		return nil, err
	}
	if cfg.BreakerMaxFailures, err = getenvInt("BREAKER_MAX_FAILURES", orInt(fc.Fetch.BreakerMaxFailures, 5)); err != nil {
		return nil, err
	}

	cfg.StoreBackend = strings.ToLower(getenvDefault("STORE_BACKEND", or(fc.Store.Backend, BackendCSV)))
	if cfg.LogMaxAge, err = getenvDuration("LOG_MAX_AGE", or(fc.Store.LogMaxAge, "0")); err != nil {
		return nil, err
	}
	if cfg.LockStaleAfter, err = getenvDuration("LOCK_STALE_AFTER", or(fc.Store.LockStaleAfter, "1h")); err != nil {
		return nil, err
	}
	cfg.DatabaseDSN = getenvDefault("DATABASE_DSN", fc.Store.DSN)
	if cfg.DatabaseDSN == "" && os.Getenv("DB_HOST") != "" {
		cfg.DatabaseDSN = databaseDSNFromEnv()
	}

	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", fc.Redis.Addr)
	cfg.Redis.Password = getenvDefault("REDIS_PASSWORD", fc.Redis.Password)
	if cfg.Redis.DB, err = getenvInt("REDIS_DB", fc.Redis.DB); err != nil {
		return nil, err
	}
	cfg.Redis.Stream = getenvDefault("REDIS_STREAM", or(fc.Redis.Stream, "aqi:observations"))
	if cfg.Redis.LockTTL, err = getenvDuration("REDIS_LOCK_TTL", or(fc.Redis.LockTTL, "10m")); err != nil {
		return nil, err
	}
	cfg.Redis.MaxLen = fc.Redis.MaxLen
	if v := os.Getenv("REDIS_STREAM_MAXLEN"); v != "" {
		if cfg.Redis.MaxLen, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, &airquality.ConfigError{Entry: "REDIS_STREAM_MAXLEN", Reason: err.Error()}
		}
	}

	if cfg.ScheduleInterval, err = getenvDuration("SCHEDULE_INTERVAL", or(fc.Schedule.Interval, "15m")); err != nil {
		return nil, err
	}
	cfg.Port = getenvDefault("PORT", or(fc.Port, "8080"))
	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", or(fc.Log.Level, "info")))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", or(fc.Log.Format, "console")))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports the first violation as a
// *airquality.ConfigError.
func (c *AppConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &airquality.ConfigError{
			Entry:  fe.Namespace(),
			Reason: fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &airquality.ConfigError{Reason: err.Error()}
}

// RequireToken reports a missing WAQI token. Commands that never hit the
// network skip it.
func (c *AppConfig) RequireToken() error {
	if strings.TrimSpace(c.WAQIToken) == "" {
		return &airquality.ConfigError{Entry: "WAQI_TOKEN", Reason: "token is required"}
	}
	return nil
}

// loadTargets prefers CITIES from the environment, then the YAML list, then
// the built-in default.
func loadTargets(fromFile []airquality.FetchTarget) (airquality.Targets, error) {
	if raw, ok := os.LookupEnv("CITIES"); ok && strings.TrimSpace(raw) != "" {
		return airquality.ParseTargets(raw)
	}
	return airquality.TargetsFromList(fromFile)
}

// databaseDSNFromEnv builds a MySQL DSN from DB_* variables.
func databaseDSNFromEnv() string {
	dsn := mysql.NewConfig()
	dsn.User = getenvDefault("DB_USER", "root")
	dsn.Passwd = os.Getenv("DB_PASSWORD")
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(getenvDefault("DB_HOST", "localhost"), getenvDefault("DB_PORT", "3306"))
	dsn.DBName = getenvDefault("DB_NAME", "aqi")
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	return dsn.FormatDSN()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &airquality.ConfigError{Entry: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func getenvDuration(key, def string) (time.Duration, error) {
	v := getenvDefault(key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &airquality.ConfigError{Entry: key, Reason: "invalid duration: " + v}
	}
	return d, nil
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
