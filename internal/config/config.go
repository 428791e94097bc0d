package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	API     APIConfig
	SMS     SMSConfig
	Store   StoreConfig
	Loop    LoopConfig
	Retry   RetryConfig
	Ingest  IngestConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Filters FilterConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Env   string
	Level string
}

type APIConfig struct {
	URL     string
	Timeout time.Duration
}

type SMSConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// StoreConfig selects Postgres when PostgresURL is set, the in-memory store
// otherwise.
type StoreConfig struct {
	PostgresURL string
}

type LoopConfig struct {
	Interval        time.Duration
	ErrorCooldown   time.Duration
	MinAge          time.Duration
	StaleProcessing time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type IngestConfig struct {
	QueueSize int
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type NATSConfig struct {
	Enabled bool
	URL     string
	Subject string
}

// FilterConfig seeds the settings record on first start.
type FilterConfig struct {
	Mode string
}

const (
	FilterModeNone  = ""
	FilterModeAllow = "allow"
	FilterModeBlock = "block"
)

// LoadAll reads the whole configuration from the environment and reports
// every problem at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}

	apiURL, err := requireEnv("API_URL")
	collect(err)
	smsURL, err := requireEnv("SMS_GATEWAY_URL")
	collect(err)

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{
			Env:   getEnv("APP_ENV", "development"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		API: APIConfig{
			URL:     apiURL,
			Timeout: seconds("API_TIMEOUT_SECONDS", 30),
		},
		SMS: SMSConfig{
			GatewayURL: smsURL,
			Timeout:    seconds("SMS_TIMEOUT_SECONDS", 10),
		},
		Store: StoreConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Loop: LoopConfig{
			Interval:        seconds("LOOP_INTERVAL_SECONDS", 30),
			ErrorCooldown:   seconds("LOOP_ERROR_COOLDOWN_SECONDS", 60),
			MinAge:          seconds("MIN_AGE_SECONDS", 300),
			StaleProcessing: seconds("STALE_PROCESSING_SECONDS", 900),
		},
		Retry: RetryConfig{
			MaxAttempts: intVar("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   time.Duration(intVar("RETRY_BASE_DELAY_MS", 2000)) * time.Millisecond,
		},
		Ingest: IngestConfig{
			QueueSize: intVar("INGEST_QUEUE_SIZE", 100),
		},
		Filters: FilterConfig{
			Mode: strings.ToLower(strings.TrimSpace(os.Getenv("FILTER_MODE"))),
		},
	}

	cfg.Redis, err = loadRedisConfig()
	collect(err)
	cfg.NATS = loadNATSConfig()

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errors.Join(dbErr, ttlErr)
}

func loadNATSConfig() NATSConfig {
	url := os.Getenv("NATS_URL")
	if url == "" {
		return NATSConfig{Enabled: false}
	}
	return NATSConfig{
		Enabled: true,
		URL:     url,
		Subject: getEnv("NATS_SUBJECT", "sms.inbound"),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("API_TIMEOUT_SECONDS", cfg.API.Timeout > 0)
	positive("SMS_TIMEOUT_SECONDS", cfg.SMS.Timeout > 0)
	positive("LOOP_INTERVAL_SECONDS", cfg.Loop.Interval > 0)
	positive("LOOP_ERROR_COOLDOWN_SECONDS", cfg.Loop.ErrorCooldown > 0)
	positive("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts > 0)
	positive("INGEST_QUEUE_SIZE", cfg.Ingest.QueueSize > 0)

	if cfg.Loop.MinAge < 0 {
		errs = append(errs, errors.New("MIN_AGE_SECONDS must be >= 0"))
	}
	if cfg.Loop.StaleProcessing < 0 {
		errs = append(errs, errors.New("STALE_PROCESSING_SECONDS must be >= 0"))
	}
	if cfg.Retry.BaseDelay < 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY_MS must be >= 0"))
	}

	switch cfg.Filters.Mode {
	case FilterModeNone, FilterModeAllow, FilterModeBlock:
	default:
		errs = append(errs, fmt.Errorf("FILTER_MODE must be %q, %q or empty, got %q", FilterModeAllow, FilterModeBlock, cfg.Filters.Mode))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
