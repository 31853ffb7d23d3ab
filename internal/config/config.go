package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "OFFSETLEDGER"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "offsetledger.db"
	defaultMaxOpenConns      = 25
	defaultOperationTimeout  = 5 * time.Second
	defaultCacheTTL          = 10 * time.Minute
	defaultHeartbeatInterval = 25 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = LogFormatJSON
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Supported log encodings.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Configuration keys.
const (
	KeyHTTPAddress       = "http.address"
	KeyDatabaseDriver    = "database.driver"
	KeyDatabaseDSN       = "database.dsn"
	KeyMaxOpenConns      = "database.max_open_conns"
	KeyOperationTimeout  = "database.operation_timeout"
	KeyRedisAddress      = "cache.redis_address"
	KeyRedisPassword     = "cache.redis_password"
	KeyRedisDB           = "cache.redis_db"
	KeyCacheTTL          = "cache.ttl"
	KeyHeartbeatInterval = "stream.heartbeat_interval"
	KeyAllowedOrigins    = "http.allowed_origins"
	KeyLogLevel          = "log.level"
	KeyLogFormat         = "log.format"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabaseDriver    string
	DatabaseDSN       string
	MaxOpenConns      int
	OperationTimeout  time.Duration
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	CacheTTL          time.Duration
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string
}

// CacheEnabled reports whether a Redis record cache is configured.
func (c AppConfig) CacheEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyAllowedOrigins, []string{})
	configViper.SetDefault(KeyDatabaseDriver, defaultDatabaseDriver)
	configViper.SetDefault(KeyDatabaseDSN, defaultDatabaseDSN)
	configViper.SetDefault(KeyMaxOpenConns, defaultMaxOpenConns)
	configViper.SetDefault(KeyOperationTimeout, defaultOperationTimeout)
	configViper.SetDefault(KeyRedisAddress, "")
	configViper.SetDefault(KeyRedisPassword, "")
	configViper.SetDefault(KeyRedisDB, 0)
	configViper.SetDefault(KeyCacheTTL, defaultCacheTTL)
	configViper.SetDefault(KeyHeartbeatInterval, defaultHeartbeatInterval)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyLogFormat, defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString(KeyHTTPAddress),
		AllowedOrigins:    configViper.GetStringSlice(KeyAllowedOrigins),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString(KeyDatabaseDriver))),
		DatabaseDSN:       configViper.GetString(KeyDatabaseDSN),
		MaxOpenConns:      configViper.GetInt(KeyMaxOpenConns),
		OperationTimeout:  configViper.GetDuration(KeyOperationTimeout),
		RedisAddress:      configViper.GetString(KeyRedisAddress),
		RedisPassword:     configViper.GetString(KeyRedisPassword),
		RedisDB:           configViper.GetInt(KeyRedisDB),
		CacheTTL:          configViper.GetDuration(KeyCacheTTL),
		HeartbeatInterval: configViper.GetDuration(KeyHeartbeatInterval),
		LogLevel:          configViper.GetString(KeyLogLevel),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString(KeyLogFormat))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("%s must be one of %s, %s, %s; got %q", KeyDatabaseDriver, DriverSQLite, DriverPostgres, DriverMySQL, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("%s is required", KeyDatabaseDSN)
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("%s must be positive", KeyMaxOpenConns)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyOperationTimeout)
	}
	if c.CacheEnabled() && c.CacheTTL <= 0 {
		return fmt.Errorf("%s must be positive when %s is set", KeyCacheTTL, KeyRedisAddress)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyHeartbeatInterval)
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("%s must be %s or %s; got %q", KeyLogFormat, LogFormatJSON, LogFormatConsole, c.LogFormat)
	}
	return nil
}
