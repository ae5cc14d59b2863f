// Package config loads and validates the connection configuration for the
// two backing stores.
//
// Configuration comes from environment variables with the GRIDCAST_ prefix,
// optionally seeded from a .env file. The loaded Config is an immutable
// value: components receive it (or the relevant fields) at construction time
// and never mutate it, so a single Config can safely back concurrent
// pipeline runs and per-test configs can be built literally.
//
// Recognized variables:
//
//	GRIDCAST_TSDB_URL        - time-series store base URL (required)
//	GRIDCAST_TSDB_TOKEN      - time-series store auth token
//	GRIDCAST_TSDB_ORG        - organization identifier
//	GRIDCAST_TSDB_BUCKET     - bucket holding measured and forecast series (required)
//	GRIDCAST_SQL_HOST        - relational store host (required)
//	GRIDCAST_SQL_PORT        - relational store port (default 5432)
//	GRIDCAST_SQL_USER        - relational store user (required)
//	GRIDCAST_SQL_PASSWORD    - relational store password
//	GRIDCAST_SQL_DATABASE    - relational database name (required)
//	GRIDCAST_REDIS_ADDR      - snapshot cache address (empty disables the cache)
//	GRIDCAST_REDIS_PASSWORD  - snapshot cache password
//	GRIDCAST_REDIS_DB        - snapshot cache database number (default 0)
//	GRIDCAST_SNAPSHOT_TTL    - snapshot expiry (default 30m)
//	GRIDCAST_QUERY_TIMEOUT   - per-call store timeout (default 30s)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Error reports missing or malformed configuration. It is startup-fatal:
// no component can be constructed from a Config that failed validation.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// TSDB holds time-series store connection parameters.
type TSDB struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// SQL holds relational store connection parameters.
type SQL struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN returns a pgx-compatible connection string.
func (s SQL) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", s.User, s.Password, s.Host, s.Port, s.Database)
}

// Redis holds snapshot cache parameters. An empty Addr disables the cache.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Config is the immutable configuration shared by all components.
type Config struct {
	TSDB         TSDB
	SQL          SQL
	Redis        Redis
	SnapshotTTL  time.Duration
	QueryTimeout time.Duration
}

// Load reads configuration from the environment. When envFile is non-empty
// it is loaded first (without overriding variables already set in the
// environment, matching godotenv semantics). Load fails with *Error on the
// first missing or malformed required field.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, &Error{Field: "env_file", Reason: fmt.Sprintf("load %s: %v", envFile, err)}
		}
	}

	sqlPort, err := getEnvInt("GRIDCAST_SQL_PORT", "sql.port", 5432)
	if err != nil {
		return nil, err
	}
	redisDB, err := getEnvInt("GRIDCAST_REDIS_DB", "redis.db", 0)
	if err != nil {
		return nil, err
	}
	snapshotTTL, err := getEnvDuration("GRIDCAST_SNAPSHOT_TTL", "snapshot_ttl", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	queryTimeout, err := getEnvDuration("GRIDCAST_QUERY_TIMEOUT", "query_timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TSDB: TSDB{
			URL:    getEnv("GRIDCAST_TSDB_URL", ""),
			Token:  getEnv("GRIDCAST_TSDB_TOKEN", ""),
			Org:    getEnv("GRIDCAST_TSDB_ORG", ""),
			Bucket: getEnv("GRIDCAST_TSDB_BUCKET", ""),
		},
		SQL: SQL{
			Host:     getEnv("GRIDCAST_SQL_HOST", ""),
			Port:     sqlPort,
			User:     getEnv("GRIDCAST_SQL_USER", ""),
			Password: getEnv("GRIDCAST_SQL_PASSWORD", ""),
			Database: getEnv("GRIDCAST_SQL_DATABASE", ""),
		},
		Redis: Redis{
			Addr:     getEnv("GRIDCAST_REDIS_ADDR", ""),
			Password: getEnv("GRIDCAST_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		SnapshotTTL:  snapshotTTL,
		QueryTimeout: queryTimeout,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TSDB.URL == "" {
		return &Error{Field: "tsdb.url", Reason: "cannot be empty"}
	}
	if c.TSDB.Bucket == "" {
		return &Error{Field: "tsdb.bucket", Reason: "cannot be empty"}
	}
	if c.SQL.Host == "" {
		return &Error{Field: "sql.host", Reason: "cannot be empty"}
	}
	if c.SQL.Port <= 0 || c.SQL.Port > 65535 {
		return &Error{Field: "sql.port", Reason: fmt.Sprintf("invalid port %d", c.SQL.Port)}
	}
	if c.SQL.User == "" {
		return &Error{Field: "sql.user", Reason: "cannot be empty"}
	}
	if c.SQL.Database == "" {
		return &Error{Field: "sql.database", Reason: "cannot be empty"}
	}
	if c.Redis.DB < 0 {
		return &Error{Field: "redis.db", Reason: "database number must be >= 0"}
	}
	if c.SnapshotTTL < 0 {
		return &Error{Field: "snapshot_ttl", Reason: "cannot be negative"}
	}
	if c.QueryTimeout <= 0 {
		return &Error{Field: "query_timeout", Reason: "must be > 0"}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key, field string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, &Error{Field: field, Reason: fmt.Sprintf("invalid integer %q", value)}
	}
	return i, nil
}

func getEnvDuration(key, field string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &Error{Field: field, Reason: fmt.Sprintf("invalid duration %q", value)}
	}
	return d, nil
}
