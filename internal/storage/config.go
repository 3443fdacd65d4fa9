package storage

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection settings for the run ledger and model locks.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
	ConnectTimeout  time.Duration // Bound on the initial ping
}

// LoadConfig reads DATABASE_* variables. An empty DATABASE_URL selects the
// in-memory ledger.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		ConnectTimeout:  config.GetEnvDuration("DATABASE_CONNECT_TIMEOUT", defaultConnectTimeout),
	}
}

// NewConfig returns a Config for databaseURL with default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		ConnectTimeout:  defaultConnectTimeout,
	}
}

// Enabled reports whether a database is configured.
func (c *Config) Enabled() bool {
	return strings.TrimSpace(c.databaseURL) != ""
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the database URL with its password replaced by ***.
func (c *Config) MaskDatabaseURL() string {
	u, err := url.Parse(c.databaseURL)
	if err != nil || u.User == nil {
		return c.databaseURL
	}

	if password, ok := u.User.Password(); !ok || password == "" {
		return c.databaseURL
	}

	masked := *u
	masked.User = url.User(u.User.Username())

	s := masked.String()
	host := "@" + masked.Host

	return strings.Replace(s, host, ":***"+host, 1)
}
