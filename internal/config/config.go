// Package config holds process settings. Defaults are overridden by the
// environment, then by command line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/pulse/internal/publish"
	"github.com/andresmejia3/pulse/internal/rppg"
	"github.com/andresmejia3/pulse/internal/worker"
)

// DatabaseConfig locates the Postgres archive.
type DatabaseConfig struct {
	URL      string // wins over the individual fields
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the connection string, or "" when no database is configured.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Host == "" {
		return ""
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(c.SSLMode)
	}
	return u.String()
}

// LoadFromEnv reads <prefix>_URL, _HOST, _PORT, _USER, _PASSWORD, _DB and _SSLMODE.
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if v := os.Getenv(prefix + "_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv(prefix + "_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv(prefix + "_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Port)
	}
	if v := os.Getenv(prefix + "_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv(prefix + "_DB"); v != "" {
		c.Database = v
	}
	if v := os.Getenv(prefix + "_SSLMODE"); v != "" {
		c.SSLMode = v
	}
}

// Config is the full process configuration.
type Config struct {
	Addr         string
	DataDir      string
	Workers      int // face detector processes; 0 uses the centre locator
	WorkerScript string
	NATSURL      string
	NATSPrefix   string
	LogLevel     string
	LogFormat    string
	Shutdown     time.Duration
	Estimator    rppg.Config
	Database     DatabaseConfig
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:         ":8000",
		DataDir:      "data",
		Workers:      2,
		WorkerScript: worker.DefaultScript,
		NATSPrefix:   publish.DefaultPrefix,
		LogLevel:     "info",
		LogFormat:    "console",
		Shutdown:     10 * time.Second,
		Estimator:    rppg.DefaultConfig(),
	}
}

// LoadFromEnv overrides fields from <prefix>_* variables.
func (c *Config) LoadFromEnv(prefix string) {
	if v := os.Getenv(prefix + "_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv(prefix + "_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(prefix + "_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv(prefix + "_WORKER_SCRIPT"); v != "" {
		c.WorkerScript = v
	}
	if v := os.Getenv(prefix + "_NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv(prefix + "_NATS_PREFIX"); v != "" {
		c.NATSPrefix = v
	}
	if v := os.Getenv(prefix + "_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(prefix + "_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv(prefix + "_SHUTDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Shutdown = d
		}
	}
	if v := os.Getenv(prefix + "_WINDOW_SECONDS"); v != "" {
		fmt.Sscanf(v, "%g", &c.Estimator.WindowSeconds)
	}
	if v := os.Getenv(prefix + "_LOW_HZ"); v != "" {
		fmt.Sscanf(v, "%g", &c.Estimator.LowHz)
	}
	if v := os.Getenv(prefix + "_HIGH_HZ"); v != "" {
		fmt.Sscanf(v, "%g", &c.Estimator.HighHz)
	}
}

// Load returns defaults overridden by PULSE_* and POSTGRES_* variables.
func Load() Config {
	c := Default()
	c.LoadFromEnv("PULSE")
	c.Database.LoadFromEnv("POSTGRES")
	return c
}
