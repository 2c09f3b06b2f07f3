// Package config loads server settings from the environment. Every knob has
// a default good enough for local runs; production overrides via env vars.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TCPHost string
	TCPPort int

	APIHost string
	APIPort int

	BufferSize     int
	MaxConnections int
	IdleTimeout    time.Duration
	ShutdownGrace  time.Duration

	LogLevel string

	// StoreBackend selects the persistence layer: postgres, mongo or memory.
	StoreBackend string
	DatabaseURL  string
	MongoURL     string
	MongoDB      string

	// RedisURL empty means the cache layer runs disabled.
	RedisURL string
}

func Load() *Config {
	return &Config{
		TCPHost: getEnv("TCP_HOST", "0.0.0.0"),
		TCPPort: getEnvInt("TCP_PORT", 23000),

		APIHost: getEnv("API_HOST", "0.0.0.0"),
		APIPort: getEnvInt("API_PORT", 8000),

		BufferSize:     getEnvInt("BUFFER_SIZE", 4096),
		MaxConnections: getEnvInt("MAX_CONNECTIONS", 1000),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 10*time.Minute),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		MongoURL:     getEnv("MONGODB_URI", ""),
		MongoDB:      getEnv("MONGODB_DATABASE", "fleetpulse"),

		RedisURL: getEnv("REDIS_URL", ""),
	}
}

// Validate rejects configurations the server cannot start under.
func (c *Config) Validate() error {
	if c.TCPPort < 1 || c.TCPPort > 65535 {
		return fmt.Errorf("TCP_PORT %d out of range", c.TCPPort)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if c.BufferSize < 64 {
		return fmt.Errorf("BUFFER_SIZE %d too small", c.BufferSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS %d must be positive", c.MaxConnections)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT %s must be positive", c.IdleTimeout)
	}

	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND postgres requires DATABASE_URL")
		}
	case "mongo":
		if c.MongoURL == "" {
			return fmt.Errorf("STORE_BACKEND mongo requires MONGODB_URI")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

func (c *Config) TCPAddr() string {
	return net.JoinHostPort(c.TCPHost, strconv.Itoa(c.TCPPort))
}

func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return d
}
