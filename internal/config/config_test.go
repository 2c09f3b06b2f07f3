package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 23000, cfg.TCPPort)
	assert.Equal(t, 8000, cfg.APIPort)
	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "fleetpulse", cfg.MongoDB)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TCP_PORT", "24001")
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("IDLE_TIMEOUT", "30s")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("BUFFER_SIZE", "not-a-number")

	cfg := Load()
	assert.Equal(t, 24001, cfg.TCPPort)
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "memory", cfg.StoreBackend, "backend names are case-insensitive")
	assert.Equal(t, 4096, cfg.BufferSize, "unparseable values fall back to the default")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			TCPPort:        23000,
			APIPort:        8000,
			BufferSize:     4096,
			MaxConnections: 1000,
			IdleTimeout:    time.Minute,
			StoreBackend:   "memory",
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.TCPPort = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.APIPort = 70000
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.BufferSize = 10
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.IdleTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.StoreBackend = "postgres"
	assert.Error(t, cfg.Validate(), "postgres needs DATABASE_URL")
	cfg.DatabaseURL = "postgres://localhost/fleetpulse"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.StoreBackend = "mongo"
	assert.Error(t, cfg.Validate(), "mongo needs MONGODB_URI")
	cfg.MongoURL = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.StoreBackend = "sqlite"
	assert.Error(t, cfg.Validate())
}

func TestAddrs(t *testing.T) {
	cfg := &Config{TCPHost: "0.0.0.0", TCPPort: 23000, APIHost: "127.0.0.1", APIPort: 8000}
	assert.Equal(t, "0.0.0.0:23000", cfg.TCPAddr())
	assert.Equal(t, "127.0.0.1:8000", cfg.APIAddr())
}
