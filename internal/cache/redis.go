// Package cache is a Redis read-through layer in front of the store. It is
// strictly optional: with no REDIS_URL, or when Redis is unreachable at
// startup, every method degrades to a no-op and callers fall through to the
// store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"fleetpulse/internal/core/model"
)

var logger = log.WithPrefix("cache")

// ErrMiss is returned when a key is absent or the cache is disabled.
var ErrMiss = errors.New("cache miss")

const (
	deviceTTL    = 5 * time.Minute
	telemetryTTL = 5 * time.Minute
)

type Cache struct {
	client  *redis.Client
	enabled bool
}

// New connects to Redis at redisURL. Both an empty URL and a failed
// connection return a disabled cache rather than an error.
func New(redisURL string) *Cache {
	if redisURL == "" {
		logger.Info("no redis url, caching disabled")
		return &Cache{}
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("unparseable redis url, caching disabled", "err", err)
		return &Cache{}
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, caching disabled", "err", err)
		client.Close()
		return &Cache{}
	}

	logger.Info("redis cache connected")
	return &Cache{client: client, enabled: true}
}

// Enabled reports whether calls reach Redis at all.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// DeviceByIMEI returns the cached registration for an IMEI, ErrMiss when
// absent.
func (c *Cache) DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error) {
	var device model.Device
	if err := c.get(ctx, "device:imei:"+imei, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (c *Cache) PutDeviceByIMEI(ctx context.Context, imei string, device *model.Device) {
	c.put(ctx, "device:imei:"+imei, device, deviceTTL)
}

// InvalidateDeviceByIMEI drops a cached registration, e.g. after the login
// flow renames the device.
func (c *Cache) InvalidateDeviceByIMEI(ctx context.Context, imei string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Del(ctx, "device:imei:"+imei).Err(); err != nil {
		logger.Warn("cache delete failed", "imei", imei, "err", err)
	}
}

// LatestTelemetry returns the last cached record for a device, ErrMiss when
// absent.
func (c *Cache) LatestTelemetry(ctx context.Context, deviceID string) (*model.TelemetryRecord, error) {
	var record model.TelemetryRecord
	if err := c.get(ctx, "telemetry:latest:"+deviceID, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Cache) PutLatestTelemetry(ctx context.Context, record *model.TelemetryRecord) {
	if record == nil {
		return
	}
	c.put(ctx, "telemetry:latest:"+record.DeviceID, record, telemetryTTL)
}

func (c *Cache) get(ctx context.Context, key string, dest interface{}) error {
	if !c.Enabled() {
		return ErrMiss
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// put is best-effort: a write failure is logged, never surfaced, so cache
// trouble cannot break ingestion.
func (c *Cache) put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warn("cache marshal failed", "key", key, "err", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Warn("cache write failed", "key", key, "err", err)
	}
}
