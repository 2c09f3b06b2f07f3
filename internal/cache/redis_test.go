package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"fleetpulse/internal/core/model"
)

// A disabled cache must be safe to call from every code path, including
// through a nil pointer, so handlers never need to guard their cache use.
func TestDisabledCacheIsInert(t *testing.T) {
	ctx := context.Background()

	for name, c := range map[string]*Cache{
		"no url":  New(""),
		"bad url": New("not-a-redis-url"),
		"nil":     nil,
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, c.Enabled())

			_, err := c.DeviceByIMEI(ctx, "861261023456789")
			assert.ErrorIs(t, err, ErrMiss)
			_, err = c.LatestTelemetry(ctx, "TFMS90_100")
			assert.ErrorIs(t, err, ErrMiss)

			c.PutDeviceByIMEI(ctx, "861261023456789", model.NewDevice("TFMS90_100", model.ProtocolTFMS90))
			c.PutLatestTelemetry(ctx, model.NewTelemetryRecord("TFMS90_100", model.ProtocolTFMS90, "TD"))
			c.PutLatestTelemetry(ctx, nil)
			c.InvalidateDeviceByIMEI(ctx, "861261023456789")
			assert.NoError(t, c.Close())
		})
	}
}
