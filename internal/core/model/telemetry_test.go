package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromoteFuelLevel(t *testing.T) {
	record := NewTelemetryRecord("dev1", ProtocolTFMS90, "TD")
	record.IOElements["fuel_level"] = 40.5
	record.Promote()

	require.NotNil(t, record.FuelLevel)
	assert.Equal(t, 40.5, *record.FuelLevel)
}

func TestPromoteKeepsTypedValue(t *testing.T) {
	record := NewTelemetryRecord("dev1", ProtocolTFMS90, "TD")
	typed := 70.0
	record.FuelLevel = &typed
	record.IOElements["fuel_level"] = 40.0
	record.Promote()

	assert.Equal(t, 70.0, *record.FuelLevel)
}

func TestPromoteIgnoresNonFinite(t *testing.T) {
	record := NewTelemetryRecord("dev1", ProtocolTFMS90, "TD")
	record.IOElements["fuel_level"] = math.NaN()
	record.Promote()
	assert.Nil(t, record.FuelLevel)

	record.IOElements["fuel_level"] = "forty"
	record.Promote()
	assert.Nil(t, record.FuelLevel)
}

func TestIODocumentFoldsTypedFields(t *testing.T) {
	record := NewTelemetryRecord("dev1", ProtocolTFMS90, "TD")
	ignition := true
	odometer := 15.0
	battery := 12.4
	record.Ignition = &ignition
	record.Odometer = &odometer
	record.BatteryVoltage = &battery
	record.IOElements["token"] = "0"

	doc := record.IODocument()
	assert.Equal(t, "0", doc["token"])
	assert.Equal(t, true, doc["ignition"])
	assert.Equal(t, 15.0, doc["odometer"])
	assert.Equal(t, 12.4, doc["battery_voltage"])

	// The record itself is untouched.
	assert.NotContains(t, record.IOElements, "ignition")
}

func TestTripSummaryOnlyForTE(t *testing.T) {
	record := NewTelemetryRecord("dev1", ProtocolTFMS90, "TD")
	record.IOElements["distance_km"] = 12.5
	assert.Nil(t, record.TripSummary())

	te := NewTelemetryRecord("dev1", ProtocolTFMS90, "TE")
	te.IOElements["start_timestamp"] = "2025-03-14T09:00:00Z"
	te.IOElements["end_timestamp"] = "2025-03-14T09:30:00Z"
	te.IOElements["duration_seconds"] = 1800.0
	te.IOElements["start_fuel"] = 50.0
	te.IOElements["end_fuel"] = 44.0
	te.IOElements["distance_km"] = 12.5
	te.IOElements["start_latitude"] = 12.9716
	te.IOElements["start_longitude"] = 77.5946

	summary := te.TripSummary()
	require.NotNil(t, summary)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC), summary.StartTimestamp)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), summary.EndTimestamp)
	assert.Equal(t, 1800.0, summary.DurationSeconds)
	assert.Equal(t, 50.0, summary.StartFuel)
	assert.Equal(t, 44.0, summary.EndFuel)
	assert.Equal(t, 12.5, summary.DistanceKM)
	assert.Equal(t, 12.9716, summary.StartLatitude)
	assert.Equal(t, 77.5946, summary.StartLongitude)
}

func TestValidCoordinates(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
		want     bool
	}{
		{"bangalore", 12.9716, 77.5946, true},
		{"zero sentinel", 0, 0, true},
		{"lat overflow", 90.1, 0, false},
		{"lon overflow", 0, -180.5, false},
		{"extremes", -90, 180, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record := NewTelemetryRecord("dev1", ProtocolTeltonika, "codec_8E")
			record.Latitude = tc.lat
			record.Longitude = tc.lon
			assert.Equal(t, tc.want, record.ValidCoordinates())
		})
	}
}

func TestDeviceIDHelpers(t *testing.T) {
	assert.Equal(t, "TFMS90_104", ShortAliasDeviceID(104))
	assert.Equal(t, "IMEI_867762040399039", ProvisionalDeviceID("867762040399039"))

	device := NewDevice(ProvisionalDeviceID("867762040399039"), ProtocolTFMS90)
	assert.True(t, device.IsProvisional())

	device.DeviceID = ShortAliasDeviceID(100)
	assert.False(t, device.IsProvisional())
}
