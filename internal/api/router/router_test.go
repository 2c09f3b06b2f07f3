package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetpulse/internal/core/model"
	"fleetpulse/internal/core/store"
)

func seedStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()

	device := model.NewDevice("TFMS90_100", model.ProtocolTFMS90)
	device.IMEI = "861261023456789"
	require.NoError(t, st.UpsertDevice(device))

	older := model.NewTelemetryRecord("TFMS90_100", model.ProtocolTFMS90, "TD")
	older.Timestamp = time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)
	older.Latitude, older.Longitude = 37.0, -122.0
	newer := model.NewTelemetryRecord("TFMS90_100", model.ProtocolTFMS90, "TD")
	newer.Timestamp = time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	newer.Latitude, newer.Longitude = 38.0, -121.0
	require.NoError(t, st.InsertBatch([]*model.TelemetryRecord{older, newer}))

	return st
}

func doRequest(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := NewRouter(store.NewMemoryStore(), nil)

	rec := doRequest(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsExposed(t *testing.T) {
	h := NewRouter(store.NewMemoryStore(), nil)

	rec := doRequest(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListDevices(t *testing.T) {
	h := NewRouter(seedStore(t), nil)

	rec := doRequest(t, h, http.MethodGet, "/api/devices/list")
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []model.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "TFMS90_100", devices[0].DeviceID)
}

func TestGetDevice(t *testing.T) {
	h := NewRouter(seedStore(t), nil)

	rec := doRequest(t, h, http.MethodGet, "/api/devices/get?id=TFMS90_100")
	require.Equal(t, http.StatusOK, rec.Code)
	var device model.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	assert.Equal(t, "861261023456789", device.IMEI)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodGet, "/api/devices/get").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, h, http.MethodGet, "/api/devices/get?id=TFMS90_999").Code)
}

func TestTelemetryHistory(t *testing.T) {
	h := NewRouter(seedStore(t), nil)

	rec := doRequest(t, h, http.MethodGet, "/api/devices/telemetry?deviceId=TFMS90_100")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []model.TelemetryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.True(t, records[0].Timestamp.After(records[1].Timestamp), "newest first")

	rec = doRequest(t, h, http.MethodGet, "/api/devices/telemetry?deviceId=TFMS90_100&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	records = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 1)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodGet, "/api/devices/telemetry").Code)
	assert.Equal(t, http.StatusBadRequest,
		doRequest(t, h, http.MethodGet, "/api/devices/telemetry?deviceId=TFMS90_100&limit=zero").Code)
}

func TestTelemetryLatest(t *testing.T) {
	h := NewRouter(seedStore(t), nil)

	rec := doRequest(t, h, http.MethodGet, "/api/devices/telemetry/latest?deviceId=TFMS90_100")
	require.Equal(t, http.StatusOK, rec.Code)

	var record model.TelemetryRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, 38.0, record.Latitude)

	assert.Equal(t, http.StatusNotFound,
		doRequest(t, h, http.MethodGet, "/api/devices/telemetry/latest?deviceId=TFMS90_404").Code)
}

func TestMethodGuards(t *testing.T) {
	h := NewRouter(seedStore(t), nil)

	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, h, http.MethodPost, "/api/devices/list").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, h, http.MethodDelete, "/api/devices/telemetry?deviceId=x").Code)

	// Preflight is answered by the CORS layer before the method guard.
	rec := doRequest(t, h, http.MethodOptions, "/api/devices/list")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
