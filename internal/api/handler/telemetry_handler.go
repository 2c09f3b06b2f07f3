package handler

import (
	"net/http"
	"strconv"

	"fleetpulse/internal/cache"
	"fleetpulse/internal/core/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type TelemetryHandler struct {
	telemetry store.TelemetryReader
	cache     *cache.Cache
}

func NewTelemetryHandler(telemetry store.TelemetryReader, c *cache.Cache) *TelemetryHandler {
	return &TelemetryHandler{telemetry: telemetry, cache: c}
}

// History returns the most recent records for a device, newest first.
func (h *TelemetryHandler) History(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		http.Error(w, "Device ID required", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	records, err := h.telemetry.FindTelemetryByDeviceID(deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

// Latest returns a device's last known record, served from cache when warm.
func (h *TelemetryHandler) Latest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		http.Error(w, "Device ID required", http.StatusBadRequest)
		return
	}

	if record, err := h.cache.LatestTelemetry(r.Context(), deviceID); err == nil {
		writeJSON(w, record)
		return
	}

	record, err := h.telemetry.FindLatestTelemetryByDeviceID(deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "No telemetry found", http.StatusNotFound)
		return
	}
	h.cache.PutLatestTelemetry(r.Context(), record)
	writeJSON(w, record)
}
