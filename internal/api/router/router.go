// Package router assembles the HTTP read API: device and telemetry queries,
// health, and the Prometheus scrape endpoint. Ingestion never goes through
// HTTP; devices speak their own TCP protocols.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetpulse/internal/api/handler"
	"fleetpulse/internal/api/middleware"
	"fleetpulse/internal/cache"
	"fleetpulse/internal/core/store"
)

func NewRouter(st store.Store, c *cache.Cache) http.Handler {
	deviceHandler := handler.NewDeviceHandler(st)
	telemetryHandler := handler.NewTelemetryHandler(st, c)

	mux := http.NewServeMux()

	withMiddleware := func(h http.Handler) http.Handler {
		return middleware.CORSMiddleware(middleware.LoggingMiddleware(h))
	}

	mux.Handle("/health", withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})))

	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/devices/list", withMiddleware(getOnly(deviceHandler.List)))
	mux.Handle("/api/devices/get", withMiddleware(getOnly(deviceHandler.Get)))
	mux.Handle("/api/devices/telemetry", withMiddleware(getOnly(telemetryHandler.History)))
	mux.Handle("/api/devices/telemetry/latest", withMiddleware(getOnly(telemetryHandler.Latest)))

	return mux
}

func getOnly(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}
