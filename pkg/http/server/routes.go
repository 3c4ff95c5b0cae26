package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler assembles the admin mux: a JSON health endpoint and the
// Prometheus exposition endpoint for reg.
func Handler(log logr.Logger, reg *prometheus.Registry, startTime time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthCheck(log, startTime))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return mux
}

// healthCheck reports process liveness along with uptime and goroutine count.
func healthCheck(log logr.Logger, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		res := struct {
			Uptime     string `json:"uptime"`
			Goroutines int    `json:"goroutines"`
		}{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			Goroutines: runtime.NumGoroutine(),
		}

		var body bytes.Buffer
		if err := json.NewEncoder(&body).Encode(&res); err != nil {
			log.Info("marshalling health check response failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(body.Bytes()); err != nil {
			log.Info("writing health check response failed", "error", err)
		}
	}
}
