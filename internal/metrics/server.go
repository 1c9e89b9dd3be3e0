package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer creates an HTTP server serving /metrics (Prometheus) and a
// /healthz probe that names the reporting component. Listens on a separate
// port so the dashboard API can be firewalled from the LAN independently of
// scrape traffic. Unit files use the probe as a liveness check after
// apply-triggered restarts.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"component": "harbouros-admin",
		})
	})

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
