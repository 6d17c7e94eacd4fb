// Package metrics exposes the daemon's frame pipeline counters on a
// Prometheus-scraped /metrics endpoint, the pull-based counterpart to the
// teacher's push-logged StreamMetrics snapshots, and the health monitor's
// summary on /healthz.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openbmc-ikvm/ikvmd/internal/health"
	"github.com/openbmc-ikvm/ikvmd/internal/logging"
)

var log = logging.L("metrics")

// Registry holds the daemon's frame-pipeline counters and client gauge.
type Registry struct {
	FramesCaptured prometheus.Counter
	FramesEncoded  prometheus.Counter
	FramesSent     prometheus.Counter
	FramesSkipped  prometheus.Counter
	FramesDropped  prometheus.Counter
	ClientsActive  prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewRegistry creates a fresh Prometheus registry with the daemon's
// counters registered under the "ikvmd" namespace.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	counter := func(name, help string) prometheus.Counter {
		c := promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "ikvmd",
			Subsystem: "frames",
			Name:      name,
			Help:      help,
		})
		return c
	}

	r.FramesCaptured = counter("captured_total", "Capture GetFrame calls that returned without error, including calls that found a frame already waiting or timed out with none.")
	r.FramesEncoded = counter("encoded_total", "Frames that changed format before delivery.")
	r.FramesSent = counter("sent_total", "Render-loop ticks that handed a frame to the RFB server, whether or not any client was written to.")
	r.FramesSkipped = counter("skipped_total", "Frames suppressed by identical-frame CRC or client skip windows.")
	r.FramesDropped = counter("dropped_total", "Frames discarded without being sent to any client.")
	r.ClientsActive = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: "ikvmd",
		Name:      "clients_active",
		Help:      "Number of RFB clients currently connected.",
	})

	return r
}

// Serve starts the /metrics and /healthz HTTP endpoints and blocks until
// ctx is done. healthMon may be nil, in which case /healthz always reports
// unknown.
func (r *Registry) Serve(ctx context.Context, addr string, healthMon *health.Monitor) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthzHandler(healthMon))
	r.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// healthzHandler renders the health Monitor's summary as JSON, returning
// 503 when the overall status is anything but healthy so load balancers
// and liveness probes can key off the status code alone.
func healthzHandler(healthMon *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if healthMon == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": string(health.Unknown)})
			return
		}

		summary := healthMon.Summary()
		w.Header().Set("Content-Type", "application/json")
		if summary["status"] != string(health.Healthy) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(summary)
	}
}
