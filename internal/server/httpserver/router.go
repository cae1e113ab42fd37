package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yndnr/keymesh-go/internal/engine"
	"github.com/yndnr/keymesh-go/internal/infra/buildinfo"
	"github.com/yndnr/keymesh-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the ops HTTP router.
type RouterConfig struct {
	// Engine is the data engine whose statistics are exposed.
	Engine *engine.Engine

	// Metrics serves the /metrics endpoint. Optional.
	Metrics *metric.Metrics

	// Logger for request logging.
	Logger *slog.Logger
}

// NewRouter creates and configures the ops HTTP router.
//
// Routes:
//   - GET /healthz  liveness probe
//   - GET /version  build information
//   - GET /stats    engine statistics snapshot
//   - GET /metrics  Prometheus metrics (when configured)
func NewRouter(cfg *RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /version", handleVersion)
	mux.HandleFunc("GET /stats", handleStats(cfg.Engine))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Order: Recover -> RequestID -> Logging -> mux.
	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = RequestID()(handler)
	handler = Recover(logger)(handler)
	return handler
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Get())
}

func handleStats(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if eng == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not running"})
			return
		}
		writeJSON(w, http.StatusOK, eng.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
