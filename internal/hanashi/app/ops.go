package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bdobrica/Hanashi/common/version"
)

// Router serves the operational endpoints:
//
//	GET /healthz  storage reachability, uptime and loaded agents
//	GET /metrics  Prometheus exposition
//	GET /version  build information
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"version":    version.Version,
			"commit":     version.GitCommit,
			"build_time": version.BuildTime,
		})
	})
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{
		"status":         "ok",
		"backend":        a.cfg.Database.Backend,
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		"active_agents":  a.pool.Len(),
	}
	status := http.StatusOK
	if err := a.Ping(ctx); err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
