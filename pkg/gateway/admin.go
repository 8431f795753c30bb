package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// APISummary describes a deployed API on the admin endpoint.
type APISummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	ContextPaths []string `json:"contextPaths"`
	Plans        []string `json:"plans"`
	Entrypoints  []string `json:"entrypoints"`
}

// AdminConfig holds configuration for the admin handler.
type AdminConfig struct {
	Manager  *Manager
	Metrics  *telemetry.GatewayMetrics
	Breakers *governance.CircuitBreakerManager
	Logger   *slog.Logger
}

// NewAdminHandler serves health, readiness, metrics and deployment state.
func NewAdminHandler(cfg AdminConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
		generation := cfg.Manager.Store().Generation()
		status := http.StatusOK
		state := "ready"
		if generation == 0 {
			status = http.StatusServiceUnavailable
			state = "waiting for deployment"
		}
		writeJSON(w, logger, status, map[string]any{
			"status":     state,
			"generation": generation,
			"apis":       cfg.Manager.Len(),
		})
	})
	mux.HandleFunc("GET /apis", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, summarize(cfg.Manager))
	})
	mux.HandleFunc("GET /circuits", func(w http.ResponseWriter, _ *http.Request) {
		states := map[string]governance.CircuitBreakerState{}
		if cfg.Breakers != nil {
			states = cfg.Breakers.States()
		}
		writeJSON(w, logger, http.StatusOK, states)
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	return mux
}

func summarize(m *Manager) []APISummary {
	apis := m.Store().APIs()
	out := make([]APISummary, 0, len(apis))
	for _, api := range apis {
		summary := APISummary{
			ID:           api.ID,
			Name:         api.Name,
			Version:      api.Version,
			ContextPaths: []string{},
			Plans:        []string{},
			Entrypoints:  []string{},
		}
		for _, p := range api.ContextPaths() {
			summary.ContextPaths = append(summary.ContextPaths, p.Host+p.Path)
		}
		for _, p := range api.Plans {
			summary.Plans = append(summary.Plans, p.ID)
		}
		if reactor, ok := m.Reactor(api.ID); ok {
			for _, c := range reactor.Entrypoints().Connectors() {
				summary.Entrypoints = append(summary.Entrypoints, c.ID())
			}
		}
		sort.Strings(summary.ContextPaths)
		out = append(out, summary)
	}
	return out
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode admin response", "error", err)
	}
}
