package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes the hub's HTTP surface: liveness under /healthz and
// Prometheus metrics under /metrics.
type HealthServer struct {
	hub    *Hub
	addr   string
	server *http.Server
}

// NewHealthServer creates a health server for the given hub.
func NewHealthServer(hub *Hub, addr string) *HealthServer {
	if addr == "" {
		addr = ":8080"
	}
	return &HealthServer{hub: hub, addr: addr}
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK when the hub runs on durable Redis, 503 when it has fallen
// back to in-memory mode.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:   "healthy",
		Instance: h.hub.cfg.Instance,
		Redis:    "connected",
	}
	code := http.StatusOK

	if !h.hub.store.Connected() || !h.hub.bus.Connected() {
		response.Status = "degraded"
		response.Redis = "disconnected"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	Redis    string `json:"redis,omitempty"`
}
