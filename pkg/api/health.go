package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/storage"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	store   storage.Store
	version string
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates the health check HTTP server. store may be nil
// before it is opened.
func NewHealthServer(store storage.Store, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		store:   store,
		version: version,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the body of /ready. Checks holds one entry per critical
// component plus "storage".
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// healthHandler answers 200 for as long as the process runs
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// readyHandler answers 200 once every critical component is healthy and
// the store answers a read, 503 otherwise
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	readiness := metrics.GetReadiness()
	ready, message := readiness.Ready, readiness.Message
	checks := readiness.Components

	storageCheck, err := hs.checkStore()
	checks["storage"] = storageCheck
	if err != nil {
		if ready {
			message = err.Error()
		}
		ready = false
	}

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
		Uptime:    readiness.Uptime.Round(time.Second).String(),
	}
	code := http.StatusOK
	if !ready {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// checkStore reads the runtime snapshot as a probe of the store
func (hs *HealthServer) checkStore() (string, error) {
	if hs.store == nil {
		return "not initialized", errors.New("store not initialized")
	}
	if _, err := hs.store.LoadSnapshot(); err != nil {
		return fmt.Sprintf("error: %v", err), fmt.Errorf("store not accessible: %w", err)
	}
	return "ok", nil
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
