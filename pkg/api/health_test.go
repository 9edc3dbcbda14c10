package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// TestHealthHandler tests the /health endpoint
func TestHealthHandler(t *testing.T) {
	hs := NewHealthServer(nil, "v1.2.3") // nil store is OK for liveness

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:           "GET request succeeds",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST request fails",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "DELETE request fails",
			method:         http.MethodDelete,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			hs.healthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "v1.2.3", response.Version)
				assert.NotZero(t, response.Timestamp)
			}
		})
	}
}

func setComponents(healthy bool) {
	for _, name := range metrics.CriticalComponents {
		metrics.SetComponent(name, healthy, "test")
	}
}

// TestReadyHandler tests the /ready endpoint
func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name           string
		store          storage.Store
		healthy        bool
		expectedStatus int
		storageCheck   string
	}{
		{
			name:           "ready with healthy components",
			store:          storage.NewMemoryStore(types.NewRegistry()),
			healthy:        true,
			expectedStatus: http.StatusOK,
			storageCheck:   "ok",
		},
		{
			name:           "not ready without store",
			store:          nil,
			healthy:        true,
			expectedStatus: http.StatusServiceUnavailable,
			storageCheck:   "not initialized",
		},
		{
			name:           "not ready with unhealthy components",
			store:          storage.NewMemoryStore(types.NewRegistry()),
			healthy:        false,
			expectedStatus: http.StatusServiceUnavailable,
			storageCheck:   "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setComponents(tt.healthy)
			t.Cleanup(func() { setComponents(false) })

			hs := NewHealthServer(tt.store, "dev")
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()

			hs.readyHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ReadyResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.storageCheck, response.Checks["storage"])
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, "ready", response.Status)
				assert.Empty(t, response.Message)
			} else {
				assert.Equal(t, "not ready", response.Status)
				assert.NotEmpty(t, response.Message)
			}
		})
	}
}

func TestReadyHandlerRejectsPost(t *testing.T) {
	hs := NewHealthServer(nil, "dev")
	req := httptest.NewRequest(http.MethodPost, "/ready", nil)
	w := httptest.NewRecorder()

	hs.readyHandler(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestGetHandler routes through the mux
func TestGetHandler(t *testing.T) {
	hs := NewHealthServer(nil, "dev")
	server := httptest.NewServer(hs.GetHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
