package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calvadev/nostrpow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticRelays []models.RelayStatusSnapshot

func (s staticRelays) Statuses() []models.RelayStatusSnapshot { return s }

func component(t *testing.T, resp *HealthResponse, name string) *ComponentStatus {
	t.Helper()
	for _, c := range resp.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %s missing", name)
	return nil
}

func TestRelayComponent(t *testing.T) {
	tests := []struct {
		name   string
		relays staticRelays
		want   HealthStatus
	}{
		{"none configured", nil, StatusDegraded},
		{"all down", staticRelays{{URL: "wss://a", Status: models.StatusError}}, StatusUnhealthy},
		{"partial", staticRelays{
			{URL: "wss://a", Status: models.StatusConnected},
			{URL: "wss://b", Status: models.StatusConnecting},
		}, StatusDegraded},
		{"all up", staticRelays{{URL: "wss://a", Status: models.StatusConnected}}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(Sources{Relays: tt.relays}, zap.NewNop(), "test")
			resp := h.CheckHealth()
			assert.Equal(t, tt.want, component(t, resp, "relays").Status)
		})
	}
}

func TestIngestComponent(t *testing.T) {
	queued := 0
	h := NewHealthChecker(Sources{
		Relays:        staticRelays{{URL: "wss://a", Status: models.StatusConnected}},
		QueueLen:      func() int { return queued },
		QueueCapacity: 100,
		NoteCount:     func() int { return 7 },
	}, zap.NewNop(), "test")

	c := component(t, h.CheckHealth(), "ingest")
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, 7, c.Details["notes_stored"])

	queued = 80
	assert.Equal(t, StatusDegraded, component(t, h.CheckHealth(), "ingest").Status)

	queued = 99
	assert.Equal(t, StatusUnhealthy, component(t, h.CheckHealth(), "ingest").Status)
}

func TestHandleHealth(t *testing.T) {
	h := NewHealthChecker(Sources{Relays: staticRelays{{URL: "wss://a", Status: models.StatusError}}}, zap.NewNop(), "v1")

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores relay outages")

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "v1", body.Version)

	rec = httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health?ready=1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormatUptime(t *testing.T) {
	h := &HealthChecker{}
	assert.Equal(t, "5s", h.formatUptime(5e9))
	assert.Equal(t, "1m 5s", h.formatUptime(65e9))
	assert.Equal(t, "1d 0h 0m 1s", h.formatUptime(86401e9))
}
