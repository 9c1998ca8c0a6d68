package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/pkg/logger"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func decode(t *testing.T, rec *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var s HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	return s
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all healthy",
			checks:     []Check{{Name: "sqlite", Critical: true, Probe: ok}, {Name: "kafka", Probe: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "optional dependency down",
			checks:     []Check{{Name: "sqlite", Critical: true, Probe: ok}, {Name: "clickhouse", Probe: down}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "critical dependency down",
			checks:     []Check{{Name: "postgres", Critical: true, Probe: down}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(logger.Nop(), "agentrouter", "test", tt.checks...)
			rec := httptest.NewRecorder()
			h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, decode(t, rec).Status)
		})
	}
}

func TestHandleReadiness_IgnoresOptionalChecks(t *testing.T) {
	h := New(logger.Nop(), "agentrouter", "test",
		Check{Name: "sqlite", Critical: true, Probe: ok},
		Check{Name: "kafka", Probe: down},
	)
	rec := httptest.NewRecorder()
	h.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	s := decode(t, rec)
	assert.Equal(t, "unhealthy", s.Checks["kafka"].Status)
	assert.Equal(t, "connection refused", s.Checks["kafka"].Error)
}

func TestHandleHealth_Details(t *testing.T) {
	h := New(logger.Nop(), "agentrouter", "test").WithDetails(func() map[string]any {
		return map[string]any{"open_breakers": 2}
	})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	s := decode(t, rec)
	assert.Equal(t, float64(2), s.Details["open_breakers"])
}
