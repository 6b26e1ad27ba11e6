package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/orchestrator"
)

type fakeHealthProvider struct {
	statuses []orchestrator.HealthStatus
}

func (f *fakeHealthProvider) Health() []orchestrator.HealthStatus {
	return f.statuses
}

func TestHandler_Health_AllHealthy(t *testing.T) {
	engine := &fakeHealthProvider{statuses: []orchestrator.HealthStatus{
		{Network: "mainnet", Healthy: true, TipBlock: 100, LastDispatchedBlock: 100},
		{Network: "polygon", Healthy: true, TipBlock: 50, LastDispatchedBlock: 50},
	}}
	h := NewHandler(engine, logger.NewNopLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Networks, 2)
}

func TestHandler_Health_OneNetworkUnhealthy(t *testing.T) {
	engine := &fakeHealthProvider{statuses: []orchestrator.HealthStatus{
		{Network: "mainnet", Healthy: true, TipBlock: 100, LastDispatchedBlock: 100},
		{Network: "polygon", Healthy: false, TipBlock: 50, LastDispatchedBlock: 10},
	}}
	h := NewHandler(engine, logger.NewNopLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestHandler_Ready_NoNetworksYet(t *testing.T) {
	engine := &fakeHealthProvider{}
	h := NewHandler(engine, logger.NewNopLogger())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.Ready(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestHandler_Ready_NetworksReporting(t *testing.T) {
	engine := &fakeHealthProvider{statuses: []orchestrator.HealthStatus{
		{Network: "mainnet", Healthy: false, TipBlock: 100, LastDispatchedBlock: 40},
	}}
	h := NewHandler(engine, logger.NewNopLogger())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.Ready(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
}
