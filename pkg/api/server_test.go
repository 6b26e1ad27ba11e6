package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/orchestrator"
	"github.com/chainweave/indexor/pkg/config"
)

func TestServer_DisabledReturnsImmediately(t *testing.T) {
	cfg := &config.APIConfig{Enabled: false}
	srv := NewServer(cfg, &fakeHealthProvider{}, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, srv.Start(ctx))
}

func TestServer_ServesHealthz(t *testing.T) {
	cfg := &config.APIConfig{
		Enabled:       true,
		ListenAddress: "127.0.0.1:0",
		ReadTimeout:   common.NewDuration(time.Second),
		WriteTimeout:  common.NewDuration(time.Second),
		IdleTimeout:   common.NewDuration(time.Second),
	}
	engine := &fakeHealthProvider{statuses: []orchestrator.HealthStatus{
		{Network: "mainnet", Healthy: true, TipBlock: 10, LastDispatchedBlock: 10},
	}}
	srv := NewServer(cfg, engine, logger.NewNopLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handler.Health(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
