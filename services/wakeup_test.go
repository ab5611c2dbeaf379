package services

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWakeupHarness(t *testing.T) (*WakeupServer, *Agent) {
	t.Helper()
	h := newAgentHarness(t, nil)
	srv := NewWakeupServer(h.agent, "wake-token", 0, slog.Default())
	return srv, h.agent
}

func TestWakeupEndpoint(t *testing.T) {
	srv, agent := newWakeupHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/wakeup", nil)
	req.Header.Set("Authorization", "Bearer wake-token")
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, ModeActive, agent.Snapshot().Mode)
}

func TestWakeupEndpointRejectsBadToken(t *testing.T) {
	tests := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"wrong token", "Bearer nope"},
		{"no bearer prefix", "wake-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, agent := newWakeupHarness(t)
			req := httptest.NewRequest(http.MethodPost, "/wakeup", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := srv.App().Test(req)
			require.NoError(t, err)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, ModeIdle, agent.Snapshot().Mode, "rejected wakeup must not change state")
		})
	}
}

func TestWakeupEndpointUnknownPaths(t *testing.T) {
	srv, _ := newWakeupHarness(t)

	for _, path := range []string{"/", "/status", "/wakeup/extra"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp, err := srv.App().Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	// Wrong method on the real path is also a 404
	req := httptest.NewRequest(http.MethodGet, "/wakeup", nil)
	req.Header.Set("Authorization", "Bearer wake-token")
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWakeupEndpointOpenWhenNoToken(t *testing.T) {
	h := newAgentHarness(t, nil)
	srv := NewWakeupServer(h.agent, "", 0, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/wakeup", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
