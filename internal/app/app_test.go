package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/settingsd/internal/config"
	"github.com/devrev/settingsd/internal/handler"
	"github.com/devrev/settingsd/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type upstreams struct {
	contentBlocker *httptest.Server
	vpn            *httptest.Server
	reloadStatus   atomic.Int32
	vpnUpdates     atomic.Int32
}

func newUpstreams(t *testing.T) *upstreams {
	t.Helper()
	u := &upstreams{}
	u.reloadStatus.Store(http.StatusOK)

	u.contentBlocker = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(u.reloadStatus.Load()))
	}))
	u.vpn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/vpn/status":
			json.NewEncoder(w).Encode(model.VPNStatus{Installed: true, TunnelMode: model.TunnelModeFull})
		case "/v1/vpn/settings":
			u.vpnUpdates.Add(1)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(func() {
		u.contentBlocker.Close()
		u.vpn.Close()
	})
	return u
}

func testConfig(u *upstreams) *config.Config {
	upstream := func(url string) config.UpstreamConfig {
		return config.UpstreamConfig{BaseURL: url, Timeout: time.Second, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond}
	}
	return &config.Config{
		Server: config.ServerConfig{
			NodeID:          "test",
			Port:            8080,
			WriteTimeout:    5 * time.Second,
			WaitTimeout:     2 * time.Second,
			ShutdownTimeout: 2 * time.Second,
		},
		Store: config.StoreConfig{
			Backend: config.StoreBackendMemory,
			Initial: map[string]bool{model.FlagProStatus: true},
		},
		Updater: config.UpdaterConfig{
			PendingPolicy: "queue",
			Workers:       2,
			QueueSize:     16,
			MainQueueSize: 16,
		},
		ContentBlocker: upstream(u.contentBlocker.URL),
		VPN:            upstream(u.vpn.URL),
		Metrics:        config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func startApp(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	a, err := New(cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(a.Server().Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, a.Shutdown())
	})
	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_SimplifiedFiltersEndToEnd(t *testing.T) {
	u := newUpstreams(t)
	srv := startApp(t, testConfig(u))

	resp := do(t, http.MethodPut, srv.URL+"/v1/settings/simplified-filters?wait=true", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var change handler.ChangeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&change))
	assert.Equal(t, model.OutcomeCommitted, change.Outcome)

	// A failing rebuild rolls the flag back to true
	u.reloadStatus.Store(http.StatusInternalServerError)
	resp = do(t, http.MethodPut, srv.URL+"/v1/settings/simplified-filters?wait=true", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	change = handler.ChangeResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&change))
	assert.Equal(t, model.OutcomeRolledBack, change.Outcome)
	require.NotNil(t, change.Value)
	assert.True(t, *change.Value)

	resp = do(t, http.MethodGet, srv.URL+"/v1/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap model.SettingsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.SimplifiedFilters)
	assert.True(t, snap.VisibleRows[model.RowRestartProtection])
	assert.True(t, snap.VisibleRows[model.RowRemoveVPNProfile])
	assert.Equal(t, "tunnel_mode_full_description", snap.TunnelModeDescription)
}

func TestApp_ToggleRestartProtectionPushesToVPN(t *testing.T) {
	u := newUpstreams(t)
	srv := startApp(t, testConfig(u))

	resp := do(t, http.MethodPost, srv.URL+"/v1/settings/rows/restart_protection/toggle", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return u.vpnUpdates.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestApp_HealthAndMetrics(t *testing.T) {
	u := newUpstreams(t)
	srv := startApp(t, testConfig(u))

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/health", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/ready", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/v2/nothing", "").StatusCode)

	do(t, http.MethodGet, srv.URL+"/v1/settings", "")
	resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	_, err := io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "settingsd_http_requests_total")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	u := newUpstreams(t)
	cfg := testConfig(u)
	cfg.Server.Port = 0

	a, err := New(cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewFlagStore(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"memory", config.StoreConfig{Backend: config.StoreBackendMemory}},
		{"file", config.StoreConfig{Backend: config.StoreBackendFile, File: config.FileConfig{Path: t.TempDir() + "/flags.yaml"}}},
		{"redis", config.StoreConfig{Backend: config.StoreBackendRedis, Redis: config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "t:"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewFlagStore(&tt.cfg, zap.NewNop())
			require.NoError(t, err)
			defer s.Close()

			ctx := context.Background()
			require.NoError(t, s.SetBool(ctx, model.FlagShowStatusBar, true))
			v, err := s.GetBool(ctx, model.FlagShowStatusBar)
			require.NoError(t, err)
			assert.True(t, v)
		})
	}

	_, err := NewFlagStore(&config.StoreConfig{Backend: "etcd"}, zap.NewNop())
	assert.Error(t, err)
}
