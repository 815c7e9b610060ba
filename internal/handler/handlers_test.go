package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/model"
	"github.com/devrev/settingsd/internal/service"
	"github.com/devrev/settingsd/internal/store"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSettings struct {
	mock.Mock
}

func (m *mockSettings) Snapshot(ctx context.Context) (model.SettingsSnapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.SettingsSnapshot), args.Error(1)
}

func (m *mockSettings) SetSimplifiedFilters(ctx context.Context, enabled bool, observer service.Observer, opts ...service.ChangeOption) error {
	args := m.Called(ctx, enabled, observer, opts)
	return args.Error(0)
}

func (m *mockSettings) SetShowStatusBar(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}

func (m *mockSettings) SetRestartProtection(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}

func (m *mockSettings) Toggle(ctx context.Context, row model.Row, observer service.Observer, opts ...service.ChangeOption) error {
	args := m.Called(ctx, row, observer, opts)
	return args.Error(0)
}

func (m *mockSettings) RemoveVPNProfile(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newTestRouter(settings SettingsService, waitTimeout time.Duration) *mux.Router {
	h := NewHandlers(settings, apperrors.NewHandler(zap.NewNop()), zap.NewNop(), waitTimeout)
	r := mux.NewRouter()
	r.HandleFunc("/v1/settings", h.GetSettings).Methods(http.MethodGet)
	r.HandleFunc("/v1/settings/simplified-filters", h.SetSimplifiedFilters).Methods(http.MethodPut)
	r.HandleFunc("/v1/settings/show-status-bar", h.SetShowStatusBar).Methods(http.MethodPut)
	r.HandleFunc("/v1/settings/restart-protection", h.SetRestartProtection).Methods(http.MethodPut)
	r.HandleFunc("/v1/settings/rows/{row}/toggle", h.ToggleRow).Methods(http.MethodPost)
	r.HandleFunc("/v1/vpn/profile", h.RemoveVPNProfile).Methods(http.MethodDelete)
	return r
}

func serve(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(apperrors.RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeChange(t *testing.T, rec *httptest.ResponseRecorder) ChangeResponse {
	t.Helper()
	var resp ChangeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// fireNoop runs opts through a no-op change on a throwaway updater, which
// fires the no-op hook the handler registered
func fireNoop(t *testing.T, opts []service.ChangeOption) {
	t.Helper()
	updater := service.NewOptimisticFlagUpdater(&service.UpdaterConfig{}, store.NewInMemoryFlagStore(map[string]bool{"k": true}, zap.NewNop()), nil, nil, nil, zap.NewNop())
	defer updater.Stop(context.Background())
	require.NoError(t, updater.RequestChange(context.Background(), "k", true,
		func(ctx context.Context) error { return nil }, nil, opts...))
}

func TestGetSettings(t *testing.T) {
	settings := &mockSettings{}
	settings.On("Snapshot", mock.Anything).Return(model.SettingsSnapshot{
		SimplifiedFilters: true,
		VisibleRows:       map[model.Row]bool{model.RowRemoveVPNProfile: true},
	}, nil)

	rec := serve(t, newTestRouter(settings, 0), http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap model.SettingsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.SimplifiedFilters)
	assert.True(t, snap.VisibleRows[model.RowRemoveVPNProfile])
}

func TestGetSettings_StoreFailure(t *testing.T) {
	settings := &mockSettings{}
	settings.On("Snapshot", mock.Anything).
		Return(model.SettingsSnapshot{}, apperrors.StoreUnavailable("get", "pro_status", errors.New("down")))

	rec := serve(t, newTestRouter(settings, 0), http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, apperrors.APICodeStoreUnavailable, body.ErrorCode)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestSetSimplifiedFilters_Accepted(t *testing.T) {
	settings := &mockSettings{}
	settings.On("SetSimplifiedFilters", mock.Anything, true, mock.Anything, mock.Anything).Return(nil)

	rec := serve(t, newTestRouter(settings, 0), http.MethodPut, "/v1/settings/simplified-filters", `{"enabled":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeChange(t, rec)
	assert.Equal(t, StatusAccepted, resp.Status)
	assert.Equal(t, model.FlagSimplifiedFilters, resp.Key)
	require.NotNil(t, resp.Value)
	assert.True(t, *resp.Value)
}

func TestSetSimplifiedFilters_WaitForRollback(t *testing.T) {
	settings := &mockSettings{}
	settings.On("SetSimplifiedFilters", mock.Anything, true, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			observer := args.Get(2).(service.Observer)
			go func() {
				time.Sleep(10 * time.Millisecond)
				observer(model.Result{
					TransactionID: "tx-1",
					Key:           model.FlagSimplifiedFilters,
					Value:         false,
					Outcome:       model.OutcomeRolledBack,
					Err:           apperrors.ReconcileFailed(model.FlagSimplifiedFilters, errors.New("rules too large")),
				})
			}()
		}).Return(nil)

	rec := serve(t, newTestRouter(settings, time.Second), http.MethodPut, "/v1/settings/simplified-filters?wait=true", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChange(t, rec)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, model.OutcomeRolledBack, resp.Outcome)
	assert.Equal(t, "tx-1", resp.TransactionID)
	require.NotNil(t, resp.Value)
	assert.False(t, *resp.Value)
	assert.Contains(t, resp.Reason, "rules too large")
}

func TestSetSimplifiedFilters_WaitOnNoop(t *testing.T) {
	settings := &mockSettings{}
	settings.On("SetSimplifiedFilters", mock.Anything, true, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			fireNoop(t, args.Get(3).([]service.ChangeOption))
		}).Return(nil)

	rec := serve(t, newTestRouter(settings, time.Second), http.MethodPut, "/v1/settings/simplified-filters?wait=true", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChange(t, rec)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, model.OutcomeCommitted, resp.Outcome)
}

func TestSetSimplifiedFilters_WaitExpires(t *testing.T) {
	settings := &mockSettings{}
	settings.On("SetSimplifiedFilters", mock.Anything, false, mock.Anything, mock.Anything).Return(nil)

	rec := serve(t, newTestRouter(settings, 20*time.Millisecond), http.MethodPut, "/v1/settings/simplified-filters?wait=1", `{"enabled":false}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSetSimplifiedFilters_Rejected(t *testing.T) {
	settings := &mockSettings{}
	settings.On("SetSimplifiedFilters", mock.Anything, true, mock.Anything, mock.Anything).
		Return(apperrors.TransactionPending(model.FlagSimplifiedFilters))

	rec := serve(t, newTestRouter(settings, 0), http.MethodPut, "/v1/settings/simplified-filters", `{"enabled":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.APICodeTransactionPending, decodeError(t, rec).ErrorCode)
}

func TestSetFlag_BadRequests(t *testing.T) {
	router := newTestRouter(&mockSettings{}, 0)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"malformed body", "/v1/settings/show-status-bar", `{"enabled":`},
		{"missing field", "/v1/settings/restart-protection", `{}`},
		{"bad wait flag", "/v1/settings/simplified-filters?wait=soon", `{"enabled":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, router, http.MethodPut, tt.target, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.APICodeInvalidRequest, decodeError(t, rec).ErrorCode)
		})
	}
}

func TestSetShowStatusBarAndRestartProtection(t *testing.T) {
	settings := &mockSettings{}
	settings.On("SetShowStatusBar", mock.Anything, false).Return(nil).Once()
	settings.On("SetRestartProtection", mock.Anything, true).Return(nil).Once()
	router := newTestRouter(settings, 0)

	rec := serve(t, router, http.MethodPut, "/v1/settings/show-status-bar", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.FlagShowStatusBar, decodeChange(t, rec).Key)

	rec = serve(t, router, http.MethodPut, "/v1/settings/restart-protection", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeChange(t, rec)
	assert.Equal(t, model.FlagRestartByReachability, resp.Key)
	assert.Equal(t, model.OutcomeCommitted, resp.Outcome)

	settings.AssertExpectations(t)
}

func TestToggleRow_DirectRowReportsImmediately(t *testing.T) {
	settings := &mockSettings{}
	settings.On("Toggle", mock.Anything, model.RowShowStatusBar, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(service.Observer)(model.Result{
				Key:     model.FlagShowStatusBar,
				Value:   true,
				Outcome: model.OutcomeCommitted,
			})
		}).Return(nil)

	rec := serve(t, newTestRouter(settings, 0), http.MethodPost, "/v1/settings/rows/show_status_bar/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChange(t, rec)
	assert.Equal(t, StatusOK, resp.Status)
	require.NotNil(t, resp.Value)
	assert.True(t, *resp.Value)
}

func TestToggleRow_UnknownRow(t *testing.T) {
	settings := &mockSettings{}
	settings.On("Toggle", mock.Anything, model.Row("dark_mode"), mock.Anything, mock.Anything).
		Return(apperrors.UnknownRow("dark_mode"))

	rec := serve(t, newTestRouter(settings, 0), http.MethodPost, "/v1/settings/rows/dark_mode/toggle", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveVPNProfile(t *testing.T) {
	settings := &mockSettings{}
	settings.On("RemoveVPNProfile", mock.Anything).Return(nil).Once()
	router := newTestRouter(settings, 0)

	rec := serve(t, router, http.MethodDelete, "/v1/vpn/profile", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	settings.On("RemoveVPNProfile", mock.Anything).Return(apperrors.VPNRemovalFailed(errors.New("denied"))).Once()
	rec = serve(t, router, http.MethodDelete, "/v1/vpn/profile", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apperrors.APICodeVPNRemovalFailed, decodeError(t, rec).ErrorCode)
}
