package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/inflight"
	"github.com/devrev/settingsd/internal/model"
	"github.com/devrev/settingsd/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockContentBlocker struct {
	mock.Mock
}

func (m *mockContentBlocker) ReloadRules(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockVPNManager struct {
	mock.Mock
}

func (m *mockVPNManager) UpdateSettings(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockVPNManager) RemoveConfiguration(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockVPNManager) Status(ctx context.Context) (model.VPNStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.VPNStatus), args.Error(1)
}

type settingsFixture struct {
	*updaterFixture
	service *SettingsService
	blocker *mockContentBlocker
	vpn     *mockVPNManager
	tracker *inflight.Tracker
	events  chan notify.Event
}

func setupSettings(t *testing.T, initial map[string]bool) *settingsFixture {
	t.Helper()
	f := setupUpdater(t, PendingPolicyQueue, initial)
	blocker := &mockContentBlocker{}
	vpn := &mockVPNManager{}
	tracker := inflight.NewTracker(zap.NewNop())
	broadcaster := notify.NewBroadcaster(zap.NewNop())

	events := make(chan notify.Event, 16)
	broadcaster.Subscribe(func(ev notify.Event) { events <- ev })

	svc := NewSettingsService(f.updater, f.store, blocker, vpn, broadcaster, tracker, zap.NewNop())
	return &settingsFixture{
		updaterFixture: f,
		service:        svc,
		blocker:        blocker,
		vpn:            vpn,
		tracker:        tracker,
		events:         events,
	}
}

func (f *settingsFixture) drainBackground(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.tracker.Wait(ctx))
}

func nextEvent(t *testing.T, ch chan notify.Event) notify.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("no event was published")
		return notify.Event{}
	}
}

func TestSetSimplifiedFilters_ReloadsRulesAndPublishes(t *testing.T) {
	f := setupSettings(t, nil)
	f.blocker.On("ReloadRules", mock.Anything).Return(nil).Once()

	observer, results := collect()
	require.NoError(t, f.service.SetSimplifiedFilters(context.Background(), true, observer))

	res := awaitResult(t, results)
	assert.Equal(t, model.OutcomeCommitted, res.Outcome)
	assert.True(t, res.Value)
	assert.True(t, f.store.value(t, model.FlagSimplifiedFilters))

	ev := nextEvent(t, f.events)
	assert.Equal(t, notify.EventFlagChanged, ev.Type)
	assert.Equal(t, model.FlagSimplifiedFilters, ev.Key)
	assert.True(t, ev.Value)
	f.blocker.AssertExpectations(t)
}

func TestSetSimplifiedFilters_RebuildFailureRollsBack(t *testing.T) {
	f := setupSettings(t, nil)
	f.blocker.On("ReloadRules", mock.Anything).Return(errors.New("rules too large")).Once()

	observer, results := collect()
	require.NoError(t, f.service.SetSimplifiedFilters(context.Background(), true, observer))

	res := awaitResult(t, results)
	assert.Equal(t, model.OutcomeRolledBack, res.Outcome)
	assert.False(t, res.Value)
	assert.True(t, apperrors.IsReconcileFailure(res.Err))
	assert.Contains(t, res.Reason(), "rules too large")
	assert.False(t, f.store.value(t, model.FlagSimplifiedFilters))

	ev := nextEvent(t, f.events)
	assert.Equal(t, notify.EventFlagChanged, ev.Type)
	assert.False(t, ev.Value)
}

func TestSetSimplifiedFilters_SameValueDoesNothing(t *testing.T) {
	f := setupSettings(t, map[string]bool{model.FlagSimplifiedFilters: true})

	observer, results := collect()
	require.NoError(t, f.service.SetSimplifiedFilters(context.Background(), true, observer))

	assertNoResult(t, f.updaterFixture, results)
	assert.Empty(t, f.events)
	f.blocker.AssertNotCalled(t, "ReloadRules", mock.Anything)
}

func TestSetShowStatusBar(t *testing.T) {
	f := setupSettings(t, map[string]bool{model.FlagShowStatusBar: true})
	ctx := context.Background()

	require.NoError(t, f.service.SetShowStatusBar(ctx, false))
	assert.False(t, f.store.value(t, model.FlagShowStatusBar))
	assert.Equal(t, notify.EventHideStatusView, nextEvent(t, f.events).Type)

	require.NoError(t, f.service.SetShowStatusBar(ctx, true))
	assert.True(t, f.store.value(t, model.FlagShowStatusBar))
	assert.Empty(t, f.events, "turning the status bar on publishes nothing")
}

func TestSetShowStatusBar_StoreFailure(t *testing.T) {
	f := setupSettings(t, nil)
	f.store.failSet = true

	err := f.service.SetShowStatusBar(context.Background(), false)
	assert.True(t, apperrors.IsStoreFailure(err))
	assert.Empty(t, f.events)
}

func TestSetRestartProtection_PushesToVPNManager(t *testing.T) {
	f := setupSettings(t, nil)
	f.vpn.On("UpdateSettings", mock.Anything).Return(nil).Once()

	require.NoError(t, f.service.SetRestartProtection(context.Background(), true))
	f.drainBackground(t)

	assert.True(t, f.store.value(t, model.FlagRestartByReachability))
	f.vpn.AssertExpectations(t)
}

func TestSetRestartProtection_VPNFailureIsNotReturned(t *testing.T) {
	f := setupSettings(t, nil)
	f.vpn.On("UpdateSettings", mock.Anything).Return(errors.New("tunnel busy")).Once()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.service.SetRestartProtection(ctx, true))
	cancel()
	f.drainBackground(t)

	assert.True(t, f.store.value(t, model.FlagRestartByReachability), "the stored value is kept")
	f.vpn.AssertExpectations(t)
}

func TestToggle(t *testing.T) {
	f := setupSettings(t, map[string]bool{model.FlagShowStatusBar: true})
	f.blocker.On("ReloadRules", mock.Anything).Return(nil)
	f.vpn.On("UpdateSettings", mock.Anything).Return(nil)
	ctx := context.Background()

	observer, results := collect()

	require.NoError(t, f.service.Toggle(ctx, model.RowSimplifiedFilters, observer))
	res := awaitResult(t, results)
	assert.Equal(t, model.OutcomeCommitted, res.Outcome)
	assert.True(t, res.Value)

	require.NoError(t, f.service.Toggle(ctx, model.RowShowStatusBar, observer))
	res = awaitResult(t, results)
	assert.Equal(t, model.FlagShowStatusBar, res.Key)
	assert.False(t, res.Value)

	require.NoError(t, f.service.Toggle(ctx, model.RowRestartProtection, observer))
	res = awaitResult(t, results)
	assert.Equal(t, model.FlagRestartByReachability, res.Key)
	assert.True(t, res.Value)
	f.drainBackground(t)

	assert.True(t, f.store.value(t, model.FlagSimplifiedFilters))
	assert.False(t, f.store.value(t, model.FlagShowStatusBar))
	assert.True(t, f.store.value(t, model.FlagRestartByReachability))
}

func TestToggle_ConcurrentDirectTogglesAllApply(t *testing.T) {
	f := setupSettings(t, nil)
	ctx := context.Background()

	const toggles = 21
	var committed atomic.Int32
	observer := func(res model.Result) {
		if res.Outcome == model.OutcomeCommitted {
			committed.Add(1)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < toggles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.service.Toggle(ctx, model.RowShowStatusBar, observer))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(toggles), committed.Load())
	// an odd number of flips starting from false ends on true
	assert.True(t, f.store.value(t, model.FlagShowStatusBar))
	assert.Len(t, f.events, toggles/2, "every flip to false hides the status view")
}

func TestToggle_InvalidRows(t *testing.T) {
	f := setupSettings(t, nil)
	ctx := context.Background()

	err := f.service.Toggle(ctx, model.RowRemoveVPNProfile, nil)
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))

	err = f.service.Toggle(ctx, model.Row("dark_mode"), nil)
	assert.Equal(t, apperrors.ErrCodeUnknownRow, apperrors.GetCode(err))
}

func TestSnapshot(t *testing.T) {
	tests := []struct {
		name         string
		flags        map[string]bool
		status       model.VPNStatus
		statusErr    error
		wantRestart  bool
		wantRemove   bool
		wantDescribe string
	}{
		{
			name:         "pro user with split tunnel",
			flags:        map[string]bool{model.FlagProStatus: true, model.FlagRestartByReachability: true},
			status:       model.VPNStatus{Installed: true, TunnelMode: model.TunnelModeSplit},
			wantRestart:  true,
			wantRemove:   true,
			wantDescribe: "tunnel_mode_split_description",
		},
		{
			name:         "free user with full tunnel",
			status:       model.VPNStatus{Installed: true, TunnelMode: model.TunnelModeFullWithoutVPNIcon},
			wantRemove:   true,
			wantDescribe: "tunnel_mode_full_without_icon_description",
		},
		{
			name:   "no profile installed",
			flags:  map[string]bool{model.FlagProStatus: true},
			status: model.VPNStatus{},
			// restart protection row follows pro status only
			wantRestart: true,
		},
		{
			name:      "vpn manager unreachable",
			statusErr: errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupSettings(t, tt.flags)
			f.vpn.On("Status", mock.Anything).Return(tt.status, tt.statusErr)

			snap, err := f.service.Snapshot(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.flags[model.FlagRestartByReachability], snap.RestartProtection)
			assert.True(t, snap.VisibleRows[model.RowSimplifiedFilters])
			assert.True(t, snap.VisibleRows[model.RowShowStatusBar])
			assert.Equal(t, tt.wantRestart, snap.VisibleRows[model.RowRestartProtection])
			assert.Equal(t, tt.wantRemove, snap.VisibleRows[model.RowRemoveVPNProfile])
			assert.Equal(t, tt.wantDescribe, snap.TunnelModeDescription)
		})
	}
}

func TestSnapshot_StoreFailure(t *testing.T) {
	f := setupSettings(t, nil)
	f.store.setFailGet(true)

	_, err := f.service.Snapshot(context.Background())
	assert.True(t, apperrors.IsStoreFailure(err))
	f.vpn.AssertNotCalled(t, "Status", mock.Anything)
}

func TestRemoveVPNProfile(t *testing.T) {
	f := setupSettings(t, nil)
	f.vpn.On("RemoveConfiguration", mock.Anything).Return(nil).Once()

	require.NoError(t, f.service.RemoveVPNProfile(context.Background()))
	assert.Equal(t, notify.EventSystemProtectionChanged, nextEvent(t, f.events).Type)
	f.vpn.AssertExpectations(t)
}

func TestRemoveVPNProfile_Failure(t *testing.T) {
	f := setupSettings(t, nil)
	f.vpn.On("RemoveConfiguration", mock.Anything).Return(errors.New("permission denied")).Once()

	err := f.service.RemoveVPNProfile(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeVPNRemovalFailed, apperrors.GetCode(err))
	assert.Empty(t, f.events)
}

func TestStop_ReportsPendingVPNPushWhenUpdaterFails(t *testing.T) {
	f := setupSettings(t, nil)
	reloadGate := make(chan struct{})
	vpnGate := make(chan struct{})
	defer close(reloadGate)
	defer close(vpnGate)

	f.blocker.On("ReloadRules", mock.Anything).Run(func(mock.Arguments) { <-reloadGate }).Return(nil)
	f.vpn.On("UpdateSettings", mock.Anything).Run(func(mock.Arguments) { <-vpnGate }).Return(nil)

	require.NoError(t, f.service.SetSimplifiedFilters(context.Background(), true, nil))
	require.NoError(t, f.service.SetRestartProtection(context.Background(), true))
	require.Equal(t, 1, f.tracker.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// the reconcile outlives the pool shutdown timeout, so the updater fails
	// with its own error and the VPN push is reported alongside it
	err := f.service.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop timeout")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.tracker.Count())
}
