package service

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/inflight"
	"github.com/devrev/settingsd/internal/model"
	"github.com/devrev/settingsd/internal/notify"
	"github.com/devrev/settingsd/internal/store"
	"go.uber.org/zap"
)

// ContentBlocker rebuilds content-blocking rules after a filter change
type ContentBlocker interface {
	ReloadRules(ctx context.Context) error
}

// VPNManager owns the VPN profile installed on the device
type VPNManager interface {
	UpdateSettings(ctx context.Context) error
	RemoveConfiguration(ctx context.Context) error
	Status(ctx context.Context) (model.VPNStatus, error)
}

// SettingsService implements the advanced settings operations on top of the
// flag store and the optimistic updater
type SettingsService struct {
	updater        *OptimisticFlagUpdater
	store          store.FlagStore
	contentBlocker ContentBlocker
	vpn            VPNManager
	events         *notify.Broadcaster
	inflight       *inflight.Tracker
	logger         *zap.Logger

	// serializes read-modify-write on directly written flags
	directMu sync.Mutex
}

// NewSettingsService creates a new settings service
func NewSettingsService(
	updater *OptimisticFlagUpdater,
	flagStore store.FlagStore,
	contentBlocker ContentBlocker,
	vpn VPNManager,
	events *notify.Broadcaster,
	tracker *inflight.Tracker,
	logger *zap.Logger,
) *SettingsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = notify.NewBroadcaster(logger)
	}
	if tracker == nil {
		tracker = inflight.NewTracker(logger)
	}
	return &SettingsService{
		updater:        updater,
		store:          flagStore,
		contentBlocker: contentBlocker,
		vpn:            vpn,
		events:         events,
		inflight:       tracker,
		logger:         logger,
	}
}

// Events returns the broadcaster settings events are published on
func (s *SettingsService) Events() *notify.Broadcaster {
	return s.events
}

// SetSimplifiedFilters switches simplified filters optimistically. The
// content-blocker rules are rebuilt in the background and the flag is rolled
// back if that fails. observer may be nil.
func (s *SettingsService) SetSimplifiedFilters(ctx context.Context, enabled bool, observer Observer, opts ...ChangeOption) error {
	reconcile := func(ctx context.Context) error {
		if err := s.contentBlocker.ReloadRules(ctx); err != nil {
			return apperrors.UpstreamUnavailable("content_blocker", err)
		}
		return nil
	}

	return s.updater.RequestChange(ctx, model.FlagSimplifiedFilters, enabled, reconcile, func(res model.Result) {
		if res.Outcome == model.OutcomeCommitted || res.Outcome == model.OutcomeRolledBack {
			s.events.Publish(notify.Event{
				Type:  notify.EventFlagChanged,
				Key:   res.Key,
				Value: res.Value,
			})
		}
		notifyObserver(observer, res)
	}, opts...)
}

// SetShowStatusBar stores the status bar preference. Turning it off asks
// presenters to hide the status view.
func (s *SettingsService) SetShowStatusBar(ctx context.Context, enabled bool) error {
	s.directMu.Lock()
	defer s.directMu.Unlock()
	return s.setShowStatusBar(ctx, enabled)
}

func (s *SettingsService) setShowStatusBar(ctx context.Context, enabled bool) error {
	if err := s.store.SetBool(ctx, model.FlagShowStatusBar, enabled); err != nil {
		return apperrors.StoreUnavailable("set", model.FlagShowStatusBar, err)
	}
	if !enabled {
		s.events.Publish(notify.Event{Type: notify.EventHideStatusView, Key: model.FlagShowStatusBar})
	}
	return nil
}

// SetRestartProtection stores the restart-by-reachability preference and
// pushes it to the VPN manager without waiting for the result
func (s *SettingsService) SetRestartProtection(ctx context.Context, enabled bool) error {
	s.directMu.Lock()
	defer s.directMu.Unlock()
	return s.setRestartProtection(ctx, enabled)
}

func (s *SettingsService) setRestartProtection(ctx context.Context, enabled bool) error {
	if err := s.store.SetBool(ctx, model.FlagRestartByReachability, enabled); err != nil {
		return apperrors.StoreUnavailable("set", model.FlagRestartByReachability, err)
	}

	release := s.inflight.Acquire("vpn_update_settings")
	go func(ctx context.Context) {
		defer release()
		if err := s.vpn.UpdateSettings(ctx); err != nil {
			s.logger.Error("Failed to push restart protection to VPN manager",
				zap.Bool("enabled", enabled),
				zap.Error(err))
		}
	}(context.WithoutCancel(ctx))

	return nil
}

// Toggle flips the value behind row. Rows written directly report to observer
// right away; simplified filters reports once the change settles.
func (s *SettingsService) Toggle(ctx context.Context, row model.Row, observer Observer, opts ...ChangeOption) error {
	key, ok := row.FlagKey()
	if !ok {
		if _, known := model.ParseRow(string(row)); known {
			return apperrors.InvalidArgument("row "+string(row)+" cannot be toggled", nil)
		}
		return apperrors.UnknownRow(string(row))
	}

	if row == model.RowSimplifiedFilters {
		current, err := s.readFlag(ctx, key)
		if err != nil {
			return err
		}
		s.logToggle(row, !current)
		return s.SetSimplifiedFilters(ctx, !current, observer, opts...)
	}

	next, err := s.toggleDirect(ctx, row, key)
	if err != nil {
		return err
	}
	notifyObserver(observer, model.Result{Key: key, Value: next, Outcome: model.OutcomeCommitted})
	return nil
}

// toggleDirect flips a directly written flag. Concurrent toggles of the same
// row each take effect.
func (s *SettingsService) toggleDirect(ctx context.Context, row model.Row, key string) (bool, error) {
	s.directMu.Lock()
	defer s.directMu.Unlock()

	current, err := s.readFlag(ctx, key)
	if err != nil {
		return false, err
	}
	next := !current
	s.logToggle(row, next)

	if row == model.RowShowStatusBar {
		err = s.setShowStatusBar(ctx, next)
	} else {
		err = s.setRestartProtection(ctx, next)
	}
	return next, err
}

func (s *SettingsService) readFlag(ctx context.Context, key string) (bool, error) {
	v, err := s.store.GetBool(ctx, key)
	if err != nil {
		return false, apperrors.StoreUnavailable("get", key, err)
	}
	return v, nil
}

func (s *SettingsService) logToggle(row model.Row, next bool) {
	s.logger.Debug("Toggling settings row",
		zap.String("row", string(row)),
		zap.Bool("new_value", next))
}

// Snapshot returns the current toggle values and which rows are visible.
// When the VPN manager cannot be reached the profile is treated as absent.
func (s *SettingsService) Snapshot(ctx context.Context) (model.SettingsSnapshot, error) {
	values := make(map[string]bool, 4)
	for _, key := range []string{
		model.FlagSimplifiedFilters,
		model.FlagShowStatusBar,
		model.FlagRestartByReachability,
		model.FlagProStatus,
	} {
		v, err := s.store.GetBool(ctx, key)
		if err != nil {
			return model.SettingsSnapshot{}, apperrors.StoreUnavailable("get", key, err)
		}
		values[key] = v
	}

	status, err := s.vpn.Status(ctx)
	if err != nil {
		s.logger.Warn("VPN status unavailable, hiding VPN rows", zap.Error(err))
		status = model.VPNStatus{}
	}

	snapshot := model.SettingsSnapshot{
		SimplifiedFilters: values[model.FlagSimplifiedFilters],
		ShowStatusBar:     values[model.FlagShowStatusBar],
		RestartProtection: values[model.FlagRestartByReachability],
		VisibleRows: map[model.Row]bool{
			model.RowSimplifiedFilters: true,
			model.RowShowStatusBar:     true,
			model.RowRestartProtection: values[model.FlagProStatus],
			model.RowRemoveVPNProfile:  status.Installed,
		},
	}
	if status.Installed {
		snapshot.TunnelModeDescription = status.TunnelMode.DescriptionKey()
	}
	return snapshot, nil
}

// RemoveVPNProfile removes the VPN profile from the device
func (s *SettingsService) RemoveVPNProfile(ctx context.Context) error {
	s.logger.Info("Removing VPN profile")

	if err := s.vpn.RemoveConfiguration(ctx); err != nil {
		s.logger.Error("Failed to remove VPN profile", zap.Error(err))
		return apperrors.VPNRemovalFailed(err)
	}

	s.events.Publish(notify.Event{Type: notify.EventSystemProtectionChanged})
	return nil
}

// Stop waits for background work started by the service and the updater
func (s *SettingsService) Stop(ctx context.Context) error {
	updaterErr := s.updater.Stop(ctx)
	return errors.Join(updaterErr, s.inflight.Wait(ctx))
}
