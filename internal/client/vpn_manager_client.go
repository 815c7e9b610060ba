package client

import (
	"context"
	"net/http"

	"github.com/devrev/settingsd/internal/metrics"
	"github.com/devrev/settingsd/internal/model"
	"go.uber.org/zap"
)

// VPNManagerClient talks to the VPN manager that owns the device VPN profile
type VPNManagerClient struct {
	upstream *upstream
	logger   *zap.Logger
}

// NewVPNManagerClient creates a new VPN manager client
func NewVPNManagerClient(cfg *Config, m *metrics.Metrics, logger *zap.Logger) *VPNManagerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VPNManagerClient{
		upstream: newUpstream("vpn_manager", cfg, m, logger),
		logger:   logger,
	}
}

// UpdateSettings makes the VPN manager re-read the persisted flags
func (c *VPNManagerClient) UpdateSettings(ctx context.Context) error {
	return c.upstream.do(ctx, "update_settings", http.MethodPost, "/v1/vpn/settings", struct{}{}, nil)
}

// RemoveConfiguration removes the VPN profile from the device
func (c *VPNManagerClient) RemoveConfiguration(ctx context.Context) error {
	c.logger.Info("Removing VPN profile")
	return c.upstream.do(ctx, "remove_configuration", http.MethodDelete, "/v1/vpn/configuration", nil, nil)
}

// Status reports whether the VPN profile is installed and its tunnel mode
func (c *VPNManagerClient) Status(ctx context.Context) (model.VPNStatus, error) {
	var status model.VPNStatus
	if err := c.upstream.do(ctx, "status", http.MethodGet, "/v1/vpn/status", nil, &status); err != nil {
		return model.VPNStatus{}, err
	}
	return status, nil
}
