package client

import (
	"context"
	"net/http"

	"github.com/devrev/settingsd/internal/metrics"
	"go.uber.org/zap"
)

// ContentBlockerClient asks the content-blocker service to rebuild its rules
type ContentBlockerClient struct {
	upstream *upstream
	logger   *zap.Logger
}

type reloadRequest struct {
	BackgroundUpdate bool `json:"background_update"`
}

// NewContentBlockerClient creates a new content-blocker client
func NewContentBlockerClient(cfg *Config, m *metrics.Metrics, logger *zap.Logger) *ContentBlockerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentBlockerClient{
		upstream: newUpstream("content_blocker", cfg, m, logger),
		logger:   logger,
	}
}

// ReloadRules triggers a foreground rule rebuild and waits for it to finish.
// It fails when the rebuild fails.
func (c *ContentBlockerClient) ReloadRules(ctx context.Context) error {
	c.logger.Debug("Reloading content-blocker rules")
	return c.upstream.do(ctx, "reload", http.MethodPost, "/v1/content-blockers/reload",
		reloadRequest{BackgroundUpdate: false}, nil)
}
