package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devrev/settingsd/internal/metrics"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Config holds settings shared by the upstream HTTP clients
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// upstream wraps a retrying HTTP client bound to one service
type upstream struct {
	service string
	baseURL string
	client  *retryablehttp.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newUpstream(service string, cfg *Config, m *metrics.Metrics, logger *zap.Logger) *upstream {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = cfg.Timeout
	if retryClient.HTTPClient.Timeout <= 0 {
		retryClient.HTTPClient.Timeout = 10 * time.Second
	}
	retryClient.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = leveledLogger{logger.Named(service).Sugar()}
	// Hand the last response back so non-2xx answers surface as StatusError.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &upstream{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  retryClient,
		metrics: m,
		logger:  logger,
	}
}

// do sends a JSON request and decodes a JSON response into out when out is non-nil
func (u *upstream) do(ctx context.Context, operation, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		u.metrics.RecordUpstream(u.service, operation, time.Since(start).Seconds(), err)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", u.service, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Service:    u.service,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...interface{})  { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}

// StatusError is returned when an upstream answers with a non-2xx status
type StatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d %s: %s", e.Service, e.Operation, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}
