package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/hashicorp/go-retryablehttp"
)

// APIError is a non-2xx answer from settingsd
type APIError struct {
	StatusCode int
	Code       apperrors.APICode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("settingsd returned %d: %s", e.StatusCode, e.Message)
}

type apiClient struct {
	baseURL string
	// writes never retry, a repeated toggle would flip twice
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
}

func newAPIClient(opts *RootOptions) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(opts.Server, "/"),
		reads:   newRetryClient(opts.Timeout, 2),
		writes:  newRetryClient(opts.Timeout, 0),
	}
}

func newRetryClient(timeout time.Duration, retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = retries
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.HTTPClient.Timeout = timeout
	return c
}

// do sends body as JSON and decodes a 2xx answer into out. It returns the status code.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.writes
	if method == http.MethodGet {
		hc = c.reads
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var envelope apperrors.ErrorResponse
		if json.Unmarshal(data, &envelope) == nil && envelope.ErrorCode != "" {
			apiErr.Code = envelope.ErrorCode
			apiErr.Message = envelope.Message
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
