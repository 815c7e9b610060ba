// Package handler provides HTTP request handlers for settingsd.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/model"
	"github.com/devrev/settingsd/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SettingsService is the part of service.SettingsService the handlers use
type SettingsService interface {
	Snapshot(ctx context.Context) (model.SettingsSnapshot, error)
	SetSimplifiedFilters(ctx context.Context, enabled bool, observer service.Observer, opts ...service.ChangeOption) error
	SetShowStatusBar(ctx context.Context, enabled bool) error
	SetRestartProtection(ctx context.Context, enabled bool) error
	Toggle(ctx context.Context, row model.Row, observer service.Observer, opts ...service.ChangeOption) error
	RemoveVPNProfile(ctx context.Context) error
}

// SetFlagRequest is the body of PUT /v1/settings/{flag}
type SetFlagRequest struct {
	Enabled *bool `json:"enabled"`
}

// ChangeResponse reports the result of a flag change
type ChangeResponse struct {
	Status        string        `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Key           string        `json:"key,omitempty"`
	Row           model.Row     `json:"row,omitempty"`
	Value         *bool         `json:"value,omitempty"`
	Outcome       model.Outcome `json:"outcome,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// Response statuses
const (
	StatusOK       = "ok"
	StatusAccepted = "accepted"
	StatusFailed   = "failed"
)

// Handlers contains all HTTP handlers and their dependencies
type Handlers struct {
	settings     SettingsService
	errorHandler *apperrors.Handler
	logger       *zap.Logger
	waitTimeout  time.Duration
}

// NewHandlers creates a new Handlers instance. waitTimeout bounds how long a
// request with wait=true blocks for a change to settle.
func NewHandlers(settings SettingsService, errorHandler *apperrors.Handler, logger *zap.Logger, waitTimeout time.Duration) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	return &Handlers{
		settings:     settings,
		errorHandler: errorHandler,
		logger:       logger,
		waitTimeout:  waitTimeout,
	}
}

// GetSettings handles GET /v1/settings
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.settings.Snapshot(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// SetSimplifiedFilters handles PUT /v1/settings/simplified-filters
func (h *Handlers) SetSimplifiedFilters(w http.ResponseWriter, r *http.Request) {
	enabled, ok := h.decodeEnabled(w, r)
	if !ok {
		return
	}
	accepted := ChangeResponse{Status: StatusAccepted, Key: model.FlagSimplifiedFilters, Value: &enabled}

	h.runChange(w, r, accepted, func(obs service.Observer, opts ...service.ChangeOption) error {
		return h.settings.SetSimplifiedFilters(r.Context(), enabled, obs, opts...)
	})
}

// SetShowStatusBar handles PUT /v1/settings/show-status-bar
func (h *Handlers) SetShowStatusBar(w http.ResponseWriter, r *http.Request) {
	enabled, ok := h.decodeEnabled(w, r)
	if !ok {
		return
	}
	if err := h.settings.SetShowStatusBar(r.Context(), enabled); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, committed(model.FlagShowStatusBar, enabled))
}

// SetRestartProtection handles PUT /v1/settings/restart-protection
func (h *Handlers) SetRestartProtection(w http.ResponseWriter, r *http.Request) {
	enabled, ok := h.decodeEnabled(w, r)
	if !ok {
		return
	}
	if err := h.settings.SetRestartProtection(r.Context(), enabled); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, committed(model.FlagRestartByReachability, enabled))
}

// ToggleRow handles POST /v1/settings/rows/{row}/toggle
func (h *Handlers) ToggleRow(w http.ResponseWriter, r *http.Request) {
	row := model.Row(mux.Vars(r)["row"])
	accepted := ChangeResponse{Status: StatusAccepted, Row: row}

	h.runChange(w, r, accepted, func(obs service.Observer, opts ...service.ChangeOption) error {
		return h.settings.Toggle(r.Context(), row, obs, opts...)
	})
}

// RemoveVPNProfile handles DELETE /v1/vpn/profile
func (h *Handlers) RemoveVPNProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.RemoveVPNProfile(r.Context()); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runChange starts an optimistic change and, when the client asked for it
// with wait=true, blocks until the change settles
func (h *Handlers) runChange(
	w http.ResponseWriter,
	r *http.Request,
	accepted ChangeResponse,
	start func(service.Observer, ...service.ChangeOption) error,
) {
	wait, err := parseWait(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	results := make(chan model.Result, 1)
	noop := make(chan struct{}, 1)
	observer := func(res model.Result) { results <- res }
	hook := service.WithNoopHook(func() { noop <- struct{}{} })

	if err := start(observer, hook); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	// Direct writes and immediate no-ops have already reported
	select {
	case res := <-results:
		writeJSON(w, http.StatusOK, fromResult(res))
		return
	case <-noop:
		writeJSON(w, http.StatusOK, noopResponse(accepted))
		return
	default:
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, accepted)
		return
	}

	timer := time.NewTimer(h.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		writeJSON(w, http.StatusOK, fromResult(res))
	case <-noop:
		writeJSON(w, http.StatusOK, noopResponse(accepted))
	case <-timer.C:
		h.logger.Warn("Change still reconciling when wait expired",
			zap.String("path", r.URL.Path),
			zap.Duration("wait_timeout", h.waitTimeout))
		writeJSON(w, http.StatusAccepted, accepted)
	case <-r.Context().Done():
		// client went away; the change carries on without it
	}
}

func (h *Handlers) decodeEnabled(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req SetFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument("invalid request body", err))
		return false, false
	}
	if req.Enabled == nil {
		h.errorHandler.HandleError(w, r, apperrors.InvalidArgument("field \"enabled\" is required", nil))
		return false, false
	}
	return *req.Enabled, true
}

func parseWait(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return false, nil
	}
	wait, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.InvalidArgument("wait must be a boolean", err)
	}
	return wait, nil
}

func fromResult(res model.Result) ChangeResponse {
	value := res.Value
	resp := ChangeResponse{
		Status:        StatusOK,
		TransactionID: res.TransactionID,
		Key:           res.Key,
		Value:         &value,
		Outcome:       res.Outcome,
		Reason:        res.Reason(),
	}
	if res.Outcome != model.OutcomeCommitted {
		resp.Status = StatusFailed
	}
	return resp
}

func committed(key string, value bool) ChangeResponse {
	return ChangeResponse{Status: StatusOK, Key: key, Value: &value, Outcome: model.OutcomeCommitted}
}

// noopResponse reports a request that found the flag already at the target value
func noopResponse(accepted ChangeResponse) ChangeResponse {
	resp := accepted
	resp.Status = StatusOK
	resp.Outcome = model.OutcomeCommitted
	return resp
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
