package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// RequestIDHeader carries the request id on requests and responses
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON envelope of every failed HTTP request
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode APICode                `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Handler turns errors into HTTP responses
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// HandleError writes err as an error envelope. Errors that are not a
// SettingsError are reported as internal errors without leaking their text.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get(RequestIDHeader)

	se, ok := AsSettingsError(err)
	if !ok {
		h.logger.Error("Unhandled error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
		h.write(w, http.StatusInternalServerError, ErrorResponse{
			ErrorCode: APICodeInternalError,
			Message:   "internal server error",
			RequestID: requestID,
		})
		return
	}

	resp := ErrorResponse{
		ErrorCode: se.APICode(),
		Message:   se.Error(),
		RequestID: requestID,
	}
	if len(se.Details) > 0 {
		resp.Details = se.Details
	}
	h.write(w, se.HTTPStatus(), resp)
}

// WriteErrorResponse writes an error envelope with an explicit status and code
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode APICode, message, requestID string) {
	h.write(w, statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handler) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	resp.Status = "error"

	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("Failed to write error response", zap.Error(err))
	}
}
