// Package middleware provides HTTP middleware for settingsd.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request id stored by RequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID makes sure every request carries an id, generating one if the
// client sent none
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(apperrors.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set(apperrors.RequestIDHeader, requestID)
		}
		w.Header().Set(apperrors.RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

// Logging logs one line per request
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)

			next.ServeHTTP(rw, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", r.Header.Get(apperrors.RequestIDHeader)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}

// Recovery turns a handler panic into a 500 error envelope
func Recovery(errorHandler *apperrors.Handler, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered in HTTP handler",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", r.Header.Get(apperrors.RequestIDHeader)))
					errorHandler.HandleError(w, r, apperrors.InternalError(fmt.Sprintf("panic: %v", rec), nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter rejects requests above a global rate with 429
type RateLimiter struct {
	limiter      *rate.Limiter
	errorHandler *apperrors.Handler
	logger       *zap.Logger
}

// NewRateLimiter creates a new rate limiter middleware
func NewRateLimiter(requestsPerSecond float64, burstSize int, errorHandler *apperrors.Handler, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Limit applies rate limiting to requests
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			requestID := r.Header.Get(apperrors.RequestIDHeader)
			rl.logger.Warn("Rate limit exceeded",
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID))
			w.Header().Set("Retry-After", "1")
			rl.errorHandler.WriteErrorResponse(w, http.StatusTooManyRequests,
				apperrors.APICodeRateLimited, "rate limit exceeded", requestID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Metrics records request counts and latency by route template
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tpl, err := cr.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(rw.statusCode), time.Since(start).Seconds())
		})
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Chain applies middlewares so that the first one is the outermost
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
