package web

// errors.go maps errors to API responses.
//
// The full error is logged with the request id. Clients get a status code,
// a machine-readable code and, for anything unexpected, a generic message.

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/status"
)

var (
	errStatusDisabled = errors.New("task status is disabled, set REDIS_URL to enable it")
	errNotFinished    = errors.New("task has not finished")
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func classify(err error) (int, string) {
	var (
		cfgErr    *core.ConfigError
		formatErr *core.ReportFormatError
		sizeErr   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, core.ErrParserNotRegistered):
		return http.StatusNotFound, "PARSER_NOT_FOUND"
	case errors.Is(err, status.ErrUnknownTask):
		return http.StatusNotFound, "TASK_NOT_FOUND"
	case errors.Is(err, ErrTooManyImports):
		return http.StatusTooManyRequests, "TOO_MANY_IMPORTS"
	case errors.Is(err, errNotFinished):
		return http.StatusConflict, "TASK_RUNNING"
	case errors.Is(err, errStatusDisabled):
		return http.StatusServiceUnavailable, "STATUS_DISABLED"
	case errors.As(err, &sizeErr):
		return http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE"
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, "INVALID_IMPORT"
	case errors.As(err, &formatErr):
		return http.StatusBadRequest, "REPORT_FORMAT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// respondError logs err and writes the matching JSON error.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := classify(err)

	level := slog.LevelWarn
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", code,
		"code", name,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, code, ErrorResponse{Error: msg, Code: name})
}
