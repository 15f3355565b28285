package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/apperr"
)

const maxRequestBodySize = 1 << 20 // 1MB

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Path       string `json:"path"`
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"request_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpError writes the error envelope with an explicit status and code.
func httpError(w http.ResponseWriter, r *http.Request, status int, code, format string, args ...any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: status,
		Path:       r.URL.Path,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  middleware.GetReqID(r.Context()),
	}})
}

// writeError maps err to a status through its apperr kind. Internal errors
// are logged and reported without their message.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		httpError(w, r, http.StatusRequestEntityTooLarge, apperr.KindTooLarge.String(),
			"request body exceeds %d bytes", mbe.Limit)
		return
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		httpError(w, r, kind.HTTPStatus(), kind.String(), "internal server error")
		return
	}
	httpError(w, r, kind.HTTPStatus(), kind.String(), "%s", apperr.MessageOf(err, err.Error()))
}
