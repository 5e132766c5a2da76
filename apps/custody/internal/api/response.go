package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
)

type responder struct {
	logger *zap.Logger
}

// writeJSONResponse writes a JSON response
func (h responder) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h responder) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	h.writeJSONResponse(w, statusCode, errorResponse)
}

// writeAppError maps a classified error onto an HTTP status.
func (h responder) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrOrderNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, apperr.ErrRunInProgress):
		h.writeErrorResponse(w, http.StatusConflict, "run_in_progress", err.Error())
	case apperr.Is(err, apperr.KindValidation):
		h.writeErrorResponse(w, http.StatusBadRequest, "validation_error", err.Error())
	case apperr.Is(err, apperr.KindPrecondition):
		h.writeErrorResponse(w, http.StatusConflict, "precondition_failed", err.Error())
	case apperr.Is(err, apperr.KindChainWrite):
		h.logger.Error("Chain write failed", zap.Error(err))
		h.writeErrorResponse(w, http.StatusBadGateway, "chain_write_failed", "Transaction was not confirmed")
	case apperr.IsRetryable(err):
		h.logger.Error("Dependency unavailable", zap.Error(err))
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "service_unavailable", "A dependency is unavailable, try again later")
	default:
		h.logger.Error("Unhandled error", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
