package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/deadletter/internal/api/response"
	"github.com/kiranshivaraju/deadletter/internal/grouping"
	"github.com/kiranshivaraju/deadletter/internal/issue"
	"github.com/kiranshivaraju/deadletter/internal/recovery"
	"github.com/kiranshivaraju/deadletter/internal/store"
)

// writeServiceError maps service sentinels to API errors. Anything unknown
// is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, recovery.ErrInvalidReport),
		errors.Is(err, recovery.ErrReasonTooLong),
		errors.Is(err, grouping.ErrInvalidTicketNumber):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, recovery.ErrInvalidStateTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE_TRANSITION", err.Error(), nil)
	case errors.Is(err, grouping.ErrTicketNumberAlreadyAssigned):
		response.Error(w, http.StatusConflict, "TICKET_NUMBER_ALREADY_ASSIGNED", err.Error(), nil)
	case errors.Is(err, store.ErrConcurrentModification):
		response.Error(w, http.StatusConflict, "CONCURRENT_MODIFICATION", "The error was modified concurrently, retry", nil)
	case errors.Is(err, issue.ErrNotEnabled):
		response.Error(w, http.StatusNotImplemented, "ISSUE_TRACKING_DISABLED", "No issue tracker is configured", nil)
	case errors.Is(err, recovery.ErrResendFailed):
		slog.Warn("manual resend failed", "error", err)
		response.Error(w, http.StatusBadGateway, "RESEND_FAILED", "The causing event could not be resent", nil)
	case errors.Is(err, issue.ErrUnavailable),
		errors.Is(err, issue.ErrBadRequest),
		errors.Is(err, issue.ErrServer):
		slog.Warn("issue tracker call failed", "error", err)
		response.Error(w, http.StatusBadGateway, "ISSUE_TRACKER_ERROR", "The issue tracker request failed", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
