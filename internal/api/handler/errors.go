// Package handler implements the admin API endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/deadletter/internal/api/middleware"
	"github.com/kiranshivaraju/deadletter/internal/api/response"
	"github.com/kiranshivaraju/deadletter/internal/recovery"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	maxBodyBytes = 4 << 20
)

// ErrorService is the part of the recovery service behind the error endpoints.
type ErrorService interface {
	HandleFailure(ctx context.Context, report recovery.FailureReport) (*models.Error, error)
	List(ctx context.Context, filter store.ErrorFilter) ([]*models.Error, int, error)
	Details(ctx context.Context, errorID uuid.UUID) (*recovery.ErrorDetails, error)
	ManualResend(ctx context.Context, errorID uuid.UUID, user models.User) (*models.Error, error)
	Delete(ctx context.Context, errorID uuid.UUID, user models.User, reason string) (*models.Error, error)
	AuditLog(ctx context.Context, errorID uuid.UUID) ([]*models.AuditLog, error)
}

// NewReportFailure returns the handler for POST /api/v1/failures.
func NewReportFailure(svc ErrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report recovery.FailureReport
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&report); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		e, err := svc.HandleFailure(r.Context(), report)
		if errors.Is(err, recovery.ErrDuplicateReport) {
			response.JSON(w, map[string]any{"duplicate": true})
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, e)
	}
}

// NewListErrors returns the handler for GET /api/v1/errors.
func NewListErrors(svc ErrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := store.ErrorFilter{Page: 1, Limit: defaultLimit}
		if v := q.Get("state"); v != "" {
			state := models.ErrorState(v)
			if !state.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_STATE", "Unknown error state", map[string]string{"state": v})
				return
			}
			filter.State = &state
		}
		if v := q.Get("page"); v != "" {
			page, err := strconv.Atoi(v)
			if err != nil || page < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = page
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(limit, maxLimit)
		}

		items, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if items == nil {
			items = []*models.Error{}
		}
		response.Collection(w, items, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetError returns the handler for GET /api/v1/errors/{errorID}.
func NewGetError(svc ErrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "errorID")
		if !ok {
			return
		}
		d, err := svc.Details(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, d)
	}
}

// NewResendError returns the handler for POST /api/v1/errors/{errorID}/resend.
func NewResendError(svc ErrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "errorID")
		if !ok {
			return
		}
		e, err := svc.ManualResend(r.Context(), id, currentUser(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, e)
	}
}

// NewDeleteError returns the handler for DELETE /api/v1/errors/{errorID}.
// The optional body carries the closing reason.
func NewDeleteError(svc ErrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "errorID")
		if !ok {
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		e, err := svc.Delete(r.Context(), id, currentUser(r), req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, e)
	}
}

// NewAuditLog returns the handler for GET /api/v1/errors/{errorID}/audit-log.
func NewAuditLog(svc ErrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "errorID")
		if !ok {
			return
		}
		logs, err := svc.AuditLog(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if logs == nil {
			logs = []*models.AuditLog{}
		}
		response.JSON(w, logs)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid ID", map[string]string{param: chi.URLParam(r, param)})
		return uuid.Nil, false
	}
	return id, true
}

func currentUser(r *http.Request) models.User {
	if u, ok := mw.GetUser(r); ok {
		return u
	}
	return models.User{Subject: "anonymous"}
}
