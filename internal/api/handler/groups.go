package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/api/response"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// GroupService is the part of the grouping service behind the error group
// endpoints.
type GroupService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error)
	AssignTicketNumber(ctx context.Context, id uuid.UUID, ticketNumber string) (*models.ErrorGroup, error)
	UpdateFreeText(ctx context.Context, id uuid.UUID, freeText *string) (*models.ErrorGroup, error)
	CreateIssue(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error)
}

func NewGetErrorGroup(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "groupID")
		if !ok {
			return
		}
		g, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewAssignTicketNumber returns the handler for
// PUT /api/v1/error-groups/{groupID}/ticket-number.
func NewAssignTicketNumber(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "groupID")
		if !ok {
			return
		}
		var req struct {
			TicketNumber string `json:"ticket_number"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		g, err := svc.AssignTicketNumber(r.Context(), id, req.TicketNumber)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewUpdateFreeText returns the handler for
// PUT /api/v1/error-groups/{groupID}/free-text. A null text clears it.
func NewUpdateFreeText(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "groupID")
		if !ok {
			return
		}
		var req struct {
			FreeText *string `json:"free_text"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		g, err := svc.UpdateFreeText(r.Context(), id, req.FreeText)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewCreateIssue returns the handler for POST /api/v1/error-groups/{groupID}/issue.
func NewCreateIssue(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "groupID")
		if !ok {
			return
		}
		g, err := svc.CreateIssue(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, g)
	}
}
