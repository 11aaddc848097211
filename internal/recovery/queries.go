package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// ErrorDetails is an error together with its causing event and schedule.
type ErrorDetails struct {
	Error         *models.Error        `json:"error"`
	CausingEvent  *models.CausingEvent `json:"causing_event"`
	NextResendAt  *time.Time           `json:"next_resend_at,omitempty"`
	RetryAllowed  bool                 `json:"retry_allowed"`
	DeleteAllowed bool                 `json:"delete_allowed"`
}

func (s *Service) Details(ctx context.Context, errorID uuid.UUID) (*ErrorDetails, error) {
	e, err := s.store.GetError(ctx, errorID)
	if err != nil {
		return nil, err
	}
	ev, err := s.store.GetCausingEvent(ctx, e.CausingEventID)
	if err != nil {
		return nil, err
	}

	d := &ErrorDetails{
		Error:         e,
		CausingEvent:  ev,
		RetryAllowed:  e.State.RetryAllowed(),
		DeleteAllowed: e.State.DeleteAllowed(),
	}
	at, ok, err := s.coordinator.NextResendTimestamp(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		d.NextResendAt = &at
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, filter store.ErrorFilter) ([]*models.Error, int, error) {
	return s.store.ListErrors(ctx, filter)
}

// ListByState returns the oldest errors in state, used by the task sync.
func (s *Service) ListByState(ctx context.Context, state models.ErrorState, limit int) ([]*models.Error, error) {
	return s.store.ErrorsByState(ctx, state, limit)
}

func (s *Service) AuditLog(ctx context.Context, errorID uuid.UUID) ([]*models.AuditLog, error) {
	if _, err := s.store.GetError(ctx, errorID); err != nil {
		return nil, err
	}
	return s.store.ListAuditLogs(ctx, errorID)
}
