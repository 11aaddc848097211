package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// ScheduleStore is the part of store.Store the coordinator writes to.
type ScheduleStore interface {
	CreateScheduledResend(ctx context.Context, sr *models.ScheduledResend) error
	NextScheduledResend(ctx context.Context, errorID uuid.UUID) (*models.ScheduledResend, error)
	CancelScheduledResends(ctx context.Context, errorID uuid.UUID) (int, error)
	MarkResent(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Coordinator creates, cancels and completes scheduled resends. Every method
// is a single store write that commits on its own.
type Coordinator struct {
	store ScheduleStore
	now   func() time.Time
}

func NewCoordinator(s ScheduleStore) *Coordinator {
	return &Coordinator{store: s, now: time.Now}
}

// ScheduleResend plans a resend of the error's causing event at resendAt.
func (c *Coordinator) ScheduleResend(ctx context.Context, errorID uuid.UUID, resendAt time.Time) (*models.ScheduledResend, error) {
	sr := &models.ScheduledResend{
		ID:       uuid.New(),
		ErrorID:  errorID,
		ResendAt: resendAt,
	}
	if err := c.store.CreateScheduledResend(ctx, sr); err != nil {
		return nil, fmt.Errorf("schedule resend for error %s: %w", errorID, err)
	}
	slog.Debug("resend scheduled", "error_id", errorID, "resend_at", resendAt)
	return sr, nil
}

// NextResendTimestamp returns the earliest active resend time of an error.
func (c *Coordinator) NextResendTimestamp(ctx context.Context, errorID uuid.UUID) (time.Time, bool, error) {
	sr, err := c.store.NextScheduledResend(ctx, errorID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next resend for error %s: %w", errorID, err)
	}
	return sr.ResendAt, true, nil
}

// CancelScheduledResends cancels the active schedules of e. It does nothing
// unless e is still waiting for its automatic resend.
func (c *Coordinator) CancelScheduledResends(ctx context.Context, e *models.Error) error {
	if e.State != models.ErrorStateTemporaryRetryPending {
		return nil
	}
	n, err := c.store.CancelScheduledResends(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("cancel resends for error %s: %w", e.ID, err)
	}
	if n > 0 {
		slog.Debug("scheduled resends cancelled", "error_id", e.ID, "count", n)
	}
	return nil
}

// MarkResent records that sr fired.
func (c *Coordinator) MarkResent(ctx context.Context, sr *models.ScheduledResend) error {
	at := c.now()
	if err := c.store.MarkResent(ctx, sr.ID, at); err != nil {
		return fmt.Errorf("mark resend %s resent: %w", sr.ID, err)
	}
	sr.ResentAt = &at
	return nil
}
