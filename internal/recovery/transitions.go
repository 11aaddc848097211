package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// HandleScheduledResend fires one due schedule. A failed resend is recorded
// as a new temporary error of the same causing event, so the retry count and
// the backoff grow until the strategy gives up. Only store failures are
// returned.
func (s *Service) HandleScheduledResend(ctx context.Context, sr *models.ScheduledResend) error {
	e, err := s.store.GetError(ctx, sr.ErrorID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("scheduled resend for missing error", "scheduled_resend_id", sr.ID, "error_id", sr.ErrorID)
		return s.coordinator.MarkResent(ctx, sr)
	}
	if err != nil {
		return fmt.Errorf("load error %s: %w", sr.ErrorID, err)
	}

	if e.State != models.ErrorStateTemporaryRetryPending {
		slog.Warn("scheduled resend skipped, error no longer pending",
			"scheduled_resend_id", sr.ID, "error_id", e.ID, "state", e.State)
		return s.coordinator.MarkResent(ctx, sr)
	}

	ev, err := s.store.GetCausingEvent(ctx, e.CausingEventID)
	if err != nil {
		return fmt.Errorf("load causing event of error %s: %w", e.ID, err)
	}

	resendErr := s.resender.Resend(ctx, e.ID, ev)
	s.recorder.ResendAttempted(resendErr == nil)

	if err := s.coordinator.MarkResent(ctx, sr); err != nil {
		return err
	}
	if err := s.coordinator.CancelScheduledResends(ctx, e); err != nil {
		return err
	}
	e.State = models.ErrorStateTemporaryRetried
	if err := s.update(ctx, e); err != nil {
		return err
	}

	if resendErr != nil {
		slog.Error("resend failed, recording new temporary error",
			"error_id", e.ID, "causing_event_id", ev.ID, "error", resendErr)
		return s.handleTemporary(ctx, e.NewFromTemplate(s.now()), ev)
	}
	slog.Info("scheduled resend done", "error_id", e.ID, "causing_event_id", ev.ID)
	return nil
}

// ManualResend resends the causing event on an operator's request.
func (s *Service) ManualResend(ctx context.Context, errorID uuid.UUID, user models.User) (*models.Error, error) {
	e, err := s.store.GetError(ctx, errorID)
	if err != nil {
		return nil, err
	}
	if !e.State.RetryAllowed() {
		return nil, invalidTransition(e, "resend")
	}

	ev, err := s.store.GetCausingEvent(ctx, e.CausingEventID)
	if err != nil {
		return nil, fmt.Errorf("load causing event of error %s: %w", e.ID, err)
	}
	err = s.resender.Resend(ctx, e.ID, ev)
	s.recorder.ResendAttempted(err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error %s: %w", ErrResendFailed, e.ID, err)
	}

	if err := s.audit(ctx, e, models.AuditActionResendCausingEvent, user); err != nil {
		return nil, err
	}
	if err := s.coordinator.CancelScheduledResends(ctx, e); err != nil {
		return nil, err
	}
	if err := s.setRetried(ctx, e); err != nil {
		return nil, err
	}
	slog.Info("causing event resent manually", "error_id", e.ID, "user", user.Subject, "state", e.State)
	return e, nil
}

func (s *Service) setRetried(ctx context.Context, e *models.Error) error {
	switch e.State {
	case models.ErrorStateTemporaryRetryPending:
		e.State = models.ErrorStateTemporaryRetried
	case models.ErrorStatePermanent:
		e.State = models.ErrorStateResolveOnManualTask
		if err := s.update(ctx, e); err != nil {
			return err
		}
		if err := s.CloseManualTask(ctx, e); err != nil {
			slog.Warn("could not close manual task, retrying later", "error_id", e.ID, "error", err)
		}
		return nil
	case models.ErrorStateSendToManualTask:
		e.State = models.ErrorStatePermanentRetried
	default:
		if e.ErrorEventData.Temporality == models.TemporalityTemporary {
			e.State = models.ErrorStateTemporaryRetried
		} else {
			e.State = models.ErrorStatePermanentRetried
		}
	}
	return s.update(ctx, e)
}

// Delete marks an error deleted on an operator's request. An open manual
// task is closed first; if that fails the task sync finishes the deletion.
func (s *Service) Delete(ctx context.Context, errorID uuid.UUID, user models.User, reason string) (*models.Error, error) {
	reason, err := normalizeReason(reason)
	if err != nil {
		return nil, err
	}

	e, err := s.store.GetError(ctx, errorID)
	if err != nil {
		return nil, err
	}
	if !e.State.DeleteAllowed() {
		return nil, invalidTransition(e, "delete")
	}
	if reason != "" {
		e.ClosingReason = reason
	}

	switch e.State {
	case models.ErrorStatePermanent:
		e.State = models.ErrorStateDeleteOnManualTask
		if err := s.update(ctx, e); err != nil {
			return nil, err
		}
		if err := s.DeleteManualTask(ctx, e); err != nil {
			slog.Warn("could not close manual task, retrying later", "error_id", e.ID, "error", err)
		}
	case models.ErrorStateTemporaryRetryPending:
		if err := s.coordinator.CancelScheduledResends(ctx, e); err != nil {
			return nil, err
		}
		e.State = models.ErrorStateDeleted
		if err := s.update(ctx, e); err != nil {
			return nil, err
		}
	case models.ErrorStateSendToManualTask:
		e.State = models.ErrorStateDeleted
		if err := s.update(ctx, e); err != nil {
			return nil, err
		}
	}

	if err := s.audit(ctx, e, models.AuditActionDeleteError, user); err != nil {
		return nil, err
	}
	slog.Info("error deleted", "error_id", e.ID, "user", user.Subject, "state", e.State)
	return e, nil
}

// CreateManualTask opens the remote task of an error waiting for one and
// moves it to PERMANENT.
func (s *Service) CreateManualTask(ctx context.Context, e *models.Error) error {
	if e.State != models.ErrorStateSendToManualTask {
		return invalidTransition(e, "open manual task for")
	}
	task := s.taskFactory.NewTask(e)
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return err
	}
	e.ManualTaskID = &task.ID
	e.State = models.ErrorStatePermanent
	return s.update(ctx, e)
}

// CloseManualTask closes the task of a resolved error.
func (s *Service) CloseManualTask(ctx context.Context, e *models.Error) error {
	if e.State != models.ErrorStateResolveOnManualTask {
		return invalidTransition(e, "close manual task of")
	}
	if err := s.closeTask(ctx, e); err != nil {
		return err
	}
	e.State = models.ErrorStatePermanentRetried
	return s.update(ctx, e)
}

// DeleteManualTask closes the task of a deleted error.
func (s *Service) DeleteManualTask(ctx context.Context, e *models.Error) error {
	if e.State != models.ErrorStateDeleteOnManualTask {
		return invalidTransition(e, "delete manual task of")
	}
	if err := s.closeTask(ctx, e); err != nil {
		return err
	}
	e.State = models.ErrorStateDeleted
	return s.update(ctx, e)
}

func (s *Service) closeTask(ctx context.Context, e *models.Error) error {
	if !e.HasManualTask() {
		return nil
	}
	return s.tasks.CloseTask(ctx, *e.ManualTaskID)
}
