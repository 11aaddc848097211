// Package recovery enacts the error lifecycle. Every state change of an
// error goes through Service; the schedulers and the admin API only call it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/manualtask"
	"github.com/kiranshivaraju/deadletter/internal/resend"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateReport        = errors.New("failure already reported")
	ErrInvalidReport          = errors.New("invalid failure report")
	ErrReasonTooLong          = errors.New("reason must be under 1000 characters")
	ErrResendFailed           = errors.New("resend of causing event failed")
)

const maxReasonLength = 1000

// Resender delivers the causing event of an error again.
type Resender interface {
	Resend(ctx context.Context, errorID uuid.UUID, ev *models.CausingEvent) error
}

// Grouper assigns errors to error groups.
type Grouper interface {
	AssignToErrorGroup(ctx context.Context, e *models.Error) (*models.ErrorGroup, error)
}

// TaskFactory builds the remote task for an error.
type TaskFactory interface {
	NewTask(e *models.Error) manualtask.Task
}

// Recorder receives lifecycle events for metrics.
type Recorder interface {
	ErrorReceived(t models.Temporality)
	ResendAttempted(ok bool)
}

// Dependencies wires the service to its collaborators. Grouper and Recorder
// are optional.
type Dependencies struct {
	Store       store.Store
	Strategy    resend.Strategy
	Coordinator *resend.Coordinator
	Resender    Resender
	Tasks       manualtask.Client
	TaskFactory TaskFactory
	Grouper     Grouper
	Recorder    Recorder
}

type Service struct {
	store       store.Store
	strategy    resend.Strategy
	coordinator *resend.Coordinator
	resender    Resender
	tasks       manualtask.Client
	taskFactory TaskFactory
	grouper     Grouper
	recorder    Recorder
	now         func() time.Time
}

func NewService(d Dependencies) *Service {
	s := &Service{
		store:       d.Store,
		strategy:    d.Strategy,
		coordinator: d.Coordinator,
		resender:    d.Resender,
		tasks:       d.Tasks,
		taskFactory: d.TaskFactory,
		grouper:     d.Grouper,
		recorder:    d.Recorder,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s
}

// FailureReport is a processing failure as reported by a consumer.
type FailureReport struct {
	CausingEvent       models.CausingEvent   `json:"causing_event"`
	ErrorEventData     models.ErrorEventData `json:"error_event_data"`
	ErrorEventMetadata models.EventMetadata  `json:"error_event_metadata"`
}

func (r *FailureReport) validate() error {
	switch {
	case r.CausingEvent.Metadata.ID == "":
		return fmt.Errorf("%w: causing event metadata id is required", ErrInvalidReport)
	case r.CausingEvent.Message.Topic == "":
		return fmt.Errorf("%w: causing event topic is required", ErrInvalidReport)
	case r.ErrorEventMetadata.ID == "":
		return fmt.Errorf("%w: error event metadata id is required", ErrInvalidReport)
	case r.ErrorEventData.Code == "":
		return fmt.Errorf("%w: error code is required", ErrInvalidReport)
	}
	return nil
}

// HandleFailure records a reported failure and classifies it. Temporary
// failures get a resend scheduled; permanent and unknown ones are escalated
// to a manual task. A report with an already seen idempotence id returns
// ErrDuplicateReport.
func (s *Service) HandleFailure(ctx context.Context, report FailureReport) (*models.Error, error) {
	if err := report.validate(); err != nil {
		return nil, err
	}

	if id := report.ErrorEventMetadata.IdempotenceID; id != "" {
		dup, err := s.store.ExistsErrorWithIdempotenceID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check duplicate report: %w", err)
		}
		if dup {
			slog.Info("duplicate failure report ignored", "idempotence_id", id)
			return nil, ErrDuplicateReport
		}
	}

	now := s.now()
	candidate := report.CausingEvent
	candidate.ID = uuid.New()
	candidate.Created = now
	ev, err := s.store.SaveCausingEvent(ctx, &candidate)
	if err != nil {
		return nil, fmt.Errorf("save causing event: %w", err)
	}

	e := &models.Error{
		ID:                 uuid.New(),
		ErrorEventData:     report.ErrorEventData,
		ErrorEventMetadata: report.ErrorEventMetadata,
		CausingEventID:     ev.ID,
		Created:            now,
	}
	if e.ErrorEventData.Temporality == "" {
		e.ErrorEventData.Temporality = models.TemporalityUnknown
	}
	s.recorder.ErrorReceived(e.ErrorEventData.Temporality)

	if e.ErrorEventData.Temporality == models.TemporalityTemporary {
		err = s.handleTemporary(ctx, e, ev)
	} else {
		err = s.handlePermanent(ctx, e)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// handleTemporary schedules a resend of ev for the new error e, or escalates
// e when the strategy gives up.
func (s *Service) handleTemporary(ctx context.Context, e *models.Error, ev *models.CausingEvent) error {
	count, err := s.store.CountErrorsForCausingEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("count errors for causing event %s: %w", ev.ID, err)
	}

	at, ok := s.strategy.DetermineResend(count, ev.Metadata, e.ErrorEventMetadata, e.ErrorEventData, ev.Message)
	if !ok {
		slog.Info("resend attempts exhausted, handling as permanent", "error_id", e.ID, "error_count", count)
		return s.handlePermanent(ctx, e)
	}

	e.State = models.ErrorStateTemporaryRetryPending
	if err := s.store.CreateError(ctx, e); err != nil {
		return fmt.Errorf("create error: %w", err)
	}
	if _, err := s.coordinator.ScheduleResend(ctx, e.ID, at); err != nil {
		return err
	}
	slog.Info("temporary error recorded", "error_id", e.ID, "resend_at", at, "error_count", count)
	return nil
}

// handlePermanent stores e waiting for a manual task and tries to open the
// task right away. A failed attempt is left to the task sync.
func (s *Service) handlePermanent(ctx context.Context, e *models.Error) error {
	e.State = models.ErrorStateSendToManualTask

	if s.grouper != nil {
		if _, err := s.grouper.AssignToErrorGroup(ctx, e); err != nil {
			slog.Warn("error grouping failed", "error_id", e.ID, "error", err)
		}
	}

	if err := s.store.CreateError(ctx, e); err != nil {
		return fmt.Errorf("create error: %w", err)
	}
	slog.Info("permanent error recorded", "error_id", e.ID, "error_code", e.ErrorEventData.Code)

	if err := s.CreateManualTask(ctx, e); err != nil {
		slog.Warn("could not open manual task, retrying later", "error_id", e.ID, "error", err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, e *models.Error) error {
	now := s.now()
	e.Modified = &now
	if err := s.store.UpdateError(ctx, e); err != nil {
		return fmt.Errorf("update error %s: %w", e.ID, err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, e *models.Error, action string, user models.User) error {
	entry := &models.AuditLog{
		ID:      uuid.New(),
		ErrorID: e.ID,
		Action:  action,
		User:    user,
		Created: s.now(),
	}
	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("write audit log for error %s: %w", e.ID, err)
	}
	return nil
}

func invalidTransition(e *models.Error, op string) error {
	return fmt.Errorf("%w: cannot %s error %s in state %s", ErrInvalidStateTransition, op, e.ID, e.State)
}

func normalizeReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return "", ErrReasonTooLong
	}
	return reason, nil
}

type nopRecorder struct{}

func (nopRecorder) ErrorReceived(models.Temporality) {}
func (nopRecorder) ResendAttempted(bool)             {}
