package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConcurrentModification is returned when an error row changed since it was read.
var ErrConcurrentModification = errors.New("concurrent modification")

// ErrAlreadySet is returned by set-once updates when the value is already present.
var ErrAlreadySet = errors.New("value already set")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// SaveCausingEvent inserts ev unless a row with the same metadata id exists,
	// in which case the existing row is returned.
	SaveCausingEvent(ctx context.Context, ev *models.CausingEvent) (*models.CausingEvent, error)
	GetCausingEvent(ctx context.Context, id uuid.UUID) (*models.CausingEvent, error)

	CreateError(ctx context.Context, e *models.Error) error
	GetError(ctx context.Context, id uuid.UUID) (*models.Error, error)
	// UpdateError persists the mutable fields of e if e.Version is current
	// and increments e.Version.
	UpdateError(ctx context.Context, e *models.Error) error
	ListErrors(ctx context.Context, filter ErrorFilter) ([]*models.Error, int, error)
	// ErrorsByState returns the oldest errors in state, at most limit of them.
	ErrorsByState(ctx context.Context, state models.ErrorState, limit int) ([]*models.Error, error)
	CountErrorsForCausingEvent(ctx context.Context, causingEventID uuid.UUID) (int, error)
	ExistsErrorWithIdempotenceID(ctx context.Context, idempotenceID string) (bool, error)
	CountErrorsByState(ctx context.Context) (map[models.ErrorState]int, error)

	CreateScheduledResend(ctx context.Context, sr *models.ScheduledResend) error
	// NextScheduledResend returns the earliest active schedule of an error.
	NextScheduledResend(ctx context.Context, errorID uuid.UUID) (*models.ScheduledResend, error)
	// DueScheduledResends returns active schedules due at now, oldest first.
	DueScheduledResends(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledResend, error)
	// DueScheduledResendsAfter is DueScheduledResends starting strictly after
	// the cursor position.
	DueScheduledResendsAfter(ctx context.Context, now time.Time, after models.ResendCursor, limit int) ([]*models.ScheduledResend, error)
	ListScheduledResends(ctx context.Context, errorID uuid.UUID) ([]*models.ScheduledResend, error)
	CancelScheduledResends(ctx context.Context, errorID uuid.UUID) (int, error)
	MarkResent(ctx context.Context, id uuid.UUID, at time.Time) error

	FindErrorGroup(ctx context.Context, key models.ErrorGroupKey) (*models.ErrorGroup, error)
	CreateErrorGroup(ctx context.Context, g *models.ErrorGroup) error
	GetErrorGroup(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error)
	// SetTicketNumber sets the ticket number only if none is set yet.
	SetTicketNumber(ctx context.Context, id uuid.UUID, ticketNumber string) error
	UpdateErrorGroupFreeText(ctx context.Context, id uuid.UUID, freeText *string) error
	CountErrorGroupsWithoutTicket(ctx context.Context) (int, error)

	CreateAuditLog(ctx context.Context, a *models.AuditLog) error
	ListAuditLogs(ctx context.Context, errorID uuid.UUID) ([]*models.AuditLog, error)

	Housekeeping
}

// Housekeeping deletes aged and orphaned rows one page per call. Every call
// commits on its own and reports whether more eligible rows remain.
type Housekeeping interface {
	DeleteExpiredErrors(ctx context.Context, states []models.ErrorState, olderThan time.Time, pageSize int) (deleted int, more bool, err error)
	// The unreferenced passes only consider rows created before olderThan, so
	// an event or group saved by an ingest still in flight is kept.
	DeleteUnreferencedCausingEvents(ctx context.Context, olderThan time.Time, pageSize int) (deleted int, more bool, err error)
	DeleteUnreferencedErrorGroups(ctx context.Context, olderThan time.Time, pageSize int) (deleted int, more bool, err error)
}

type ErrorFilter struct {
	State *models.ErrorState
	Page  int
	Limit int
}
