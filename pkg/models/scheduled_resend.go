package models

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledResend is one planned resend of an error's causing event.
// A row is active while ResentAt is nil and Cancelled is false.
type ScheduledResend struct {
	ID        uuid.UUID  `db:"id"        json:"id"`
	ErrorID   uuid.UUID  `db:"error_id"  json:"error_id"`
	ResendAt  time.Time  `db:"resend_at" json:"resend_at"`
	ResentAt  *time.Time `db:"resent_at" json:"resent_at,omitempty"`
	Cancelled bool       `db:"cancelled" json:"cancelled"`
}

// Active reports whether the schedule may still fire.
func (r *ScheduledResend) Active() bool {
	return r.ResentAt == nil && !r.Cancelled
}

// ResendCursor is a position in the (resend_at, id) order of schedules. The
// zero cursor sorts before every schedule.
type ResendCursor struct {
	ResendAt time.Time
	ID       uuid.UUID
}

// Cursor returns the position of r.
func (r *ScheduledResend) Cursor() ResendCursor {
	return ResendCursor{ResendAt: r.ResendAt, ID: r.ID}
}

// After reports whether r sorts strictly after c.
func (r *ScheduledResend) After(c ResendCursor) bool {
	if !r.ResendAt.Equal(c.ResendAt) {
		return r.ResendAt.After(c.ResendAt)
	}
	return r.ID.String() > c.ID.String()
}
