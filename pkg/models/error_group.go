package models

import (
	"time"

	"github.com/google/uuid"
)

// ErrorGroup clusters errors with the same publisher, code, event and stack trace hash.
type ErrorGroup struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	ErrorCode      string     `db:"error_code"       json:"error_code"`
	EventName      string     `db:"event_name"       json:"event_name"`
	ErrorPublisher string     `db:"error_publisher"  json:"error_publisher"`
	ErrorMessage   string     `db:"error_message"    json:"error_message"`
	StackTraceHash string     `db:"stack_trace_hash" json:"stack_trace_hash"`
	TicketNumber   *string    `db:"ticket_number"    json:"ticket_number,omitempty"`
	FreeText       *string    `db:"free_text"        json:"free_text,omitempty"`
	Created        time.Time  `db:"created"          json:"created"`
	Modified       *time.Time `db:"modified"         json:"modified,omitempty"`
}

// ErrorGroupKey is the identity used to find a matching group.
type ErrorGroupKey struct {
	ErrorPublisher string
	ErrorCode      string
	EventName      string
	StackTraceHash string
}

// Key returns the matching key of g.
func (g *ErrorGroup) Key() ErrorGroupKey {
	return ErrorGroupKey{
		ErrorPublisher: g.ErrorPublisher,
		ErrorCode:      g.ErrorCode,
		EventName:      g.EventName,
		StackTraceHash: g.StackTraceHash,
	}
}

// HasTicketNumber reports whether an external ticket is already linked.
func (g *ErrorGroup) HasTicketNumber() bool {
	return g.TicketNumber != nil && *g.TicketNumber != ""
}
