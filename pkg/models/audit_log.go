package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AuditActionResendCausingEvent = "RESEND_CAUSING_EVENT"
	AuditActionDeleteError        = "DELETE_ERROR"
)

// User is the operator or system account behind an audited action.
type User struct {
	Subject     string `json:"subject"`
	AuthContext string `json:"auth_context,omitempty"`
}

// SystemUser is recorded for actions taken by the schedulers.
var SystemUser = User{Subject: "system", AuthContext: "scheduler"}

// AuditLog records an action taken on an error.
type AuditLog struct {
	ID      uuid.UUID `db:"id"       json:"id"`
	ErrorID uuid.UUID `db:"error_id" json:"error_id"`
	Action  string    `db:"action"   json:"action"`
	User    User      `json:"user"`
	Created time.Time `db:"created"  json:"created"`
}
