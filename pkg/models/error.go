// Package models contains shared data models used across the deadletter codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ErrorState is the lifecycle state of an Error.
type ErrorState string

const (
	ErrorStateTemporaryRetryPending ErrorState = "TEMPORARY_RETRY_PENDING"
	ErrorStateTemporaryRetried      ErrorState = "TEMPORARY_RETRIED"
	ErrorStatePermanent             ErrorState = "PERMANENT"
	ErrorStateSendToManualTask      ErrorState = "SEND_TO_MANUALTASK"
	ErrorStateResolveOnManualTask   ErrorState = "RESOLVE_ON_MANUALTASK"
	ErrorStateDeleteOnManualTask    ErrorState = "DELETE_ON_MANUALTASK"
	ErrorStatePermanentRetried      ErrorState = "PERMANENT_RETRIED"
	ErrorStateDeleted               ErrorState = "DELETED"
)

// AllErrorStates lists every state, in lifecycle order.
var AllErrorStates = []ErrorState{
	ErrorStateTemporaryRetryPending,
	ErrorStateTemporaryRetried,
	ErrorStatePermanent,
	ErrorStateSendToManualTask,
	ErrorStateResolveOnManualTask,
	ErrorStateDeleteOnManualTask,
	ErrorStatePermanentRetried,
	ErrorStateDeleted,
}

// HousekeepingStates are the only states in which an aged error may be removed.
var HousekeepingStates = []ErrorState{
	ErrorStateTemporaryRetried,
	ErrorStatePermanentRetried,
	ErrorStateDeleted,
	ErrorStatePermanent,
}

// RetryAllowed reports whether an operator may resend the causing event.
func (s ErrorState) RetryAllowed() bool {
	switch s {
	case ErrorStateTemporaryRetryPending, ErrorStateSendToManualTask, ErrorStatePermanent,
		ErrorStateDeleteOnManualTask, ErrorStateDeleted:
		return true
	}
	return false
}

// DeleteAllowed reports whether an operator may delete the error.
func (s ErrorState) DeleteAllowed() bool {
	switch s {
	case ErrorStateTemporaryRetryPending, ErrorStateSendToManualTask, ErrorStatePermanent:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s ErrorState) Valid() bool {
	for _, st := range AllErrorStates {
		if s == st {
			return true
		}
	}
	return false
}

// Temporality is the classification reported by the failing consumer.
type Temporality string

const (
	TemporalityTemporary Temporality = "TEMPORARY"
	TemporalityPermanent Temporality = "PERMANENT"
	TemporalityUnknown   Temporality = "UNKNOWN"
)

// ErrorEventData describes the failure itself.
type ErrorEventData struct {
	Code           string      `json:"code"`
	Temporality    Temporality `json:"temporality"`
	Message        string      `json:"message"`
	Description    string      `json:"description,omitempty"`
	StackTrace     string      `json:"stack_trace,omitempty"`
	StackTraceHash string      `json:"stack_trace_hash,omitempty"`
}

// EventType names a message type and its schema version.
type EventType struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// EventPublisher identifies the system and service that emitted a message.
type EventPublisher struct {
	System  string `json:"system"`
	Service string `json:"service"`
}

// EventMetadata identifies a message on the bus.
type EventMetadata struct {
	ID            string         `json:"id"`
	IdempotenceID string         `json:"idempotence_id"`
	Created       time.Time      `json:"created"`
	Type          EventType      `json:"type"`
	Publisher     EventPublisher `json:"publisher"`
}

// Error is one failed processing attempt of a causing event.
// State changes go through the recovery service only.
type Error struct {
	ID                 uuid.UUID      `db:"id"               json:"id"`
	State              ErrorState     `db:"state"            json:"state"`
	ErrorEventData     ErrorEventData `json:"error_event_data"`
	ErrorEventMetadata EventMetadata  `json:"error_event_metadata"`
	CausingEventID     uuid.UUID      `db:"causing_event_id" json:"causing_event_id"`
	ManualTaskID       *uuid.UUID     `db:"manual_task_id"   json:"manual_task_id,omitempty"`
	ClosingReason      string         `db:"closing_reason"   json:"closing_reason,omitempty"`
	ErrorGroupID       *uuid.UUID     `db:"error_group_id"   json:"error_group_id,omitempty"`
	Created            time.Time      `db:"created"          json:"created"`
	Modified           *time.Time     `db:"modified"         json:"modified,omitempty"`
	Version            int            `db:"version"          json:"version"`
}

// HasManualTask reports whether a remote task has been opened for this error.
func (e *Error) HasManualTask() bool {
	return e.ManualTaskID != nil
}

// NewFromTemplate returns a fresh pending error for the same causing event,
// used when a resend fails and the failure must be tracked again.
func (e *Error) NewFromTemplate(now time.Time) *Error {
	return &Error{
		ID:                 uuid.New(),
		State:              ErrorStateTemporaryRetryPending,
		ErrorEventData:     e.ErrorEventData,
		ErrorEventMetadata: e.ErrorEventMetadata,
		CausingEventID:     e.CausingEventID,
		ErrorGroupID:       e.ErrorGroupID,
		Created:            now,
	}
}
