package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageHeader is a single header of the original message.
type MessageHeader struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// EventMessage is the raw message as it was consumed.
type EventMessage struct {
	Topic       string `json:"topic"`
	ClusterName string `json:"cluster_name,omitempty"`
	Partition   int64  `json:"partition"`
	Offset      int64  `json:"offset"`
	Key         []byte `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
}

// CausingEvent captures the message whose processing failed. Rows are immutable
// and unique per Metadata.ID; many errors may reference the same row.
type CausingEvent struct {
	ID       uuid.UUID       `db:"id"      json:"id"`
	Metadata EventMetadata   `json:"metadata"`
	Message  EventMessage    `json:"message"`
	Headers  []MessageHeader `json:"headers,omitempty"`
	Created  time.Time       `db:"created" json:"created"`
}
