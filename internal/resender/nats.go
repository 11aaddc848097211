// Package resender delivers causing events back to their original topic.
package resender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/pkg/models"
	"github.com/nats-io/nats.go"
)

// Headers added to every resent message.
const (
	HeaderErrorID    = "Deadletter-Error-Id"
	HeaderMessageKey = "Deadletter-Message-Key"
	HeaderOriginalID = "Deadletter-Original-Event-Id"
	HeaderResent     = "Deadletter-Resent"
)

// Publisher is the subset of *nats.Conn used for resending.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

// NATSResender republishes the stored message of a causing event on
// subjectPrefix + topic.
type NATSResender struct {
	pub           Publisher
	subjectPrefix string
	timeout       time.Duration
}

func NewNATSResender(pub Publisher, subjectPrefix string, timeout time.Duration) *NATSResender {
	return &NATSResender{pub: pub, subjectPrefix: subjectPrefix, timeout: timeout}
}

// Connect opens a NATS connection that reconnects forever.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("deadletter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

// Resend publishes ev and waits until the server acknowledged the flush, so
// that a returned nil means the message left this process.
func (r *NATSResender) Resend(ctx context.Context, errorID uuid.UUID, ev *models.CausingEvent) error {
	if ev.Message.Topic == "" {
		return fmt.Errorf("resend causing event %s: message has no topic", ev.ID)
	}

	msg := nats.NewMsg(r.subjectPrefix + ev.Message.Topic)
	msg.Data = ev.Message.Payload
	for _, h := range ev.Headers {
		msg.Header.Add(h.Name, string(h.Value))
	}
	msg.Header.Set(HeaderErrorID, errorID.String())
	msg.Header.Set(HeaderOriginalID, ev.Metadata.ID)
	msg.Header.Set(HeaderResent, "true")
	if len(ev.Message.Key) > 0 {
		msg.Header.Set(HeaderMessageKey, string(ev.Message.Key))
	}

	if err := r.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish causing event %s: %w", ev.ID, err)
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := r.pub.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush causing event %s: %w", ev.ID, err)
	}

	slog.Info("causing event resent",
		"error_id", errorID,
		"causing_event_id", ev.ID,
		"subject", msg.Subject,
	)
	return nil
}
