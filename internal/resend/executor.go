package resend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/deadletter/internal/lock"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// JobName is the scheduler job and lock name of the resend executor.
const JobName = "execute-pending-schedules"

// DueStore returns active schedules due at now past a cursor, oldest first.
type DueStore interface {
	DueScheduledResendsAfter(ctx context.Context, now time.Time, after models.ResendCursor, limit int) ([]*models.ScheduledResend, error)
}

// Handler performs the resend of one schedule and records its outcome
// against the error.
type Handler interface {
	HandleScheduledResend(ctx context.Context, sr *models.ScheduledResend) error
}

// Executor fires due scheduled resends in bounded chunks.
type Executor struct {
	store     DueStore
	handler   Handler
	chunkSize int
	maxChunks int
	now       func() time.Time
}

func NewExecutor(s DueStore, h Handler, chunkSize, maxConsecutiveChunks int) *Executor {
	return &Executor{
		store:     s,
		handler:   h,
		chunkSize: chunkSize,
		maxChunks: maxConsecutiveChunks,
		now:       time.Now,
	}
}

// Run processes up to maxConsecutiveChunks chunks of due schedules. It must be
// called with the executor's lock in ctx. Each chunk starts after the last row
// of the previous one, so a row the handler cannot complete is tried once per
// run and does not hold back the rows behind it. Handler failures are logged
// and do not stop the run; the returned count includes them.
func (e *Executor) Run(ctx context.Context) (int, error) {
	if err := lock.AssertLocked(ctx, JobName); err != nil {
		return 0, err
	}

	var after models.ResendCursor
	processed := 0
	for chunk := 0; chunk < e.maxChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		due, err := e.store.DueScheduledResendsAfter(ctx, e.now(), after, e.chunkSize)
		if err != nil {
			return processed, fmt.Errorf("fetch due resends: %w", err)
		}
		if len(due) == 0 {
			break
		}

		for _, sr := range due {
			processed++

			if err := e.handler.HandleScheduledResend(ctx, sr); err != nil {
				slog.Error("scheduled resend failed",
					"job", JobName,
					"scheduled_resend_id", sr.ID,
					"error_id", sr.ErrorID,
					"error", err,
				)
			}
		}
		after = due[len(due)-1].Cursor()
	}

	if processed > 0 {
		slog.Info("scheduled resends executed", "job", JobName, "count", processed)
	}
	return processed, nil
}
