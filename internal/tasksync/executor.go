// Package tasksync finishes manual task operations that failed when they were
// first attempted, page by page, on every tick of its scheduler job.
package tasksync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/deadletter/internal/lock"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// JobName is the scheduler job and lock name of the task sync.
const JobName = "sync-pending-tasks"

// Service is the part of the recovery service the sync drives.
type Service interface {
	ListByState(ctx context.Context, state models.ErrorState, limit int) ([]*models.Error, error)
	CreateManualTask(ctx context.Context, e *models.Error) error
	CloseManualTask(ctx context.Context, e *models.Error) error
	DeleteManualTask(ctx context.Context, e *models.Error) error
}

// Result counts the errors handled per pass.
type Result struct {
	Created int
	Closed  int
	Deleted int
	Failed  int
}

type pass struct {
	state  models.ErrorState
	action string
	apply  func(ctx context.Context, e *models.Error) error
	count  *int
}

type Executor struct {
	svc       Service
	pageSize  int
	maxChunks int
}

func NewExecutor(svc Service, pageSize, maxConsecutiveChunks int) *Executor {
	return &Executor{svc: svc, pageSize: pageSize, maxChunks: maxConsecutiveChunks}
}

// Run opens missing tasks, then closes tasks of resolved and deleted errors.
// A failure on one error is logged and the error is retried on the next run.
func (x *Executor) Run(ctx context.Context) (Result, error) {
	var res Result
	if err := lock.AssertLocked(ctx, JobName); err != nil {
		return res, err
	}

	passes := []pass{
		{models.ErrorStateSendToManualTask, "create", x.svc.CreateManualTask, &res.Created},
		{models.ErrorStateResolveOnManualTask, "close", x.svc.CloseManualTask, &res.Closed},
		{models.ErrorStateDeleteOnManualTask, "delete", x.svc.DeleteManualTask, &res.Deleted},
	}
	for _, p := range passes {
		if err := x.runPass(ctx, p, &res); err != nil {
			return res, err
		}
	}

	if res.Created+res.Closed+res.Deleted+res.Failed > 0 {
		slog.Info("manual tasks synchronised",
			"job", JobName,
			"created", res.Created,
			"closed", res.Closed,
			"deleted", res.Deleted,
			"failed", res.Failed,
		)
	}
	return res, nil
}

func (x *Executor) runPass(ctx context.Context, p pass, res *Result) error {
	for chunk := 0; chunk < x.maxChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := x.svc.ListByState(ctx, p.state, x.pageSize)
		if err != nil {
			return fmt.Errorf("list errors in state %s: %w", p.state, err)
		}

		done := 0
		for _, e := range page {
			if err := p.apply(ctx, e); err != nil {
				res.Failed++
				slog.Warn("manual task sync failed",
					"job", JobName,
					"action", p.action,
					"error_id", e.ID,
					"error", err,
				)
				continue
			}
			done++
		}
		*p.count += done

		// A short page means the state is drained. done == 0 is a no-progress
		// guard, not a drain check: failed rows stay in the state and the same
		// page would be fetched again.
		if len(page) < x.pageSize || done == 0 {
			return nil
		}
	}
	return nil
}
