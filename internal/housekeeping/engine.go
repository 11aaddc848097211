// Package housekeeping removes aged errors and the rows only they referenced.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/deadletter/internal/lock"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// JobName is the scheduler job and lock name of the housekeeping run.
const JobName = "house-keeping"

// Result counts the rows removed by one run.
type Result struct {
	Errors        int
	CausingEvents int
	ErrorGroups   int
}

type Engine struct {
	store    store.Housekeeping
	maxAge   time.Duration
	pageSize int
	maxPages int
	now      func() time.Time
}

func NewEngine(s store.Housekeeping, maxAge time.Duration, pageSize, maxPages int) *Engine {
	return &Engine{
		store:    s,
		maxAge:   maxAge,
		pageSize: pageSize,
		maxPages: maxPages,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run deletes errors older than the max age in a final state, then causing
// events and error groups past the same age that no error refers to anymore. Each page is committed
// on its own, so an interrupted run keeps what it already removed.
func (h *Engine) Run(ctx context.Context) (Result, error) {
	var res Result
	if err := lock.AssertLocked(ctx, JobName); err != nil {
		return res, err
	}

	olderThan := h.now().Add(-h.maxAge)
	passes := []struct {
		name  string
		count *int
		page  func(ctx context.Context) (int, bool, error)
	}{
		{"errors", &res.Errors, func(ctx context.Context) (int, bool, error) {
			return h.store.DeleteExpiredErrors(ctx, models.HousekeepingStates, olderThan, h.pageSize)
		}},
		{"causing events", &res.CausingEvents, func(ctx context.Context) (int, bool, error) {
			return h.store.DeleteUnreferencedCausingEvents(ctx, olderThan, h.pageSize)
		}},
		{"error groups", &res.ErrorGroups, func(ctx context.Context) (int, bool, error) {
			return h.store.DeleteUnreferencedErrorGroups(ctx, olderThan, h.pageSize)
		}},
	}

	for _, p := range passes {
		pages := 0
		for pages < h.maxPages {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			n, more, err := p.page(ctx)
			if err != nil {
				return res, fmt.Errorf("housekeeping %s: %w", p.name, err)
			}
			*p.count += n
			pages++
			if !more {
				break
			}
		}
		if pages == h.maxPages {
			slog.Warn("housekeeping page limit reached", "job", JobName, "pass", p.name, "pages", pages)
		}
	}

	slog.Info("housekeeping done",
		"job", JobName,
		"older_than", olderThan,
		"errors", res.Errors,
		"causing_events", res.CausingEvents,
		"error_groups", res.ErrorGroups,
	)
	return res, nil
}
