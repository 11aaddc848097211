package resend

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/deadletter/internal/store/memory"
	"github.com/kiranshivaraju/deadletter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(s ScheduleStore) *Coordinator {
	c := NewCoordinator(s)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCoordinator_ScheduleAndNext(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(memory.New())
	errorID := uuid.New()

	_, ok, err := c.NextResendTimestamp(ctx, errorID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ScheduleResend(ctx, errorID, fixedNow.Add(time.Hour))
	require.NoError(t, err)
	_, err = c.ScheduleResend(ctx, errorID, fixedNow.Add(time.Minute))
	require.NoError(t, err)

	next, ok, err := c.NextResendTimestamp(ctx, errorID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fixedNow.Add(time.Minute), next)
}

func TestCoordinator_CancelOnlyWhenPending(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	c := newCoordinator(s)

	for _, state := range models.AllErrorStates {
		if state == models.ErrorStateTemporaryRetryPending {
			continue
		}
		t.Run(string(state), func(t *testing.T) {
			e := &models.Error{ID: uuid.New(), State: state}
			_, err := c.ScheduleResend(ctx, e.ID, fixedNow.Add(-time.Second))
			require.NoError(t, err)

			require.NoError(t, c.CancelScheduledResends(ctx, e))

			rows, err := s.ListScheduledResends(ctx, e.ID)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.True(t, rows[0].Active(), "schedule of a %s error must be untouched", state)
		})
	}
}

func TestCoordinator_CancelPendingExcludesFromDue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	c := newCoordinator(s)
	e := &models.Error{ID: uuid.New(), State: models.ErrorStateTemporaryRetryPending}
	other := uuid.New()

	first, err := c.ScheduleResend(ctx, e.ID, fixedNow.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = c.ScheduleResend(ctx, e.ID, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, c.MarkResent(ctx, first))
	_, err = c.ScheduleResend(ctx, other, fixedNow.Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, c.CancelScheduledResends(ctx, e))

	rows, err := s.ListScheduledResends(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.False(t, r.Active())
	}
	assert.False(t, rows[0].Cancelled, "already resent schedules are not cancelled")
	assert.True(t, rows[1].Cancelled)

	due, err := s.DueScheduledResends(ctx, fixedNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, other, due[0].ErrorID)

	_, ok, err := c.NextResendTimestamp(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinator_MarkResent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	c := newCoordinator(s)

	sr, err := c.ScheduleResend(ctx, uuid.New(), fixedNow.Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, c.MarkResent(ctx, sr))

	require.NotNil(t, sr.ResentAt)
	assert.Equal(t, fixedNow, *sr.ResentAt)

	due, err := s.DueScheduledResends(ctx, fixedNow, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCoordinator_MarkResentUnknown(t *testing.T) {
	c := newCoordinator(memory.New())

	err := c.MarkResent(context.Background(), &models.ScheduledResend{ID: uuid.New()})
	assert.Error(t, err)
}
