package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/deadletter/internal/config"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// startPostgres spins up a Postgres container and returns its connection string.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("deadletter_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

// setupTestDB starts Postgres, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	connStr := startPostgres(t)

	err := store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newCausingEvent(metadataID string) *models.CausingEvent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.CausingEvent{
		ID: uuid.New(),
		Metadata: models.EventMetadata{
			ID:            metadataID,
			IdempotenceID: "idem-" + metadataID,
			Created:       now,
			Type:          models.EventType{Name: "OrderPlaced", Version: "1"},
			Publisher:     models.EventPublisher{System: "shop", Service: "orders"},
		},
		Message: models.EventMessage{
			Topic:     "orders",
			Partition: 1,
			Offset:    42,
			Key:       []byte("k"),
			Payload:   []byte(`{"order":1}`),
		},
		Headers: []models.MessageHeader{{Name: "trace", Value: []byte("abc")}},
		Created: now,
	}
}

func newError(causingEventID uuid.UUID, state models.ErrorState, created time.Time) *models.Error {
	return &models.Error{
		ID:    uuid.New(),
		State: state,
		ErrorEventData: models.ErrorEventData{
			Code:           "E42",
			Temporality:    models.TemporalityTemporary,
			Message:        "boom",
			StackTraceHash: "hash",
		},
		ErrorEventMetadata: models.EventMetadata{
			ID:            uuid.NewString(),
			IdempotenceID: uuid.NewString(),
			Created:       created,
			Type:          models.EventType{Name: "MessageProcessingFailed"},
			Publisher:     models.EventPublisher{System: "shop", Service: "billing"},
		},
		CausingEventID: causingEventID,
		Created:        created,
	}
}

// --- Causing Events ---

func TestConnect_TagsSessionsWithApplicationName(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := startPostgres(t)
	ctx := context.Background()

	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:          connStr,
		MaxOpenConns: 4,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var name string
	require.NoError(t, pool.QueryRow(ctx, "SELECT current_setting('application_name')").Scan(&name))
	assert.Equal(t, store.ApplicationName, name)
}

func TestRunMigrations_SecondRunIsNoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := startPostgres(t)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
}

func TestCausingEvent_SaveIsUniquePerMetadataID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	first := newCausingEvent("meta-1")
	saved, err := s.SaveCausingEvent(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, saved.ID)

	dup := newCausingEvent("meta-1")
	again, err := s.SaveCausingEvent(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	require.Len(t, again.Headers, 1)
	assert.Equal(t, "trace", again.Headers[0].Name)

	got, err := s.GetCausingEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"order":1}`), got.Message.Payload)
	assert.Equal(t, int64(42), got.Message.Offset)
}

func TestCausingEvent_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetCausingEvent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Errors ---

func TestError_CreateGetUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	ev, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-err"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	e := newError(ev.ID, models.ErrorStateSendToManualTask, now)
	require.NoError(t, s.CreateError(ctx, e))

	got, err := s.GetError(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStateSendToManualTask, got.State)
	assert.Equal(t, "E42", got.ErrorEventData.Code)
	assert.Nil(t, got.ManualTaskID)

	taskID := uuid.New()
	got.State = models.ErrorStatePermanent
	got.ManualTaskID = &taskID
	got.Modified = &now
	require.NoError(t, s.UpdateError(ctx, got))
	assert.Equal(t, 1, got.Version)

	reloaded, err := s.GetError(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatePermanent, reloaded.State)
	require.NotNil(t, reloaded.ManualTaskID)
	assert.Equal(t, taskID, *reloaded.ManualTaskID)
}

func TestError_UpdateStaleVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	ev, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-stale"))
	require.NoError(t, err)
	e := newError(ev.ID, models.ErrorStateTemporaryRetryPending, time.Now().UTC())
	require.NoError(t, s.CreateError(ctx, e))

	a, err := s.GetError(ctx, e.ID)
	require.NoError(t, err)
	b, err := s.GetError(ctx, e.ID)
	require.NoError(t, err)

	a.State = models.ErrorStateTemporaryRetried
	require.NoError(t, s.UpdateError(ctx, a))

	b.State = models.ErrorStateDeleted
	err = s.UpdateError(ctx, b)
	assert.ErrorIs(t, err, store.ErrConcurrentModification)

	missing := newError(ev.ID, models.ErrorStatePermanent, time.Now().UTC())
	assert.ErrorIs(t, s.UpdateError(ctx, missing), store.ErrNotFound)
}

func TestError_ByStateAndCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	ev, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-count"))
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateError(ctx, newError(ev.ID, models.ErrorStateSendToManualTask, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.CreateError(ctx, newError(ev.ID, models.ErrorStatePermanent, base)))

	page, err := s.ErrorsByState(ctx, models.ErrorStateSendToManualTask, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].Created.Before(page[1].Created))

	n, err := s.CountErrorsForCausingEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	counts, err := s.CountErrorsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.ErrorStateSendToManualTask])
	assert.Equal(t, 1, counts[models.ErrorStatePermanent])

	state := models.ErrorStatePermanent
	list, total, err := s.ListErrors(ctx, store.ErrorFilter{State: &state, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

// --- Scheduled Resends ---

func TestScheduledResend_DueExcludesCancelledAndResent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	ev, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-due"))
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Microsecond)
	e1 := newError(ev.ID, models.ErrorStateTemporaryRetryPending, now)
	e2 := newError(ev.ID, models.ErrorStateTemporaryRetryPending, now)
	require.NoError(t, s.CreateError(ctx, e1))
	require.NoError(t, s.CreateError(ctx, e2))

	older := &models.ScheduledResend{ID: uuid.New(), ErrorID: e1.ID, ResendAt: now.Add(-2 * time.Minute)}
	newer := &models.ScheduledResend{ID: uuid.New(), ErrorID: e2.ID, ResendAt: now.Add(-time.Minute)}
	future := &models.ScheduledResend{ID: uuid.New(), ErrorID: e2.ID, ResendAt: now.Add(time.Hour)}
	for _, r := range []*models.ScheduledResend{newer, future, older} {
		require.NoError(t, s.CreateScheduledResend(ctx, r))
	}

	due, err := s.DueScheduledResends(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, older.ID, due[0].ID)
	assert.Equal(t, newer.ID, due[1].ID)

	after, err := s.DueScheduledResendsAfter(ctx, now, older.Cursor(), 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, newer.ID, after[0].ID)

	n, err := s.CancelScheduledResends(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.MarkResent(ctx, newer.ID, now))

	due, err = s.DueScheduledResends(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	next, err := s.NextScheduledResend(ctx, e2.ID)
	require.NoError(t, err)
	assert.Equal(t, future.ID, next.ID)

	_, err = s.NextScheduledResend(ctx, e1.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Error Groups ---

func TestErrorGroup_TicketNumberIsSetOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	g := &models.ErrorGroup{
		ID:             uuid.New(),
		ErrorCode:      "E42",
		EventName:      "OrderPlaced",
		ErrorPublisher: "billing",
		StackTraceHash: "hash",
		Created:        time.Now().UTC(),
	}
	require.NoError(t, s.CreateErrorGroup(ctx, g))

	dup := *g
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateErrorGroup(ctx, &dup), store.ErrDuplicateKey)

	found, err := s.FindErrorGroup(ctx, g.Key())
	require.NoError(t, err)
	assert.Equal(t, g.ID, found.ID)

	require.NoError(t, s.SetTicketNumber(ctx, g.ID, "OPS-1"))
	assert.ErrorIs(t, s.SetTicketNumber(ctx, g.ID, "OPS-2"), store.ErrAlreadySet)
	assert.ErrorIs(t, s.SetTicketNumber(ctx, uuid.New(), "OPS-3"), store.ErrNotFound)

	got, err := s.GetErrorGroup(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TicketNumber)
	assert.Equal(t, "OPS-1", *got.TicketNumber)
}

// --- Housekeeping ---

func TestHousekeeping_DeletesOnlyExpiredAllowListedErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	ev, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-hk"))
	require.NoError(t, err)

	now := time.Now().UTC()
	old := now.Add(-200 * 24 * time.Hour)
	var expired []*models.Error
	for i := 0; i < 3; i++ {
		e := newError(ev.ID, models.ErrorStatePermanentRetried, old.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateError(ctx, e))
		require.NoError(t, s.CreateScheduledResend(ctx, &models.ScheduledResend{ID: uuid.New(), ErrorID: e.ID, ResendAt: old}))
		require.NoError(t, s.CreateAuditLog(ctx, &models.AuditLog{ID: uuid.New(), ErrorID: e.ID, Action: models.AuditActionResendCausingEvent, Created: old}))
		expired = append(expired, e)
	}
	fresh := newError(ev.ID, models.ErrorStatePermanentRetried, now)
	require.NoError(t, s.CreateError(ctx, fresh))
	pending := newError(ev.ID, models.ErrorStateSendToManualTask, old)
	require.NoError(t, s.CreateError(ctx, pending))

	cutoff := now.Add(-180 * 24 * time.Hour)
	deleted, more, err := s.DeleteExpiredErrors(ctx, models.HousekeepingStates, cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.True(t, more)

	deleted, more, err = s.DeleteExpiredErrors(ctx, models.HousekeepingStates, cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, more)

	for _, e := range expired {
		_, err := s.GetError(ctx, e.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	_, err = s.GetError(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = s.GetError(ctx, pending.ID)
	assert.NoError(t, err)

	var resends, audits int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_resends`).Scan(&resends))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&audits))
	assert.Zero(t, resends)
	assert.Zero(t, audits)
}

func TestHousekeeping_DeletesUnreferencedCausingEventsAndGroups(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	used, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-used"))
	require.NoError(t, err)
	orphan, err := s.SaveCausingEvent(ctx, newCausingEvent("meta-orphan"))
	require.NoError(t, err)

	usedGroup := &models.ErrorGroup{ID: uuid.New(), ErrorCode: "A", EventName: "E", ErrorPublisher: "P", StackTraceHash: "1", Created: time.Now().UTC()}
	orphanGroup := &models.ErrorGroup{ID: uuid.New(), ErrorCode: "B", EventName: "E", ErrorPublisher: "P", StackTraceHash: "2", Created: time.Now().UTC()}
	require.NoError(t, s.CreateErrorGroup(ctx, usedGroup))
	require.NoError(t, s.CreateErrorGroup(ctx, orphanGroup))

	e := newError(used.ID, models.ErrorStatePermanent, time.Now().UTC())
	e.ErrorGroupID = &usedGroup.ID
	require.NoError(t, s.CreateError(ctx, e))

	// nothing is old enough yet
	deleted, _, err := s.DeleteUnreferencedCausingEvents(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	deleted, _, err = s.DeleteUnreferencedErrorGroups(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	cutoff := time.Now().UTC().Add(time.Minute)
	deleted, more, err := s.DeleteUnreferencedCausingEvents(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, more)
	_, err = s.GetCausingEvent(ctx, orphan.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetCausingEvent(ctx, used.ID)
	assert.NoError(t, err)

	deleted, more, err = s.DeleteUnreferencedErrorGroups(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, more)
	_, err = s.GetErrorGroup(ctx, orphanGroup.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Migrations ---

func TestMigration_MergesDuplicateCausingEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	connStr := startPostgres(t)
	ctx := context.Background()

	m, err := migrate.New("file://"+migrationsDir(), connStr)
	require.NoError(t, err)
	require.NoError(t, m.Migrate(1))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	keep := uuid.New()
	dup := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []uuid.UUID{keep, dup} {
		_, err := pool.Exec(ctx,
			`INSERT INTO causing_events (id, metadata_id, metadata_created, topic, created) VALUES ($1, 'same', $2, 'orders', $2)`,
			id, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			`INSERT INTO causing_event_headers (causing_event_id, name, value) VALUES ($1, 'h', 'v')`, id)
		require.NoError(t, err)
	}
	errID := uuid.New()
	_, err = pool.Exec(ctx,
		`INSERT INTO errors (id, state, temporality, error_event_created, causing_event_id) VALUES ($1, 'PERMANENT', 'PERMANENT', NOW(), $2)`,
		errID, dup)
	require.NoError(t, err)

	require.NoError(t, m.Up())
	srcErr, dbErr := m.Close()
	require.NoError(t, errors.Join(srcErr, dbErr))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM causing_events WHERE metadata_id = 'same'`).Scan(&count))
	assert.Equal(t, 1, count)

	var pointsTo uuid.UUID
	require.NoError(t, pool.QueryRow(ctx, `SELECT causing_event_id FROM errors WHERE id = $1`, errID).Scan(&pointsTo))
	assert.Equal(t, keep, pointsTo)

	var headers int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM causing_event_headers`).Scan(&headers))
	assert.Equal(t, 1, headers)

	_, err = pool.Exec(ctx,
		`INSERT INTO causing_events (id, metadata_id, metadata_created, topic) VALUES ($1, 'same', NOW(), 'orders')`, uuid.New())
	assert.Error(t, err)
}
