package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Causing Events ---

const causingEventColumns = `id, metadata_id, idempotence_id, metadata_created, type_name, type_version,
	publisher_system, publisher_service, topic, cluster_name, partition, message_offset,
	message_key, payload, created`

func scanCausingEvent(row scanner) (*models.CausingEvent, error) {
	var ev models.CausingEvent
	err := row.Scan(&ev.ID, &ev.Metadata.ID, &ev.Metadata.IdempotenceID, &ev.Metadata.Created,
		&ev.Metadata.Type.Name, &ev.Metadata.Type.Version,
		&ev.Metadata.Publisher.System, &ev.Metadata.Publisher.Service,
		&ev.Message.Topic, &ev.Message.ClusterName, &ev.Message.Partition, &ev.Message.Offset,
		&ev.Message.Key, &ev.Message.Payload, &ev.Created)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) SaveCausingEvent(ctx context.Context, ev *models.CausingEvent) (*models.CausingEvent, error) {
	var saved *models.CausingEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO causing_events (`+causingEventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (metadata_id) DO NOTHING`,
			ev.ID, ev.Metadata.ID, ev.Metadata.IdempotenceID, ev.Metadata.Created,
			ev.Metadata.Type.Name, ev.Metadata.Type.Version,
			ev.Metadata.Publisher.System, ev.Metadata.Publisher.Service,
			ev.Message.Topic, ev.Message.ClusterName, ev.Message.Partition, ev.Message.Offset,
			ev.Message.Key, ev.Message.Payload, ev.Created)
		if err != nil {
			return fmt.Errorf("insert causing event: %w", err)
		}

		if tag.RowsAffected() == 1 {
			for _, h := range ev.Headers {
				if _, err := tx.Exec(ctx,
					`INSERT INTO causing_event_headers (causing_event_id, name, value) VALUES ($1, $2, $3)`,
					ev.ID, h.Name, h.Value); err != nil {
					return fmt.Errorf("insert causing event header: %w", err)
				}
			}
			saved = ev
			return nil
		}

		existing, err := scanCausingEvent(tx.QueryRow(ctx,
			`SELECT `+causingEventColumns+` FROM causing_events WHERE metadata_id = $1`, ev.Metadata.ID))
		if err != nil {
			return fmt.Errorf("get existing causing event: %w", err)
		}
		existing.Headers, err = causingEventHeaders(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		saved = existing
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save causing event: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetCausingEvent(ctx context.Context, id uuid.UUID) (*models.CausingEvent, error) {
	ev, err := scanCausingEvent(s.pool.QueryRow(ctx,
		`SELECT `+causingEventColumns+` FROM causing_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get causing event: %w", err)
	}
	ev.Headers, err = causingEventHeaders(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func causingEventHeaders(ctx context.Context, q querier, id uuid.UUID) ([]models.MessageHeader, error) {
	rows, err := q.Query(ctx,
		`SELECT name, value FROM causing_event_headers WHERE causing_event_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list causing event headers: %w", err)
	}
	headers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MessageHeader, error) {
		var h models.MessageHeader
		err := row.Scan(&h.Name, &h.Value)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan causing event header: %w", err)
	}
	return headers, nil
}

// --- Errors ---

const errorColumns = `id, state, error_code, temporality, error_message, error_description,
	stack_trace, stack_trace_hash, error_event_id, error_event_idempotence_id, error_event_created,
	error_event_type_name, error_event_type_version, error_event_publisher_system,
	error_event_publisher_service, causing_event_id, manual_task_id, closing_reason,
	error_group_id, created, modified, version`

func scanError(row scanner) (*models.Error, error) {
	var e models.Error
	d := &e.ErrorEventData
	m := &e.ErrorEventMetadata
	err := row.Scan(&e.ID, &e.State, &d.Code, &d.Temporality, &d.Message, &d.Description,
		&d.StackTrace, &d.StackTraceHash, &m.ID, &m.IdempotenceID, &m.Created,
		&m.Type.Name, &m.Type.Version, &m.Publisher.System,
		&m.Publisher.Service, &e.CausingEventID, &e.ManualTaskID, &e.ClosingReason,
		&e.ErrorGroupID, &e.Created, &e.Modified, &e.Version)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectErrors(rows pgx.Rows) ([]*models.Error, error) {
	defer rows.Close()
	var out []*models.Error
	for rows.Next() {
		e, err := scanError(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateError(ctx context.Context, e *models.Error) error {
	d := e.ErrorEventData
	m := e.ErrorEventMetadata
	_, err := s.pool.Exec(ctx,
		`INSERT INTO errors (`+errorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		e.ID, e.State, d.Code, d.Temporality, d.Message, d.Description,
		d.StackTrace, d.StackTraceHash, m.ID, m.IdempotenceID, m.Created,
		m.Type.Name, m.Type.Version, m.Publisher.System,
		m.Publisher.Service, e.CausingEventID, e.ManualTaskID, e.ClosingReason,
		e.ErrorGroupID, e.Created, e.Modified, e.Version)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create error: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetError(ctx context.Context, id uuid.UUID) (*models.Error, error) {
	e, err := scanError(s.pool.QueryRow(ctx, `SELECT `+errorColumns+` FROM errors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateError(ctx context.Context, e *models.Error) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE errors SET state = $2, manual_task_id = $3, closing_reason = $4, error_group_id = $5,
		   modified = $6, version = version + 1
		 WHERE id = $1 AND version = $7`,
		e.ID, e.State, e.ManualTaskID, e.ClosingReason, e.ErrorGroupID, e.Modified, e.Version)
	if err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM errors WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update error: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	e.Version++
	return nil
}

func (s *PostgresStore) ListErrors(ctx context.Context, filter ErrorFilter) ([]*models.Error, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	where := ""
	args := []any{}
	if filter.State != nil {
		where = " WHERE state = $1"
		args = append(args, *filter.State)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM errors`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count errors: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	query := fmt.Sprintf(`SELECT %s FROM errors%s ORDER BY created DESC, id LIMIT $%d OFFSET $%d`,
		errorColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list errors: %w", err)
	}
	out, err := collectErrors(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PostgresStore) ErrorsByState(ctx context.Context, state models.ErrorState, limit int) ([]*models.Error, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+errorColumns+` FROM errors WHERE state = $1 ORDER BY created, id LIMIT $2`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("errors by state: %w", err)
	}
	return collectErrors(rows)
}

func (s *PostgresStore) CountErrorsForCausingEvent(ctx context.Context, causingEventID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM errors WHERE causing_event_id = $1`, causingEventID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count errors for causing event: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ExistsErrorWithIdempotenceID(ctx context.Context, idempotenceID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM errors WHERE error_event_idempotence_id = $1)`, idempotenceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check error idempotence id: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CountErrorsByState(ctx context.Context) (map[models.ErrorState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM errors GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count errors by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ErrorState]int, len(models.AllErrorStates))
	for rows.Next() {
		var state models.ErrorState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan error count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// --- Scheduled Resends ---

const scheduledResendColumns = `id, error_id, resend_at, resent_at, cancelled`

func scanScheduledResend(row scanner) (*models.ScheduledResend, error) {
	var r models.ScheduledResend
	if err := row.Scan(&r.ID, &r.ErrorID, &r.ResendAt, &r.ResentAt, &r.Cancelled); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectScheduledResends(rows pgx.Rows) ([]*models.ScheduledResend, error) {
	defer rows.Close()
	var out []*models.ScheduledResend
	for rows.Next() {
		r, err := scanScheduledResend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled resend: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateScheduledResend(ctx context.Context, sr *models.ScheduledResend) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_resends (`+scheduledResendColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		sr.ID, sr.ErrorID, sr.ResendAt, sr.ResentAt, sr.Cancelled)
	if err != nil {
		return fmt.Errorf("create scheduled resend: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextScheduledResend(ctx context.Context, errorID uuid.UUID) (*models.ScheduledResend, error) {
	r, err := scanScheduledResend(s.pool.QueryRow(ctx,
		`SELECT `+scheduledResendColumns+` FROM scheduled_resends
		 WHERE error_id = $1 AND resent_at IS NULL AND NOT cancelled
		 ORDER BY resend_at, id LIMIT 1`, errorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next scheduled resend: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) DueScheduledResends(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledResend, error) {
	return s.DueScheduledResendsAfter(ctx, now, models.ResendCursor{}, limit)
}

func (s *PostgresStore) DueScheduledResendsAfter(ctx context.Context, now time.Time, after models.ResendCursor, limit int) ([]*models.ScheduledResend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduledResendColumns+` FROM scheduled_resends
		 WHERE resend_at <= $1 AND resent_at IS NULL AND NOT cancelled
		   AND (resend_at, id) > ($2::timestamptz, $3::uuid)
		 ORDER BY resend_at, id LIMIT $4`, now, after.ResendAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled resends: %w", err)
	}
	return collectScheduledResends(rows)
}

func (s *PostgresStore) ListScheduledResends(ctx context.Context, errorID uuid.UUID) ([]*models.ScheduledResend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduledResendColumns+` FROM scheduled_resends WHERE error_id = $1 ORDER BY resend_at, id`, errorID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled resends: %w", err)
	}
	return collectScheduledResends(rows)
}

func (s *PostgresStore) CancelScheduledResends(ctx context.Context, errorID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_resends SET cancelled = TRUE
		 WHERE error_id = $1 AND resent_at IS NULL AND NOT cancelled`, errorID)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled resends: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkResent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_resends SET resent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark resent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Error Groups ---

const errorGroupColumns = `id, error_code, event_name, error_publisher, error_message, stack_trace_hash,
	ticket_number, free_text, created, modified`

func scanErrorGroup(row scanner) (*models.ErrorGroup, error) {
	var g models.ErrorGroup
	if err := row.Scan(&g.ID, &g.ErrorCode, &g.EventName, &g.ErrorPublisher, &g.ErrorMessage,
		&g.StackTraceHash, &g.TicketNumber, &g.FreeText, &g.Created, &g.Modified); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) FindErrorGroup(ctx context.Context, key models.ErrorGroupKey) (*models.ErrorGroup, error) {
	g, err := scanErrorGroup(s.pool.QueryRow(ctx,
		`SELECT `+errorGroupColumns+` FROM error_groups
		 WHERE error_publisher = $1 AND error_code = $2 AND event_name = $3 AND stack_trace_hash = $4`,
		key.ErrorPublisher, key.ErrorCode, key.EventName, key.StackTraceHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find error group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) CreateErrorGroup(ctx context.Context, g *models.ErrorGroup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO error_groups (`+errorGroupColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.ErrorCode, g.EventName, g.ErrorPublisher, g.ErrorMessage, g.StackTraceHash,
		g.TicketNumber, g.FreeText, g.Created, g.Modified)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create error group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetErrorGroup(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	g, err := scanErrorGroup(s.pool.QueryRow(ctx,
		`SELECT `+errorGroupColumns+` FROM error_groups WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) SetTicketNumber(ctx context.Context, id uuid.UUID, ticketNumber string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_groups SET ticket_number = $2, modified = NOW()
		 WHERE id = $1 AND (ticket_number IS NULL OR ticket_number = '')`, id, ticketNumber)
	if err != nil {
		return fmt.Errorf("set ticket number: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetErrorGroup(ctx, id); err != nil {
			return err
		}
		return ErrAlreadySet
	}
	return nil
}

func (s *PostgresStore) UpdateErrorGroupFreeText(ctx context.Context, id uuid.UUID, freeText *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_groups SET free_text = $2, modified = NOW() WHERE id = $1`, id, freeText)
	if err != nil {
		return fmt.Errorf("update error group free text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountErrorGroupsWithoutTicket(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM error_groups WHERE ticket_number IS NULL OR ticket_number = ''`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count error groups without ticket: %w", err)
	}
	return n, nil
}

// --- Audit Logs ---

func (s *PostgresStore) CreateAuditLog(ctx context.Context, a *models.AuditLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, error_id, action, user_subject, user_auth_context, created)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.ErrorID, a.Action, a.User.Subject, a.User.AuthContext, a.Created)
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, errorID uuid.UUID) ([]*models.AuditLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, error_id, action, user_subject, user_auth_context, created
		 FROM audit_logs WHERE error_id = $1 ORDER BY created, id`, errorID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.ErrorID, &a.Action, &a.User.Subject, &a.User.AuthContext, &a.Created); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, &a)
	}
	return logs, rows.Err()
}

// --- Helpers ---

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
