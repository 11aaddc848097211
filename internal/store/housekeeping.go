package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// Each page runs in its own transaction on the pool, so it is committed before
// the caller asks for the next one regardless of any caller transaction.

func (s *PostgresStore) DeleteExpiredErrors(ctx context.Context, states []models.ErrorState, olderThan time.Time, pageSize int) (int, bool, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	var deleted int
	var more bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ids, hasNext, err := pageIDs(ctx, tx, pageSize,
			`SELECT id FROM errors WHERE created < $1 AND state = ANY($2) ORDER BY created, id LIMIT $3`,
			olderThan, names)
		if err != nil {
			return err
		}
		more = hasNext
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `DELETE FROM scheduled_resends WHERE error_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("delete scheduled resends: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM audit_logs WHERE error_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("delete audit logs: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM errors WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("delete errors: %w", err)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("delete expired errors: %w", err)
	}
	return deleted, more, nil
}

func (s *PostgresStore) DeleteUnreferencedCausingEvents(ctx context.Context, olderThan time.Time, pageSize int) (int, bool, error) {
	var deleted int
	var more bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ids, hasNext, err := pageIDs(ctx, tx, pageSize,
			`SELECT ce.id FROM causing_events ce
			 WHERE ce.created < $1
			   AND NOT EXISTS (SELECT 1 FROM errors e WHERE e.causing_event_id = ce.id)
			 ORDER BY ce.created, ce.id LIMIT $2`, olderThan)
		if err != nil {
			return err
		}
		more = hasNext
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `DELETE FROM causing_event_headers WHERE causing_event_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("delete causing event headers: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM causing_events WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("delete causing events: %w", err)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("delete unreferenced causing events: %w", err)
	}
	return deleted, more, nil
}

func (s *PostgresStore) DeleteUnreferencedErrorGroups(ctx context.Context, olderThan time.Time, pageSize int) (int, bool, error) {
	var deleted int
	var more bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ids, hasNext, err := pageIDs(ctx, tx, pageSize,
			`SELECT g.id FROM error_groups g
			 WHERE g.created < $1
			   AND NOT EXISTS (SELECT 1 FROM errors e WHERE e.error_group_id = g.id)
			 ORDER BY g.created, g.id LIMIT $2`, olderThan)
		if err != nil {
			return err
		}
		more = hasNext
		if len(ids) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, `DELETE FROM error_groups WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("delete error groups: %w", err)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("delete unreferenced error groups: %w", err)
	}
	return deleted, more, nil
}

// pageIDs runs query with pageSize+1 as its last argument and splits the
// result into the page and a flag telling whether another page follows.
func pageIDs(ctx context.Context, tx pgx.Tx, pageSize int, query string, args ...any) ([]uuid.UUID, bool, error) {
	args = append(args, pageSize+1)
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("select page: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, false, fmt.Errorf("scan page: %w", err)
	}
	if len(ids) > pageSize {
		return ids[:pageSize], true, nil
	}
	return ids, false, nil
}
