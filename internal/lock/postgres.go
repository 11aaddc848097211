package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker implements Locker on the distributed_locks table. A row is
// free once lock_until has passed.
type PostgresLocker struct {
	pool  *pgxpool.Pool
	owner string
	now   func() time.Time
}

var _ Locker = (*PostgresLocker)(nil)

// NewPostgresLocker creates a new PostgresLocker.
func NewPostgresLocker(pool *pgxpool.Pool, owner string) *PostgresLocker {
	return &PostgresLocker{pool: pool, owner: owner, now: time.Now}
}

func (p *PostgresLocker) TryAcquire(ctx context.Context, name string, atLeast, atMost time.Duration) (*Lock, bool, error) {
	now := p.now().UTC()
	token := p.owner + ":" + uuid.NewString()

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO distributed_locks (name, lock_until, locked_at, locked_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET lock_until = EXCLUDED.lock_until, locked_at = EXCLUDED.locked_at, locked_by = EXCLUDED.locked_by
		WHERE distributed_locks.lock_until <= EXCLUDED.locked_at`,
		name, now.Add(atMost), now, token)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}

	release := func(ctx context.Context, until time.Time) error {
		if until.IsZero() {
			until = p.now().UTC()
		}
		_, err := p.pool.Exec(ctx,
			`UPDATE distributed_locks SET lock_until = $3 WHERE name = $1 AND locked_by = $2`,
			name, token, until)
		return err
	}
	return newLock(name, now, atLeast, atMost, p.now, release), true, nil
}
