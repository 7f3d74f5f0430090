package outbox

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/orderpipe/libs/db"
)

// DefaultAdvisoryLockKey is shared by every order-service instance.
const DefaultAdvisoryLockKey int64 = 7_340_001

// AdvisoryLock is a CycleLock on a Postgres session advisory lock. The lock is
// held on one pooled connection for the whole cycle.
type AdvisoryLock struct {
	pool *db.Pool
	key  int64
}

func NewAdvisoryLock(pool *db.Pool, key int64) *AdvisoryLock {
	if key == 0 {
		key = DefaultAdvisoryLockKey
	}
	return &AdvisoryLock{pool: pool, key: key}
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key)
		conn.Release()
	}, true, nil
}
