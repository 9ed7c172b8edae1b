package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const unlockTimeout = 5 * time.Second

// PostgresLocker takes a session-scoped advisory lock on a dedicated
// connection.
type PostgresLocker struct {
	db      *sql.DB
	lockKey int64
}

func NewPostgresLocker(db *sql.DB, lockKey int64) *PostgresLocker {
	return &PostgresLocker{db: db, lockKey: lockKey}
}

func (l *PostgresLocker) TryLock(ctx context.Context) (Session, bool, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockKey).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("advisory lock %d: %w", l.lockKey, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return &pgSession{conn: conn, lockKey: l.lockKey}, true, nil
}

type pgSession struct {
	conn    *sql.Conn
	lockKey int64
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close unlocks before returning the connection to the pool. If the unlock
// fails the session is usually gone and Postgres has released the lock.
func (s *pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	_, _ = s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", s.lockKey)
	return s.conn.Close()
}
