package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgLock pins the pool connection that owns a session-level advisory lock.
type pgLock struct {
	conn   *pgxpool.Conn
	key    string
	logger *zap.Logger
}

// TryLock takes pg_try_advisory_lock on a dedicated connection. The lock
// lives as long as that connection is held, so Release must always run.
func (s *Postgres) TryLock(ctx context.Context, key string) (Lock, bool, error) {
	conn, err := s.Db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for lock %s: %w", key, err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &pgLock{conn: conn, key: key, logger: s.logger}, true, nil
}

func (l *pgLock) Release(ctx context.Context) error {
	defer l.conn.Release()

	// Unlock even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.key).Scan(&unlocked); err != nil {
		// Closing the session drops every lock it holds.
		_ = l.conn.Conn().Close(ctx)
		return fmt.Errorf("advisory unlock %s: %w", l.key, err)
	}
	if !unlocked {
		l.logger.Warn("advisory lock was not held at release", zap.String("key", l.key))
	}
	return nil
}
