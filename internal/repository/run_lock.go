// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// runLockNamespace keeps run-name locks apart from the schema bootstrap lock.
const runLockNamespace = "automl_run:"

// RunLocker takes a session-level advisory lock per run name. The lock is
// held on a dedicated pool connection until unlock is called.
type RunLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunLocker(pool *pgxpool.Pool, logger *slog.Logger) *RunLocker {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunLocker{
		pool:   pool,
		logger: logger,
	}
}

func (l *RunLocker) Lock(ctx context.Context, name string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db connection for run lock: %w", err)
	}

	key := runLockNamespace + name
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire run lock %q: %w", name, err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			l.logger.Error("run lock unlock failed", "run_name", name, "error", err)
			// The session may still hold the lock; drop the connection.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}
