package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend of the current database every
// interval with probability 1/odds, until ctx ends or stop closes. It returns
// how many backends it terminated.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, odds int, stop <-chan struct{}) int64 {
	var killed int64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if odds > 1 && rand.Intn(odds) != 0 {
				continue
			}
			var n int64
			err := pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM (
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
					ORDER BY random() LIMIT 1) t`).Scan(&n)
			if err == nil {
				killed += n
			}
		}
	}
}
