package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pullcache/registry-proxy/internal/domain"
)

type DownloadEventRepo struct {
	pool *pgxpool.Pool
}

func NewDownloadEventRepo(pool *pgxpool.Pool) *DownloadEventRepo {
	return &DownloadEventRepo{pool: pool}
}

// Record is fire-and-forget from the caller's perspective — it is always
// invoked from the background worker pool, never awaited on the serving
// path.
func (r *DownloadEventRepo) Record(ctx context.Context, e *domain.DownloadEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO download_events (repository_id, name, version, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5)
	`, e.RepositoryID, e.Name, e.Version, e.ClientIP, e.UserAgent)
	if err != nil {
		return fmt.Errorf("record download event: %w", err)
	}
	return nil
}
