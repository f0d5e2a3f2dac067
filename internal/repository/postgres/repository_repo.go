package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pullcache/registry-proxy/internal/domain"
)

type RepositoryRepo struct {
	pool *pgxpool.Pool
}

func NewRepositoryRepo(pool *pgxpool.Pool) *RepositoryRepo {
	return &RepositoryRepo{pool: pool}
}

func (r *RepositoryRepo) Create(ctx context.Context, repo *domain.Repository) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO repositories (
			name, format, kind, upstream_base_url, upstream_username,
			upstream_password, default_ttl_seconds, enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at
	`,
		repo.Name, repo.Format, repo.Kind, repo.UpstreamBaseURL, repo.UpstreamUsername,
		repo.UpstreamPassword, int64(repo.DefaultTTL.Seconds()), repo.Enabled,
	).Scan(&repo.ID, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert repository: %w", err)
	}
	return nil
}

// Upsert creates the repository if its name is new, or updates its mutable
// fields in place — declarative repository configuration is reconciled at
// startup, not appended to.
func (r *RepositoryRepo) Upsert(ctx context.Context, repo *domain.Repository) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO repositories (
			name, format, kind, upstream_base_url, upstream_username,
			upstream_password, default_ttl_seconds, enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name) DO UPDATE SET
			format = EXCLUDED.format,
			kind = EXCLUDED.kind,
			upstream_base_url = EXCLUDED.upstream_base_url,
			upstream_username = EXCLUDED.upstream_username,
			upstream_password = EXCLUDED.upstream_password,
			default_ttl_seconds = EXCLUDED.default_ttl_seconds,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`,
		repo.Name, repo.Format, repo.Kind, repo.UpstreamBaseURL, repo.UpstreamUsername,
		repo.UpstreamPassword, int64(repo.DefaultTTL.Seconds()), repo.Enabled,
	).Scan(&repo.ID, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

func (r *RepositoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Repository, error) {
	return r.scanOne(ctx, `
		SELECT id, name, format, kind, upstream_base_url, upstream_username,
		       upstream_password, default_ttl_seconds, enabled, created_at, updated_at
		FROM repositories WHERE id = $1
	`, id)
}

func (r *RepositoryRepo) GetByName(ctx context.Context, name string) (*domain.Repository, error) {
	return r.scanOne(ctx, `
		SELECT id, name, format, kind, upstream_base_url, upstream_username,
		       upstream_password, default_ttl_seconds, enabled, created_at, updated_at
		FROM repositories WHERE name = $1
	`, name)
}

func (r *RepositoryRepo) scanOne(ctx context.Context, query string, arg interface{}) (*domain.Repository, error) {
	repo := &domain.Repository{}
	var ttlSeconds int64
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&repo.ID, &repo.Name, &repo.Format, &repo.Kind, &repo.UpstreamBaseURL,
		&repo.UpstreamUsername, &repo.UpstreamPassword, &ttlSeconds, &repo.Enabled,
		&repo.CreatedAt, &repo.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get repository: %w", err)
	}
	repo.DefaultTTL = time.Duration(ttlSeconds) * time.Second
	return repo, nil
}

func (r *RepositoryRepo) List(ctx context.Context) ([]*domain.Repository, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, format, kind, upstream_base_url, upstream_username,
		       upstream_password, default_ttl_seconds, enabled, created_at, updated_at
		FROM repositories ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*domain.Repository
	for rows.Next() {
		repo := &domain.Repository{}
		var ttlSeconds int64
		if err := rows.Scan(
			&repo.ID, &repo.Name, &repo.Format, &repo.Kind, &repo.UpstreamBaseURL,
			&repo.UpstreamUsername, &repo.UpstreamPassword, &ttlSeconds, &repo.Enabled,
			&repo.CreatedAt, &repo.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repo.DefaultTTL = time.Duration(ttlSeconds) * time.Second
		out = append(out, repo)
	}
	return out, nil
}
