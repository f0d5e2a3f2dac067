package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pullcache/registry-proxy/internal/domain"
)

type GroupRepo struct {
	pool *pgxpool.Pool
}

func NewGroupRepo(pool *pgxpool.Pool) *GroupRepo {
	return &GroupRepo{pool: pool}
}

func (r *GroupRepo) Create(ctx context.Context, g *domain.Group) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO groups (name, format) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET format = EXCLUDED.format
		RETURNING id
	`, g.Name, g.Format).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (r *GroupRepo) GetByName(ctx context.Context, name string) (*domain.Group, error) {
	g := &domain.Group{}
	err := r.pool.QueryRow(ctx, `SELECT id, name, format FROM groups WHERE name = $1`, name).
		Scan(&g.ID, &g.Name, &g.Format)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (r *GroupRepo) AddMember(ctx context.Context, groupID, repositoryID uuid.UUID, priority int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO group_members (group_id, repository_id, priority)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, repository_id) DO UPDATE SET priority = EXCLUDED.priority
	`, groupID, repositoryID, priority)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// MembersOf returns members ordered by (priority asc, repository name asc), a
// deterministic tie-break. When proxyOnly is set, only proxy repositories
// with a non-empty upstream qualify, for the cache engine's upstream-fetch
// pass.
func (r *GroupRepo) MembersOf(ctx context.Context, groupName string, proxyOnly bool) ([]*domain.GroupMember, error) {
	query := `
		SELECT r.id, r.name, r.format, r.kind, r.upstream_base_url, r.upstream_username,
		       r.upstream_password, r.default_ttl_seconds, r.enabled, r.created_at, r.updated_at,
		       gm.priority
		FROM group_members gm
		JOIN groups g ON g.id = gm.group_id
		JOIN repositories r ON r.id = gm.repository_id
		WHERE g.name = $1 AND r.enabled
	`
	if proxyOnly {
		query += ` AND r.kind = 'proxy' AND r.upstream_base_url != ''`
	}
	query += ` ORDER BY gm.priority ASC, r.name ASC`

	rows, err := r.pool.Query(ctx, query, groupName)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var out []*domain.GroupMember
	for rows.Next() {
		repo := &domain.Repository{}
		var ttlSeconds int64
		member := &domain.GroupMember{}
		if err := rows.Scan(
			&repo.ID, &repo.Name, &repo.Format, &repo.Kind, &repo.UpstreamBaseURL,
			&repo.UpstreamUsername, &repo.UpstreamPassword, &ttlSeconds, &repo.Enabled,
			&repo.CreatedAt, &repo.UpdatedAt, &member.Priority,
		); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		repo.DefaultTTL = secondsToDuration(ttlSeconds)
		member.RepositoryID = repo.ID
		member.Repository = repo
		out = append(out, member)
	}
	return out, nil
}
