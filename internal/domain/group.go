package domain

import (
	"context"

	"github.com/google/uuid"
)

// Group is a named fan-out resolver over multiple Repository members of the
// same format.
type Group struct {
	ID     uuid.UUID
	Name   string
	Format Format
}

// GroupMember is a (repository, priority) pair inside a Group. Smaller
// priority is tried first; ties break on repository name ascending.
type GroupMember struct {
	GroupID      uuid.UUID
	RepositoryID uuid.UUID
	Priority     int

	// Populated by MembersOf joins; not persisted on GroupMember itself.
	Repository *Repository
}

type GroupRepository interface {
	Create(ctx context.Context, group *Group) error
	GetByName(ctx context.Context, name string) (*Group, error)
	AddMember(ctx context.Context, groupID, repositoryID uuid.UUID, priority int) error
	// MembersOf returns members ordered by (priority asc, repository name
	// asc). When proxyOnly is true, only members whose repository kind is
	// "proxy" and whose upstream base URL is non-empty are returned.
	MembersOf(ctx context.Context, groupName string, proxyOnly bool) ([]*GroupMember, error)
}
