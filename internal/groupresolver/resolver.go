// Package groupresolver resolves a repository group to its ordered member
// list: a pure function over the group repository, with no state of
// its own.
package groupresolver

import (
	"context"
	"fmt"

	"github.com/pullcache/registry-proxy/internal/domain"
)

type Resolver struct {
	groups domain.GroupRepository
}

func New(groups domain.GroupRepository) *Resolver {
	return &Resolver{groups: groups}
}

// LookupOrder returns every enabled member of groupName ordered by
// (priority ASC, repository name ASC), for the cache engine's local-lookup
// pass.
func (r *Resolver) LookupOrder(ctx context.Context, groupName string) ([]*domain.GroupMember, error) {
	members, err := r.groups.MembersOf(ctx, groupName, false)
	if err != nil {
		return nil, fmt.Errorf("resolve group lookup order: %w", err)
	}
	return members, nil
}

// UpstreamOrder returns the subset of LookupOrder's members that are proxy
// repositories with a configured upstream, in the same deterministic order,
// for the cache engine's upstream-fetch pass.
func (r *Resolver) UpstreamOrder(ctx context.Context, groupName string) ([]*domain.GroupMember, error) {
	members, err := r.groups.MembersOf(ctx, groupName, true)
	if err != nil {
		return nil, fmt.Errorf("resolve group upstream order: %w", err)
	}
	return members, nil
}
