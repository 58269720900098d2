// Package routing resolves escalation targets to concrete users. The
// engines depend on the Resolver interface only; richer on-call rotation
// logic plugs in behind it.
package routing

import (
	"context"

	"kestrel-alert/core/store"
)

type Resolver interface {
	// ResolveEscalationTarget returns the user to page for a level, or 0
	// when no target can be resolved.
	ResolveEscalationTarget(ctx context.Context, level store.EscalationLevel, teamID int64) (int64, error)
}

// StoreResolver resolves user targets directly and team targets to the
// first team member by roster position.
type StoreResolver struct {
	users store.UsersStore
}

func NewStoreResolver(users store.UsersStore) *StoreResolver {
	return &StoreResolver{users: users}
}

func (r *StoreResolver) ResolveEscalationTarget(ctx context.Context, level store.EscalationLevel, teamID int64) (int64, error) {
	switch level.TargetType {
	case store.TargetUser:
		return level.TargetID, nil
	case store.TargetTeam:
		lookupTeam := level.TargetID
		if lookupTeam == 0 {
			lookupTeam = teamID
		}
		members, err := r.users.ListTeamMembers(ctx, lookupTeam)
		if err != nil {
			return 0, err
		}
		if len(members) == 0 {
			return 0, nil
		}
		return members[0], nil
	default:
		return 0, nil
	}
}
