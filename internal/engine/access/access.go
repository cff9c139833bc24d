// Package access holds the visibility and mutation policy for cases.
// Policy is pure: the JWT carries everything the checks need.
package access

import (
	"slipsync/internal/domain"
	"slipsync/internal/fault"
)

// CanSee reports whether the actor may read the case at all. Drafts
// belong to their creator until approved; tombstones are reserved for
// privileged roles asking for them.
func CanSee(c domain.Case, actor domain.Actor, includeDeleted bool) bool {
	if c.TeamID != actor.TeamID {
		return false
	}
	if c.Deleted() && !(includeDeleted && actor.Role.Privileged()) {
		return false
	}
	if c.Status.IsDraft() && !actor.Role.Privileged() && c.CreatedBy != actor.Sub {
		return false
	}
	return true
}

// IsCreator reports whether the actor owns the case for creator-gated
// transitions. Privileged roles act as the creator everywhere.
func IsCreator(c domain.Case, actor domain.Actor) bool {
	return c.CreatedBy == actor.Sub || actor.Role.Privileged()
}

// EnsureCanDelete gates soft deletion: the creator or a privileged
// role.
func EnsureCanDelete(c domain.Case, actor domain.Actor) error {
	if IsCreator(c, actor) {
		return nil
	}
	return fault.ForbiddenError{Reason: "only the creator or a team owner may delete a case"}
}
