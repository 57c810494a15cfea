package rbac

import (
	"context"
	"errors"
	"fmt"
)

// afterAssignmentChange computes the object roles whose cache rows an
// assignment mutation invalidates and recomputes them. The team graph is
// rebuilt first whenever the mutation can have changed it, since the
// recompute reads provides_teams.
func (s *Service) afterAssignmentChange(ctx context.Context, tx TxRepository, rd RoleDefinition, role *ObjectRole, actor Actor, roleCreated, roleDeleted bool) error {
	affected := map[int64]ObjectRole{}
	if role != nil && !roleDeleted {
		affected[role.ID] = *role
	}
	if actor.Kind == ActorTeam {
		// Roles conferring membership in this team fold the team's held
		// roles into their own cache rows.
		providing, err := tx.ListRolesProvidingTeam(ctx, actor.ID)
		if err != nil {
			return err
		}
		for _, r := range providing {
			affected[r.ID] = r
		}
	}
	if rd.HasCodename(CodenameMemberTeam) && (roleCreated || roleDeleted || actor.Kind == ActorTeam) {
		changed, err := s.rebuildTeamGraph(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.collectRolesByID(ctx, tx, changed, affected); err != nil {
			return err
		}
	}
	return s.recompute(ctx, tx, roleMapValues(affected))
}

// OnObjectCreated registers the object in the catalog and refreshes the
// roles bound to its ancestors so the cache picks the new child up
// immediately.
func (s *Service) OnObjectCreated(ctx context.Context, obj Object) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpsertObject(ctx, obj); err != nil {
			return fmt.Errorf("rbac: register object: %w", err)
		}
		affected := map[int64]ObjectRole{}
		if err := s.collectAncestorRoles(ctx, tx, obj, affected); err != nil {
			return err
		}
		if obj.ContentType == TypeTeam {
			changed, err := s.rebuildTeamGraph(ctx, tx)
			if err != nil {
				return err
			}
			if err := s.collectRolesByID(ctx, tx, changed, affected); err != nil {
				return err
			}
		}
		return s.recompute(ctx, tx, roleMapValues(affected))
	})
}

// OnObjectParentChanged re-parents the object and flushes the roles on
// both the old and the new parent chain: grants gained under the new
// parent and lost under the old must both land in the cache. A no-op
// when the parent did not actually change.
func (s *Service) OnObjectParentChanged(ctx context.Context, obj Object, oldParentID ObjectID) error {
	if obj.ParentID == oldParentID {
		return nil
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpsertObject(ctx, obj); err != nil {
			return fmt.Errorf("rbac: reparent object: %w", err)
		}
		affected := map[int64]ObjectRole{}
		if !oldParentID.IsZero() {
			oldParent, err := tx.GetObject(ctx, ObjectRef{ContentType: obj.ParentType, ID: oldParentID})
			if err == nil {
				if err := s.collectAncestorRoles(ctx, tx, oldParent, affected); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if !obj.ParentID.IsZero() {
			newParent, err := tx.GetObject(ctx, ObjectRef{ContentType: obj.ParentType, ID: obj.ParentID})
			if err == nil {
				if err := s.collectAncestorRoles(ctx, tx, newParent, affected); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if obj.ContentType == TypeTeam {
			changed, err := s.rebuildTeamGraph(ctx, tx)
			if err != nil {
				return err
			}
			if err := s.collectRolesByID(ctx, tx, changed, affected); err != nil {
				return err
			}
		}
		return s.recompute(ctx, tx, roleMapValues(affected))
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	return nil
}

// OnObjectDeleted cascades the object's own roles and cache rows away.
// For teams, the roles providing membership are stashed before deletion
// so the now-disjoined grants can be recomputed afterwards.
func (s *Service) OnObjectDeleted(ctx context.Context, ref ObjectRef) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		isTeam := ref.ContentType == TypeTeam
		var stashed []ObjectRole
		if isTeam {
			var err error
			stashed, err = tx.ListRolesProvidingTeam(ctx, ref.ID.Int())
			if err != nil {
				return err
			}
		}
		obj, err := tx.GetObject(ctx, ref)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		haveObj := err == nil

		ownRoles, err := tx.ListObjectRolesForObject(ctx, ref)
		if err != nil {
			return err
		}
		deleted := map[int64]struct{}{}
		for _, role := range ownRoles {
			if err := tx.DeleteObjectRole(ctx, role.ID); err != nil {
				return err
			}
			deleted[role.ID] = struct{}{}
		}
		if isTeam {
			if err := s.dropActorAssignments(ctx, tx, TeamActor(ref.ID.Int()), deleted); err != nil {
				return err
			}
		}
		if err := tx.DeleteEvaluationsForObject(ctx, ref); err != nil {
			return err
		}
		if err := tx.DeleteObject(ctx, ref); err != nil {
			return err
		}

		affected := map[int64]ObjectRole{}
		if haveObj && !obj.ParentID.IsZero() {
			parent, err := tx.GetObject(ctx, ObjectRef{ContentType: obj.ParentType, ID: obj.ParentID})
			if err == nil {
				if err := s.collectAncestorRoles(ctx, tx, parent, affected); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		for _, role := range stashed {
			if _, gone := deleted[role.ID]; !gone {
				affected[role.ID] = role
			}
		}
		if isTeam {
			changed, err := s.rebuildTeamGraph(ctx, tx)
			if err != nil {
				return err
			}
			if err := s.collectRolesByID(ctx, tx, changed, affected); err != nil {
				return err
			}
		}
		for id := range deleted {
			delete(affected, id)
		}
		return s.recompute(ctx, tx, roleMapValues(affected))
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	return nil
}

// OnUserDeleted removes the user's assignments and any object roles left
// without a single actor.
func (s *Service) OnUserDeleted(ctx context.Context, userID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.dropActorAssignments(ctx, tx, UserActor(userID), map[int64]struct{}{})
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	return nil
}

// dropActorAssignments deletes every assignment held by the actor and
// cleans up orphaned object roles, rebuilding the team graph when a
// membership-granting role disappears.
func (s *Service) dropActorAssignments(ctx context.Context, tx TxRepository, actor Actor, alreadyDeleted map[int64]struct{}) error {
	roleIDs, err := tx.DeleteAssignmentsForActor(ctx, actor)
	if err != nil {
		return err
	}
	rebuildNeeded := false
	affected := map[int64]ObjectRole{}
	for _, id := range roleIDs {
		if id == 0 {
			continue
		}
		if _, gone := alreadyDeleted[id]; gone {
			continue
		}
		role, err := tx.GetObjectRoleByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rd, err := tx.GetRoleDefinition(ctx, role.RoleDefinitionID)
		if err != nil {
			return err
		}
		remaining, err := tx.CountAssignments(ctx, role.ID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if err := tx.DeleteObjectRole(ctx, role.ID); err != nil {
				return err
			}
			alreadyDeleted[role.ID] = struct{}{}
			delete(affected, role.ID)
			if rd.HasCodename(CodenameMemberTeam) {
				rebuildNeeded = true
			}
			continue
		}
		if actor.Kind == ActorTeam || rd.HasCodename(CodenameMemberTeam) {
			affected[role.ID] = role
		}
	}
	if actor.Kind == ActorTeam {
		providing, err := tx.ListRolesProvidingTeam(ctx, actor.ID)
		if err != nil {
			return err
		}
		for _, r := range providing {
			if _, gone := alreadyDeleted[r.ID]; !gone {
				affected[r.ID] = r
			}
		}
		rebuildNeeded = true
	}
	if rebuildNeeded {
		changed, err := s.rebuildTeamGraph(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.collectRolesByID(ctx, tx, changed, affected); err != nil {
			return err
		}
		for id := range alreadyDeleted {
			delete(affected, id)
		}
	}
	return s.recompute(ctx, tx, roleMapValues(affected))
}

// collectAncestorRoles gathers the object roles bound to obj and every
// ancestor on its parent chain.
func (s *Service) collectAncestorRoles(ctx context.Context, tx TxRepository, obj Object, into map[int64]ObjectRole) error {
	seen := map[ObjectRef]struct{}{}
	current := obj
	for {
		ref := current.Ref()
		if _, dup := seen[ref]; dup {
			return nil
		}
		seen[ref] = struct{}{}
		roles, err := tx.ListObjectRolesForObject(ctx, ref)
		if err != nil {
			return err
		}
		for _, r := range roles {
			into[r.ID] = r
		}
		if current.ParentID.IsZero() {
			return nil
		}
		parent, err := tx.GetObject(ctx, ObjectRef{ContentType: current.ParentType, ID: current.ParentID})
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current = parent
	}
}

func (s *Service) collectRolesByID(ctx context.Context, tx TxRepository, ids []int64, into map[int64]ObjectRole) error {
	for _, id := range ids {
		if _, ok := into[id]; ok {
			continue
		}
		role, err := tx.GetObjectRoleByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		into[id] = role
	}
	return nil
}

func roleMapValues(m map[int64]ObjectRole) []ObjectRole {
	out := make([]ObjectRole, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}
