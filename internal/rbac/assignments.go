package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/trellisauth/trellis/internal/shared"
)

// Give grants roleDefinitionID to actor on the given object, creating the
// backing ObjectRole on demand. Giving an assignment that already exists
// returns the existing row. The evaluation cache is consistent when Give
// returns.
func (s *Service) Give(ctx context.Context, actor Actor, roleDefinitionID int64, obj ObjectRef) (Assignment, error) {
	var out Assignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rd, err := tx.GetRoleDefinition(ctx, roleDefinitionID)
		if err != nil {
			return err
		}
		if rd.Global() {
			return shared.Validationf("role_definition", "role %q is global; use GiveGlobal", rd.Name)
		}
		if err := s.validateGive(ctx, tx, actor, rd, obj); err != nil {
			return err
		}
		role, created, err := s.findOrCreateObjectRole(ctx, tx, rd.ID, obj)
		if err != nil {
			return err
		}
		existing, err := tx.GetAssignment(ctx, actor, rd.ID, role.ID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		a := Assignment{
			Actor:            actor,
			RoleDefinitionID: rd.ID,
			ObjectRoleID:     role.ID,
			ContentType:      obj.ContentType,
			ObjectID:         obj.ID,
		}
		id, err := tx.InsertAssignment(ctx, a)
		if err != nil {
			return fmt.Errorf("rbac: insert assignment: %w", err)
		}
		a.ID = id
		out = a
		return s.afterAssignmentChange(ctx, tx, rd, &role, actor, created, false)
	})
	if err != nil {
		return Assignment{}, err
	}
	s.bumpGeneration(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   "assignment.give",
		Entity:   "assignment",
		EntityID: obj.ContentType + ":" + obj.ID.String(),
		Meta:     map[string]any{"actor_kind": string(actor.Kind), "role_definition_id": roleDefinitionID},
	})
	return out, nil
}

// Revoke removes actor's assignment of roleDefinitionID on the object.
// Revoking an absent assignment is a no-op. When the last assignment on an
// ObjectRole goes away the role is deleted and its cache rows cascade.
func (s *Service) Revoke(ctx context.Context, actor Actor, roleDefinitionID int64, obj ObjectRef) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rd, err := tx.GetRoleDefinition(ctx, roleDefinitionID)
		if err != nil {
			return err
		}
		role, err := tx.GetObjectRole(ctx, rd.ID, obj)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		a, err := tx.GetAssignment(ctx, actor, rd.ID, role.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteAssignment(ctx, a.ID); err != nil {
			return err
		}
		remaining, err := tx.CountAssignments(ctx, role.ID)
		if err != nil {
			return err
		}
		roleDeleted := remaining == 0
		if roleDeleted {
			if err := tx.DeleteObjectRole(ctx, role.ID); err != nil {
				return err
			}
		}
		return s.afterAssignmentChange(ctx, tx, rd, &role, actor, false, roleDeleted)
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   "assignment.revoke",
		Entity:   "assignment",
		EntityID: obj.ContentType + ":" + obj.ID.String(),
		Meta:     map[string]any{"actor_kind": string(actor.Kind), "role_definition_id": roleDefinitionID},
	})
	return nil
}

// GiveGlobal grants a global role definition directly to an actor. Global
// grants bypass the object cache; the read path resolves them live.
func (s *Service) GiveGlobal(ctx context.Context, actor Actor, roleDefinitionID int64) (Assignment, error) {
	var out Assignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rd, err := tx.GetRoleDefinition(ctx, roleDefinitionID)
		if err != nil {
			return err
		}
		if !rd.Global() {
			return shared.Validationf("role_definition", "role %q is object-scoped; use Give", rd.Name)
		}
		if actor.Kind == ActorTeam && !s.policy.AllowTeamGlobalRoles {
			return shared.Validationf("actor", "assigning global roles to teams is disabled")
		}
		existing, err := tx.GetAssignment(ctx, actor, rd.ID, 0)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		a := Assignment{Actor: actor, RoleDefinitionID: rd.ID}
		id, err := tx.InsertAssignment(ctx, a)
		if err != nil {
			return fmt.Errorf("rbac: insert global assignment: %w", err)
		}
		a.ID = id
		out = a
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	s.bumpGeneration(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   "assignment.give_global",
		Entity:   "assignment",
		EntityID: intString(roleDefinitionID),
		Meta:     map[string]any{"actor_kind": string(actor.Kind)},
	})
	return out, nil
}

// RevokeGlobal removes a direct global assignment; absent is a no-op.
func (s *Service) RevokeGlobal(ctx context.Context, actor Actor, roleDefinitionID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetAssignment(ctx, actor, roleDefinitionID, 0)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.DeleteAssignment(ctx, a.ID)
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   "assignment.revoke_global",
		Entity:   "assignment",
		EntityID: intString(roleDefinitionID),
		Meta:     map[string]any{"actor_kind": string(actor.Kind)},
	})
	return nil
}

// ListAssignments returns every assignment held by the actor.
func (s *Service) ListAssignments(ctx context.Context, actor Actor) ([]Assignment, error) {
	return s.repo.ListAssignmentsForActor(ctx, actor)
}

// ListRoleActors returns the actors holding the role definition on the
// object. A missing object role means nobody holds it.
func (s *Service) ListRoleActors(ctx context.Context, roleDefinitionID int64, obj ObjectRef) ([]Actor, error) {
	role, err := s.repo.GetObjectRole(ctx, roleDefinitionID, obj)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	assignments, err := s.repo.ListAssignmentsForObjectRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	actors := make([]Actor, 0, len(assignments))
	for _, a := range assignments {
		actors = append(actors, a.Actor)
	}
	return actors, nil
}

func (s *Service) validateGive(ctx context.Context, tx TxRepository, actor Actor, rd RoleDefinition, obj ObjectRef) error {
	if actor.Kind != ActorUser && actor.Kind != ActorTeam {
		return shared.Validationf("actor", "unknown actor kind %q", actor.Kind)
	}
	if obj.ID.IsZero() {
		return shared.Validationf("object", "object reference required")
	}
	if obj.ContentType != rd.ContentType {
		return shared.Validationf("object", "role %q targets %s, got %s", rd.Name, rd.ContentType, obj.ContentType)
	}
	if _, err := tx.GetObject(ctx, obj); err != nil {
		if errors.Is(err, ErrNotFound) {
			return shared.Validationf("object", "%s %s does not exist", obj.ContentType, obj.ID)
		}
		return err
	}
	if actor.Kind == ActorTeam {
		if obj.ContentType == TypeTeam && !s.policy.AllowTeamToTeam {
			return shared.Validationf("actor", "team-to-team assignments are disabled")
		}
		if obj.ContentType == s.reg.Parent(TypeTeam) && !s.policy.AllowTeamToParent {
			return shared.Validationf("actor", "team assignments on %s objects are disabled", obj.ContentType)
		}
	}
	if rd.HasCodename(CodenameMemberTeam) && obj.ContentType == TypeOrganization && !s.policy.AllowTeamOrgMembership {
		return shared.Validationf("role_definition", "organization-wide team membership is disabled")
	}
	return nil
}

// findOrCreateObjectRole uses create-then-catch-conflict-then-reread so
// two concurrent callers racing on the same tuple converge on one row.
func (s *Service) findOrCreateObjectRole(ctx context.Context, tx TxRepository, roleDefinitionID int64, obj ObjectRef) (ObjectRole, bool, error) {
	role := ObjectRole{RoleDefinitionID: roleDefinitionID, ContentType: obj.ContentType, ObjectID: obj.ID}
	id, err := tx.InsertObjectRole(ctx, role)
	if err == nil {
		role.ID = id
		return role, true, nil
	}
	if !errors.Is(err, ErrObjectRoleExists) {
		return ObjectRole{}, false, fmt.Errorf("rbac: insert object role: %w", err)
	}
	existing, err := tx.GetObjectRole(ctx, roleDefinitionID, obj)
	if err != nil {
		return ObjectRole{}, false, fmt.Errorf("rbac: reread object role after conflict: %w", err)
	}
	return existing, false, nil
}
