package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/trellisauth/trellis/internal/registry"
	"github.com/trellisauth/trellis/internal/shared"
)

// RoleDefinitionInput carries the fields for creating a role definition.
// Codenames are resolved against the registry.
type RoleDefinitionInput struct {
	Name        string
	Description string
	ContentType string // empty for global roles
	Codenames   []string
	Managed     bool
}

// CreateRoleDefinition validates and stores a new role definition.
func (s *Service) CreateRoleDefinition(ctx context.Context, input RoleDefinitionInput) (RoleDefinition, error) {
	if !input.Managed && !s.policy.AllowCustomRoles {
		return RoleDefinition{}, shared.Validationf("name", "creating custom roles is disabled")
	}
	rd, err := s.buildDefinition(input)
	if err != nil {
		return RoleDefinition{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertRoleDefinition(ctx, rd)
		if err != nil {
			if errors.Is(err, ErrDuplicateName) {
				return shared.Validationf("name", "role definition %q already exists", rd.Name)
			}
			return fmt.Errorf("rbac: insert role definition: %w", err)
		}
		rd.ID = id
		return nil
	})
	if err != nil {
		return RoleDefinition{}, err
	}
	s.recordAudit(ctx, shared.AuditLog{
		Action:   "role_definition.create",
		Entity:   "role_definition",
		EntityID: rd.Name,
		Meta:     map[string]any{"content_type": rd.ContentType, "codenames": input.Codenames},
	})
	return rd, nil
}

// GetOrCreateRoleDefinition returns an existing definition with exactly the
// requested permission set before creating a new one. Unbounded growth of
// semantically identical definitions degrades the evaluation cache.
func (s *Service) GetOrCreateRoleDefinition(ctx context.Context, input RoleDefinitionInput) (RoleDefinition, error) {
	rd, err := s.buildDefinition(input)
	if err != nil {
		return RoleDefinition{}, err
	}
	existing, ok, err := s.repo.FindRoleDefinitionByPermissions(ctx, rd.ContentType, rd.Permissions)
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("rbac: find role definition: %w", err)
	}
	if ok {
		return existing, nil
	}
	created, err := s.CreateRoleDefinition(ctx, input)
	if err != nil {
		// Lost a race against an equivalent create; fall back to the winner.
		if shared.IsValidation(err) {
			if again, ok2, err2 := s.repo.FindRoleDefinitionByPermissions(ctx, rd.ContentType, rd.Permissions); err2 == nil && ok2 {
				return again, nil
			}
		}
		return RoleDefinition{}, err
	}
	return created, nil
}

// GetRoleDefinition fetches a definition by id.
func (s *Service) GetRoleDefinition(ctx context.Context, id int64) (RoleDefinition, error) {
	return s.repo.GetRoleDefinition(ctx, id)
}

// GetRoleDefinitionByName fetches a definition by name.
func (s *Service) GetRoleDefinitionByName(ctx context.Context, name string) (RoleDefinition, error) {
	return s.repo.GetRoleDefinitionByName(ctx, name)
}

// ListRoleDefinitions returns all definitions.
func (s *Service) ListRoleDefinitions(ctx context.Context) ([]RoleDefinition, error) {
	return s.repo.ListRoleDefinitions(ctx)
}

// AddPermission grants an additional codename to an existing custom
// definition and recomputes the cache of every object role built on it.
func (s *Service) AddPermission(ctx context.Context, roleDefinitionID int64, codename string) error {
	return s.editPermissions(ctx, roleDefinitionID, codename, true)
}

// RemovePermission strips a codename from an existing custom definition
// and recomputes the cache of every object role built on it.
func (s *Service) RemovePermission(ctx context.Context, roleDefinitionID int64, codename string) error {
	return s.editPermissions(ctx, roleDefinitionID, codename, false)
}

func (s *Service) editPermissions(ctx context.Context, roleDefinitionID int64, codename string, adding bool) error {
	perm, err := s.resolveCodename(codename)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rd, err := tx.GetRoleDefinition(ctx, roleDefinitionID)
		if err != nil {
			return err
		}
		if rd.Managed {
			return shared.Validationf("role_definition", "managed role %q cannot be edited", rd.Name)
		}
		perms := make([]Permission, 0, len(rd.Permissions)+1)
		found := false
		for _, p := range rd.Permissions {
			if p == perm {
				found = true
				if !adding {
					continue
				}
			}
			perms = append(perms, p)
		}
		switch {
		case adding && found:
			return nil
		case adding:
			perms = append(perms, perm)
		case !found:
			return nil
		}
		next := rd
		next.Permissions = perms
		if err := s.validateDefinition(next); err != nil {
			return err
		}
		if err := tx.UpdateRoleDefinitionPermissions(ctx, rd.ID, perms); err != nil {
			return fmt.Errorf("rbac: update permissions: %w", err)
		}
		return s.afterDefinitionChanged(ctx, tx, next, perm)
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		Action:   "role_definition.edit_permissions",
		Entity:   "role_definition",
		EntityID: intString(roleDefinitionID),
		Meta:     map[string]any{"codename": codename, "added": adding},
	})
	return nil
}

// DeleteRoleDefinition removes an unmanaged definition together with its
// object roles, assignments and cache rows.
func (s *Service) DeleteRoleDefinition(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rd, err := tx.GetRoleDefinition(ctx, id)
		if err != nil {
			return err
		}
		if rd.Managed {
			return shared.Validationf("role_definition", "managed role %q cannot be deleted", rd.Name)
		}
		roles, err := tx.ListObjectRolesForRoleDefinition(ctx, id)
		if err != nil {
			return err
		}
		for _, role := range roles {
			if err := tx.DeleteObjectRole(ctx, role.ID); err != nil {
				return err
			}
		}
		if err := tx.DeleteRoleDefinition(ctx, id); err != nil {
			return err
		}
		if rd.HasCodename(CodenameMemberTeam) {
			if _, err := s.rebuildTeamGraph(ctx, tx); err != nil {
				return err
			}
			return s.recomputeMemberGrantingRoles(ctx, tx, nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bumpGeneration(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		Action:   "role_definition.delete",
		Entity:   "role_definition",
		EntityID: intString(id),
	})
	return nil
}

func (s *Service) buildDefinition(input RoleDefinitionInput) (RoleDefinition, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return RoleDefinition{}, shared.Validationf("name", "role definition name required")
	}
	if len(input.Codenames) == 0 {
		return RoleDefinition{}, shared.Validationf("permissions", "at least one permission required")
	}
	perms := make([]Permission, 0, len(input.Codenames))
	seen := map[string]struct{}{}
	for _, codename := range input.Codenames {
		if _, dup := seen[codename]; dup {
			continue
		}
		seen[codename] = struct{}{}
		perm, err := s.resolveCodename(codename)
		if err != nil {
			return RoleDefinition{}, err
		}
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Codename < perms[j].Codename })
	rd := RoleDefinition{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		ContentType: input.ContentType,
		Managed:     input.Managed,
		Permissions: perms,
	}
	if err := s.validateDefinition(rd); err != nil {
		return RoleDefinition{}, err
	}
	return rd, nil
}

// validateDefinition enforces the permission-for-type rules: permissions
// must target the definition's type or a declared child, add permissions
// never target the type itself, and team membership is never grantable
// system-wide.
func (s *Service) validateDefinition(rd RoleDefinition) error {
	if rd.Global() {
		for _, p := range rd.Permissions {
			if p.Codename == CodenameMemberTeam {
				return shared.Validationf("permissions", "%s is not allowed in a global role", CodenameMemberTeam)
			}
		}
		return s.validatePairRules(rd)
	}
	if _, ok := s.reg.Get(rd.ContentType); !ok {
		return shared.Validationf("content_type", "unknown type %q", rd.ContentType)
	}
	allowed := map[string]struct{}{rd.ContentType: {}}
	for _, child := range s.reg.Children(rd.ContentType) {
		allowed[child.Type] = struct{}{}
	}
	for _, p := range rd.Permissions {
		if _, ok := allowed[p.ContentType]; !ok {
			return shared.Validationf("permissions", "%s is not valid for roles on %s", p.Codename, rd.ContentType)
		}
		if registry.ActionOf(p.Codename) == ActionAdd && p.ContentType == rd.ContentType {
			return shared.Validationf("permissions", "%s cannot be granted at the %s level itself", p.Codename, rd.ContentType)
		}
	}
	return s.validatePairRules(rd)
}

func (s *Service) validatePairRules(rd RoleDefinition) error {
	if !s.policy.RequireView && !s.policy.RequireChangeForDelete {
		return nil
	}
	byType := map[string]map[string]struct{}{}
	for _, p := range rd.Permissions {
		actions := byType[p.ContentType]
		if actions == nil {
			actions = map[string]struct{}{}
			byType[p.ContentType] = actions
		}
		actions[registry.ActionOf(p.Codename)] = struct{}{}
	}
	for typ, actions := range byType {
		if s.policy.RequireView {
			mutating := false
			for action := range actions {
				if action != ActionView && action != ActionMember {
					mutating = true
					break
				}
			}
			if _, hasView := actions[ActionView]; mutating && !hasView {
				return shared.Validationf("permissions", "roles granting write access to %s must include %s", typ, registry.Codename(ActionView, typ))
			}
		}
		if s.policy.RequireChangeForDelete {
			_, hasDelete := actions[ActionDelete]
			_, hasChange := actions[ActionChange]
			if hasDelete && !hasChange {
				return shared.Validationf("permissions", "%s requires %s", registry.Codename(ActionDelete, typ), registry.Codename(ActionChange, typ))
			}
		}
	}
	return nil
}

// resolveCodename maps a codename to its owning registered type.
func (s *Service) resolveCodename(codename string) (Permission, error) {
	for _, t := range s.reg.Types() {
		for _, action := range t.Actions {
			if registry.Codename(action, t.Name) == codename {
				return Permission{Codename: codename, ContentType: t.Name}, nil
			}
		}
	}
	return Permission{}, shared.Validationf("permissions", "unknown permission %q", codename)
}

// afterDefinitionChanged recomputes every object role of the definition;
// a member_team toggle rebuilds the team graph first since provides_teams
// feeds the recompute.
func (s *Service) afterDefinitionChanged(ctx context.Context, tx TxRepository, rd RoleDefinition, changed Permission) error {
	if changed.Codename == CodenameMemberTeam {
		if _, err := s.rebuildTeamGraph(ctx, tx); err != nil {
			return err
		}
		if err := s.recomputeMemberGrantingRoles(ctx, tx, nil); err != nil {
			return err
		}
	}
	roles, err := tx.ListObjectRolesForRoleDefinition(ctx, rd.ID)
	if err != nil {
		return err
	}
	return s.recompute(ctx, tx, roles)
}

// recomputeMemberGrantingRoles recomputes every role that confers a team
// membership, plus any extra roles handed in.
func (s *Service) recomputeMemberGrantingRoles(ctx context.Context, tx TxRepository, extra []ObjectRole) error {
	edges, err := tx.ListTeamEdges(ctx)
	if err != nil {
		return err
	}
	seen := map[int64]struct{}{}
	roles := append([]ObjectRole(nil), extra...)
	for _, r := range extra {
		seen[r.ID] = struct{}{}
	}
	for _, e := range edges {
		if _, ok := seen[e.ObjectRoleID]; ok {
			continue
		}
		seen[e.ObjectRoleID] = struct{}{}
		role, err := tx.GetObjectRoleByID(ctx, e.ObjectRoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		roles = append(roles, role)
	}
	return s.recompute(ctx, tx, roles)
}
