package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trellisauth/trellis/internal/rbac"
	"github.com/trellisauth/trellis/internal/registry"
)

// Engine is the slice of the assignment service the reconciler drives.
type Engine interface {
	GetRoleDefinitionByName(ctx context.Context, name string) (rbac.RoleDefinition, error)
	ListAssignments(ctx context.Context, actor rbac.Actor) ([]rbac.Assignment, error)
	ListRoleActors(ctx context.Context, roleDefinitionID int64, obj rbac.ObjectRef) ([]rbac.Actor, error)
	Give(ctx context.Context, actor rbac.Actor, roleDefinitionID int64, obj rbac.ObjectRef) (rbac.Assignment, error)
	Revoke(ctx context.Context, actor rbac.Actor, roleDefinitionID int64, obj rbac.ObjectRef) error
	GiveGlobal(ctx context.Context, actor rbac.Actor, roleDefinitionID int64) (rbac.Assignment, error)
	RevokeGlobal(ctx context.Context, actor rbac.Actor, roleDefinitionID int64) error
}

// TriggerReconciler reconciles claims through a static rule list.
type TriggerReconciler struct {
	engine Engine
	rules  []Rule
	logger *slog.Logger
}

// NewTriggerReconciler builds TriggerReconciler.
func NewTriggerReconciler(engine Engine, rules []Rule, logger *slog.Logger) *TriggerReconciler {
	return &TriggerReconciler{engine: engine, rules: rules, logger: logger}
}

type heldKey struct {
	roleDefinitionID int64
	ref              rbac.ObjectRef
}

// Reconcile gives every rule-matched role the user does not hold yet and
// revokes rule-covered roles whose trigger no longer matches. Roles not
// named by any rule are left alone. Misconfigured rules (empty trigger,
// unknown role name) are logged and skipped, never fatal.
func (r *TriggerReconciler) Reconcile(ctx context.Context, c Claims) error {
	groups := make(map[string]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		groups[g] = struct{}{}
	}
	actor := rbac.UserActor(c.UserID)

	assignments, err := r.engine.ListAssignments(ctx, actor)
	if err != nil {
		return fmt.Errorf("claims: list assignments: %w", err)
	}
	held := make(map[heldKey]struct{}, len(assignments))
	for _, a := range assignments {
		key := heldKey{roleDefinitionID: a.RoleDefinitionID}
		if !a.Global() {
			key.ref = rbac.ObjectRef{ContentType: a.ContentType, ID: a.ObjectID}
		}
		held[key] = struct{}{}
	}

	for _, rule := range r.rules {
		if rule.Trigger.Empty() {
			r.logger.Warn("claims rule has no trigger keys, skipping", slog.String("role", rule.Role))
			continue
		}
		rd, err := r.engine.GetRoleDefinitionByName(ctx, rule.Role)
		if errors.Is(err, rbac.ErrNotFound) {
			r.logger.Warn("claims rule names unknown role, skipping", slog.String("role", rule.Role))
			continue
		}
		if err != nil {
			return fmt.Errorf("claims: resolve role %q: %w", rule.Role, err)
		}

		key := heldKey{roleDefinitionID: rd.ID}
		if rule.Object != nil {
			key.ref = *rule.Object
		}
		_, has := held[key]
		want := rule.Trigger.Match(groups)
		switch {
		case want && !has:
			if rule.Object != nil {
				_, err = r.engine.Give(ctx, actor, rd.ID, *rule.Object)
			} else {
				_, err = r.engine.GiveGlobal(ctx, actor, rd.ID)
			}
		case !want && has:
			if rule.Object != nil {
				err = r.engine.Revoke(ctx, actor, rd.ID, *rule.Object)
			} else {
				err = r.engine.RevokeGlobal(ctx, actor, rd.ID)
			}
		}
		if err != nil {
			return fmt.Errorf("claims: reconcile role %q for user %d: %w", rule.Role, c.UserID, err)
		}
	}
	return nil
}

// SyncRelation replays the current member list of a tracked relation as
// assignments of the bound role on one object: listed users gain the
// role, users holding it without being listed lose it. Team actors on
// the same role are untouched.
func (r *TriggerReconciler) SyncRelation(ctx context.Context, rel registry.TrackedRelation, obj rbac.ObjectRef, userIDs []int64) error {
	rd, err := r.engine.GetRoleDefinitionByName(ctx, rel.RoleName)
	if err != nil {
		return fmt.Errorf("claims: resolve tracked role %q: %w", rel.RoleName, err)
	}
	desired := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		desired[id] = struct{}{}
	}
	current, err := r.engine.ListRoleActors(ctx, rd.ID, obj)
	if err != nil {
		return fmt.Errorf("claims: list %q holders: %w", rel.RoleName, err)
	}
	for _, actor := range current {
		if actor.Kind != rbac.ActorUser {
			continue
		}
		if _, ok := desired[actor.ID]; ok {
			delete(desired, actor.ID)
			continue
		}
		if err := r.engine.Revoke(ctx, actor, rd.ID, obj); err != nil {
			return fmt.Errorf("claims: revoke %q from user %d: %w", rel.RoleName, actor.ID, err)
		}
	}
	for userID := range desired {
		if _, err := r.engine.Give(ctx, rbac.UserActor(userID), rd.ID, obj); err != nil {
			return fmt.Errorf("claims: give %q to user %d: %w", rel.RoleName, userID, err)
		}
	}
	return nil
}
