package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trellisauth/trellis/internal/registry"
)

type evalKey struct {
	Codename    string
	ContentType string
	ObjectID    ObjectID
}

// childCache memoizes descendant lookups within one recompute batch so
// expanding many roles on the same parent does not rescan the catalog.
type childCache struct {
	entries map[childCacheKey][]ObjectID
}

type childCacheKey struct {
	DescendantType string
	Ancestor       ObjectRef
}

func newChildCache() *childCache {
	return &childCache{entries: map[childCacheKey][]ObjectID{}}
}

func (c *childCache) descendants(ctx context.Context, r ReadRepository, descendantType string, ancestor ObjectRef) ([]ObjectID, error) {
	key := childCacheKey{DescendantType: descendantType, Ancestor: ancestor}
	if ids, ok := c.entries[key]; ok {
		return ids, nil
	}
	ids, err := r.ListDescendantIDs(ctx, descendantType, ancestor)
	if err != nil {
		return nil, err
	}
	c.entries[key] = ids
	return ids, nil
}

// expectedDirectPermissions expands one object role's definition into the
// flat grant tuples it should produce. Same-type permissions land on the
// bound object; "add" permissions land on the direct structural parent of
// the type they create; other child-type permissions fan out to every
// descendant instance (plus a shadow entry on the bound object when the
// propagate policy is on).
func (s *Service) expectedDirectPermissions(ctx context.Context, r ReadRepository, cache *childCache, role ObjectRole, rd RoleDefinition) (map[evalKey]struct{}, error) {
	out := make(map[evalKey]struct{}, len(rd.Permissions))
	for _, p := range rd.Permissions {
		if p.ContentType == role.ContentType {
			out[evalKey{Codename: p.Codename, ContentType: role.ContentType, ObjectID: role.ObjectID}] = struct{}{}
			continue
		}
		if registry.ActionOf(p.Codename) == ActionAdd {
			parent := s.reg.Parent(p.ContentType)
			if parent == role.ContentType {
				out[evalKey{Codename: p.Codename, ContentType: role.ContentType, ObjectID: role.ObjectID}] = struct{}{}
				continue
			}
			ids, err := cache.descendants(ctx, r, parent, role.Ref())
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				out[evalKey{Codename: p.Codename, ContentType: parent, ObjectID: id}] = struct{}{}
			}
			continue
		}
		if s.policy.PropagateParentPermissions {
			out[evalKey{Codename: p.Codename, ContentType: role.ContentType, ObjectID: role.ObjectID}] = struct{}{}
		}
		ids, err := cache.descendants(ctx, r, p.ContentType, role.Ref())
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out[evalKey{Codename: p.Codename, ContentType: p.ContentType, ObjectID: id}] = struct{}{}
		}
	}
	return out, nil
}

// expectedPermissions folds team-conferred grants into the providing
// role's expectation, one level deep. provides_teams is already the fully
// closed team graph, so no recursion is needed here.
func (s *Service) expectedPermissions(ctx context.Context, r ReadRepository, cache *childCache, role ObjectRole) (map[evalKey]struct{}, error) {
	rd, err := r.GetRoleDefinition(ctx, role.RoleDefinitionID)
	if err != nil {
		return nil, err
	}
	expected, err := s.expectedDirectPermissions(ctx, r, cache, role, rd)
	if err != nil {
		return nil, err
	}
	teams, err := r.ListProvidedTeams(ctx, []int64{role.ID})
	if err != nil {
		return nil, err
	}
	for _, teamID := range teams {
		held, err := r.ListObjectRolesAssignedToTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		for _, heldRole := range held {
			if heldRole.ID == role.ID {
				continue
			}
			heldDef, err := r.GetRoleDefinition(ctx, heldRole.RoleDefinitionID)
			if err != nil {
				return nil, err
			}
			folded, err := s.expectedDirectPermissions(ctx, r, cache, heldRole, heldDef)
			if err != nil {
				return nil, err
			}
			for k := range folded {
				expected[k] = struct{}{}
			}
		}
	}
	return expected, nil
}

// neededCacheUpdates diffs expectation against the stored rows of one role.
func (s *Service) neededCacheUpdates(ctx context.Context, r ReadRepository, cache *childCache, role ObjectRole) (toDelete, toAdd []EvaluationEntry, err error) {
	expected, err := s.expectedPermissions(ctx, r, cache, role)
	if err != nil {
		return nil, nil, err
	}
	existing, err := r.ListEvaluationsForRole(ctx, role.ID)
	if err != nil {
		return nil, nil, err
	}
	existingSet := make(map[evalKey]struct{}, len(existing))
	for _, e := range existing {
		k := evalKey{Codename: e.Codename, ContentType: e.ContentType, ObjectID: e.ObjectID}
		existingSet[k] = struct{}{}
		if _, ok := expected[k]; !ok {
			toDelete = append(toDelete, e)
		}
	}
	for k := range expected {
		if _, ok := existingSet[k]; !ok {
			toAdd = append(toAdd, EvaluationEntry{Codename: k.Codename, ContentType: k.ContentType, ObjectID: k.ObjectID, ObjectRoleID: role.ID})
		}
	}
	return toDelete, toAdd, nil
}

// recompute synchronizes the cache rows of the given roles inside the
// caller's transaction. Idempotent and convergent: re-running it produces
// no further deltas.
func (s *Service) recompute(ctx context.Context, tx TxRepository, roles []ObjectRole) error {
	if len(roles) == 0 {
		return nil
	}
	cache := newChildCache()
	seen := map[int64]struct{}{}
	var toDelete, toAdd []EvaluationEntry
	for _, role := range roles {
		if _, dup := seen[role.ID]; dup {
			continue
		}
		seen[role.ID] = struct{}{}
		del, add, err := s.neededCacheUpdates(ctx, tx, cache, role)
		if err != nil {
			return fmt.Errorf("rbac: compute cache updates for role %d: %w", role.ID, err)
		}
		toDelete = append(toDelete, del...)
		toAdd = append(toAdd, add...)
	}
	if len(toDelete) > 0 {
		if err := tx.DeleteEvaluations(ctx, toDelete); err != nil {
			return fmt.Errorf("rbac: delete cache rows: %w", err)
		}
	}
	if len(toAdd) > 0 {
		if err := tx.InsertEvaluations(ctx, toAdd); err != nil {
			return fmt.Errorf("rbac: insert cache rows: %w", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveRecompute(len(seen), len(toAdd), len(toDelete))
	}
	return nil
}

// Recompute synchronizes the cache for the given roles, or for every
// object role when none are given (bulk events such as a permission-list
// edit on a widely used definition).
func (s *Service) Recompute(ctx context.Context, roles ...ObjectRole) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		target := roles
		if len(target) == 0 {
			all, err := tx.ListAllObjectRoles(ctx)
			if err != nil {
				return err
			}
			target = all
		}
		return s.recompute(ctx, tx, target)
	})
}

// RoleDrift describes cache rows of one role that differ from expectation.
type RoleDrift struct {
	ObjectRoleID int64
	Missing      []EvaluationEntry
	Extra        []EvaluationEntry
}

// DriftReport is the outcome of a read-only cache sanity sweep.
type DriftReport struct {
	RolesChecked int
	Drift        []RoleDrift
}

// Clean reports whether no drift was found.
func (r DriftReport) Clean() bool { return len(r.Drift) == 0 }

// AuditDrift compares the stored cache against expectation for every
// object role without mutating anything. Drift is a consistency warning,
// surfaced through this report rather than an error.
func (s *Service) AuditDrift(ctx context.Context) (DriftReport, error) {
	roles, err := s.repo.ListAllObjectRoles(ctx)
	if err != nil {
		return DriftReport{}, err
	}
	var (
		mu    sync.Mutex
		drift []RoleDrift
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, role := range roles {
		g.Go(func() error {
			cache := newChildCache()
			del, add, err := s.neededCacheUpdates(gctx, s.repo, cache, role)
			if err != nil {
				return err
			}
			if len(del) == 0 && len(add) == 0 {
				return nil
			}
			mu.Lock()
			drift = append(drift, RoleDrift{ObjectRoleID: role.ID, Missing: add, Extra: del})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DriftReport{}, err
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].ObjectRoleID < drift[j].ObjectRoleID })
	for _, d := range drift {
		s.logger.Warn("evaluation cache drift",
			"object_role_id", d.ObjectRoleID,
			"missing", len(d.Missing),
			"extra", len(d.Extra))
	}
	if s.metrics != nil {
		s.metrics.ObserveDrift(len(drift))
	}
	return DriftReport{RolesChecked: len(roles), Drift: drift}, nil
}
