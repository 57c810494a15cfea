package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/trellisauth/trellis/internal/shared"
)

// HasPermission answers "does this user hold codename on the object".
// Bypass flags and global grants short-circuit; everything else is a
// single cache lookup — the graph is never walked at query time.
func (s *Service) HasPermission(ctx context.Context, ident *shared.Identity, ref ObjectRef, codename string) (bool, error) {
	if s.hasBypass(ident) {
		return true, nil
	}
	if ident == nil {
		return false, nil
	}
	global, err := s.GlobalCodenames(ctx, ident.UserID)
	if err != nil {
		return false, err
	}
	if _, ok := global[codename]; ok {
		return true, nil
	}
	roleIDs, err := s.repo.ListObjectRoleIDsForActor(ctx, UserActor(ident.UserID))
	if err != nil {
		return false, err
	}
	if len(roleIDs) == 0 {
		return false, nil
	}
	return s.repo.HasEvaluation(ctx, codename, ref, roleIDs)
}

// AccessibleIDs returns the ids of contentType objects the user holds
// codename on. unrestricted means every object qualifies (bypass flag or
// global grant) and ids is nil.
func (s *Service) AccessibleIDs(ctx context.Context, ident *shared.Identity, contentType, codename string) (ids []ObjectID, unrestricted bool, err error) {
	if s.hasBypass(ident) {
		return nil, true, nil
	}
	if ident == nil {
		return nil, false, nil
	}
	global, err := s.GlobalCodenames(ctx, ident.UserID)
	if err != nil {
		return nil, false, err
	}
	if _, ok := global[codename]; ok {
		return nil, true, nil
	}
	roleIDs, err := s.repo.ListObjectRoleIDsForActor(ctx, UserActor(ident.UserID))
	if err != nil {
		return nil, false, err
	}
	if len(roleIDs) == 0 {
		return nil, false, nil
	}
	ids, err = s.repo.EvaluationObjectIDs(ctx, contentType, codename, roleIDs)
	return ids, false, err
}

// AccessibleObjects filters a caller-supplied base set down to the
// objects the user holds codename on, preserving order. Callers compose
// their own restrictions into base before handing it over.
func (s *Service) AccessibleObjects(ctx context.Context, ident *shared.Identity, codename string, base []ObjectRef) ([]ObjectRef, error) {
	if len(base) == 0 {
		return nil, nil
	}
	byType := map[string]map[ObjectID]struct{}{}
	unrestrictedByType := map[string]bool{}
	var out []ObjectRef
	for _, ref := range base {
		if _, ok := byType[ref.ContentType]; !ok {
			ids, unrestricted, err := s.AccessibleIDs(ctx, ident, ref.ContentType, codename)
			if err != nil {
				return nil, err
			}
			set := make(map[ObjectID]struct{}, len(ids))
			for _, id := range ids {
				set[id] = struct{}{}
			}
			byType[ref.ContentType] = set
			unrestrictedByType[ref.ContentType] = unrestricted
		}
		if unrestrictedByType[ref.ContentType] {
			out = append(out, ref)
			continue
		}
		if _, ok := byType[ref.ContentType][ref.ID]; ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

// GlobalCodenames resolves the user's system-wide permission set: global
// roles held directly plus global roles held by any team the user belongs
// to through provides_teams. Results are memoized per generation;
// concurrent resolutions for the same user share one computation.
func (s *Service) GlobalCodenames(ctx context.Context, userID int64) (map[string]struct{}, error) {
	generation := int64(-1)
	if s.gens != nil {
		gen, err := s.gens.Current(ctx)
		if err != nil {
			s.logger.Warn("generation lookup failed, skipping memo", slog.Any("error", err))
		} else {
			generation = gen
			if memo, ok := s.gens.GetGlobalMemo(ctx, generation, userID); ok {
				return codenameSet(memo), nil
			}
		}
	}
	key := fmt.Sprintf("%d:%d", generation, userID)
	v, err, _ := s.globalGroup.Do(key, func() (any, error) {
		codenames, err := s.computeGlobalCodenames(ctx, userID)
		if err != nil {
			return nil, err
		}
		if s.gens != nil && generation >= 0 {
			s.gens.SetGlobalMemo(ctx, generation, userID, codenames)
		}
		return codenames, nil
	})
	if err != nil {
		return nil, err
	}
	return codenameSet(v.([]string)), nil
}

func (s *Service) computeGlobalCodenames(ctx context.Context, userID int64) ([]string, error) {
	actors := []Actor{UserActor(userID)}
	roleIDs, err := s.repo.ListObjectRoleIDsForActor(ctx, UserActor(userID))
	if err != nil {
		return nil, err
	}
	if len(roleIDs) > 0 {
		teams, err := s.repo.ListProvidedTeams(ctx, roleIDs)
		if err != nil {
			return nil, err
		}
		for _, teamID := range teams {
			actors = append(actors, TeamActor(teamID))
		}
	}
	defs, err := s.repo.ListGlobalRoleDefinitionsForActors(ctx, actors)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var codenames []string
	for _, rd := range defs {
		for _, p := range rd.Permissions {
			if _, dup := seen[p.Codename]; dup {
				continue
			}
			seen[p.Codename] = struct{}{}
			codenames = append(codenames, p.Codename)
		}
	}
	sort.Strings(codenames)
	return codenames, nil
}

func (s *Service) hasBypass(ident *shared.Identity) bool {
	for _, flag := range s.policy.BypassFlags {
		if ident.HasFlag(flag) {
			return true
		}
	}
	return false
}

func codenameSet(codenames []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codenames))
	for _, c := range codenames {
		set[c] = struct{}{}
	}
	return set
}
