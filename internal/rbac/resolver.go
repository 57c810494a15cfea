package rbac

import (
	"context"
	"log/slog"
	"sort"
)

// rebuildTeamGraph recomputes provides_teams for the whole team graph as
// a full, idempotent rebuild (the team graph is small; full recompute is
// cheap and simpler to get right than incremental maintenance). Only the
// add/remove delta is applied to storage so downstream cache invalidation
// stays minimal. Returns the ids of object roles whose provided-team set
// changed.
func (s *Service) rebuildTeamGraph(ctx context.Context, tx TxRepository) ([]int64, error) {
	teams, err := tx.ListObjectsOfType(ctx, TypeTeam)
	if err != nil {
		return nil, err
	}
	orgToTeams := map[ObjectID][]int64{}
	teamIDs := make([]int64, 0, len(teams))
	for _, t := range teams {
		teamIDs = append(teamIDs, t.ID.Int())
		if t.ParentType == TypeOrganization && !t.ParentID.IsZero() {
			orgToTeams[t.ParentID] = append(orgToTeams[t.ParentID], t.ID.Int())
		}
	}

	memberRoles, err := tx.ListObjectRolesGranting(ctx, CodenameMemberTeam)
	if err != nil {
		return nil, err
	}

	directMemberRoles := map[int64][]int64{} // team -> roles conferring membership directly
	teamParents := map[int64][]int64{}       // team -> teams whose members flow in
	for _, role := range memberRoles {
		var targets []int64
		switch role.ContentType {
		case TypeTeam:
			targets = []int64{role.ObjectID.Int()}
		case TypeOrganization:
			targets = orgToTeams[role.ObjectID]
			if len(targets) == 0 {
				s.logger.Warn("member role on organization without teams",
					slog.Int64("object_role_id", role.ID), slog.String("organization", role.ObjectID.String()))
				continue
			}
		default:
			s.logger.Warn("member role bound to unsupported type",
				slog.Int64("object_role_id", role.ID), slog.String("content_type", role.ContentType))
			continue
		}
		for _, target := range targets {
			directMemberRoles[target] = append(directMemberRoles[target], role.ID)
		}
		assignments, err := tx.ListAssignmentsForObjectRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range assignments {
			if a.Actor.Kind != ActorTeam {
				continue
			}
			for _, target := range targets {
				teamParents[target] = append(teamParents[target], a.Actor.ID)
			}
		}
	}

	// Ancestor closure per team. The seen set makes membership cycles
	// terminate; a cycle resolves to the union of every team in it.
	expected := map[TeamEdge]struct{}{}
	for _, tid := range teamIDs {
		seen := map[int64]struct{}{}
		stack := []int64{tid}
		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := seen[current]; ok {
				continue
			}
			seen[current] = struct{}{}
			for _, roleID := range directMemberRoles[current] {
				expected[TeamEdge{ObjectRoleID: roleID, TeamID: tid}] = struct{}{}
			}
			stack = append(stack, teamParents[current]...)
		}
	}

	current, err := tx.ListTeamEdges(ctx)
	if err != nil {
		return nil, err
	}
	existing := make(map[TeamEdge]struct{}, len(current))
	for _, e := range current {
		existing[e] = struct{}{}
	}

	changed := map[int64]struct{}{}
	added, removed := 0, 0
	for e := range expected {
		if _, ok := existing[e]; ok {
			continue
		}
		if err := tx.InsertTeamEdge(ctx, e); err != nil {
			return nil, err
		}
		changed[e.ObjectRoleID] = struct{}{}
		added++
	}
	for e := range existing {
		if _, ok := expected[e]; ok {
			continue
		}
		if err := tx.DeleteTeamEdge(ctx, e); err != nil {
			return nil, err
		}
		changed[e.ObjectRoleID] = struct{}{}
		removed++
	}
	if s.metrics != nil {
		s.metrics.ObserveTeamRebuild(added, removed)
	}

	out := make([]int64, 0, len(changed))
	for id := range changed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
