package claims

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trellisauth/trellis/internal/rbac"
	"github.com/trellisauth/trellis/internal/registry"
)

func groupSet(groups ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		out[g] = struct{}{}
	}
	return out
}

func TestTriggerMatch(t *testing.T) {
	cases := []struct {
		name    string
		trigger Trigger
		groups  []string
		want    bool
	}{
		{"or hit", Trigger{HasOr: []string{"ops", "eng"}}, []string{"eng"}, true},
		{"or miss", Trigger{HasOr: []string{"ops", "eng"}}, []string{"sales"}, false},
		{"and all", Trigger{HasAnd: []string{"ops", "eng"}}, []string{"ops", "eng", "sales"}, true},
		{"and partial", Trigger{HasAnd: []string{"ops", "eng"}}, []string{"ops"}, false},
		{"not clean", Trigger{HasNot: []string{"contractors"}}, []string{"eng"}, true},
		{"not hit", Trigger{HasNot: []string{"contractors"}}, []string{"contractors"}, false},
		{"empty", Trigger{}, []string{"eng"}, false},
		// With several keys present only the strongest is evaluated.
		{"or shadows and", Trigger{HasOr: []string{"ops"}, HasAnd: []string{"eng", "sales"}}, []string{"ops"}, true},
		{"or shadows and miss", Trigger{HasOr: []string{"ops"}, HasAnd: []string{"eng"}}, []string{"eng"}, false},
		{"and shadows not", Trigger{HasAnd: []string{"eng"}, HasNot: []string{"eng"}}, []string{"eng"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.trigger.Match(groupSet(tc.groups...)))
		})
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`[
		{"role": "support", "trigger": {"has_or": ["helpdesk"]}},
		{"role": "org admin", "object": {"content_type": "organization", "id": "42"}, "trigger": {"has_and": ["admins", "staff"]}}
	]`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Nil(t, rules[0].Object)
	require.Equal(t, []string{"helpdesk"}, rules[0].Trigger.HasOr)
	require.NotNil(t, rules[1].Object)
	require.Equal(t, "organization", rules[1].Object.ContentType)
	require.Equal(t, rbac.IntID(42), rules[1].Object.ID)

	_, err = ParseRules([]byte(`[{"trigger": {"has_or": ["x"]}}]`))
	require.Error(t, err)

	_, err = ParseRules([]byte(`[{"role": "r", "object": {"content_type": "organization", "id": "nope"}, "trigger": {}}]`))
	require.Error(t, err)
}

// fakeEngine records give/revoke calls against an in-memory assignment set.
type fakeEngine struct {
	defs        map[string]rbac.RoleDefinition
	assignments map[heldKey][]rbac.Actor
}

func newFakeEngine(defs ...rbac.RoleDefinition) *fakeEngine {
	e := &fakeEngine{defs: make(map[string]rbac.RoleDefinition), assignments: make(map[heldKey][]rbac.Actor)}
	for _, rd := range defs {
		e.defs[rd.Name] = rd
	}
	return e
}

func (e *fakeEngine) GetRoleDefinitionByName(_ context.Context, name string) (rbac.RoleDefinition, error) {
	rd, ok := e.defs[name]
	if !ok {
		return rbac.RoleDefinition{}, rbac.ErrNotFound
	}
	return rd, nil
}

func (e *fakeEngine) ListAssignments(_ context.Context, actor rbac.Actor) ([]rbac.Assignment, error) {
	var out []rbac.Assignment
	for key, actors := range e.assignments {
		for _, a := range actors {
			if a != actor {
				continue
			}
			entry := rbac.Assignment{
				Actor:            actor,
				RoleDefinitionID: key.roleDefinitionID,
				ContentType:      key.ref.ContentType,
				ObjectID:         key.ref.ID,
			}
			// Scoped assignments carry an object role; only direct global
			// grants leave it zero.
			if key.ref != (rbac.ObjectRef{}) {
				entry.ObjectRoleID = 1
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (e *fakeEngine) ListRoleActors(_ context.Context, roleDefinitionID int64, obj rbac.ObjectRef) ([]rbac.Actor, error) {
	return e.assignments[heldKey{roleDefinitionID: roleDefinitionID, ref: obj}], nil
}

func (e *fakeEngine) give(key heldKey, actor rbac.Actor) {
	for _, a := range e.assignments[key] {
		if a == actor {
			return
		}
	}
	e.assignments[key] = append(e.assignments[key], actor)
}

func (e *fakeEngine) revoke(key heldKey, actor rbac.Actor) {
	actors := e.assignments[key]
	for i, a := range actors {
		if a == actor {
			e.assignments[key] = append(actors[:i], actors[i+1:]...)
			return
		}
	}
}

func (e *fakeEngine) Give(_ context.Context, actor rbac.Actor, rdID int64, obj rbac.ObjectRef) (rbac.Assignment, error) {
	e.give(heldKey{roleDefinitionID: rdID, ref: obj}, actor)
	return rbac.Assignment{Actor: actor, RoleDefinitionID: rdID, ContentType: obj.ContentType, ObjectID: obj.ID}, nil
}

func (e *fakeEngine) Revoke(_ context.Context, actor rbac.Actor, rdID int64, obj rbac.ObjectRef) error {
	e.revoke(heldKey{roleDefinitionID: rdID, ref: obj}, actor)
	return nil
}

func (e *fakeEngine) GiveGlobal(_ context.Context, actor rbac.Actor, rdID int64) (rbac.Assignment, error) {
	e.give(heldKey{roleDefinitionID: rdID}, actor)
	return rbac.Assignment{Actor: actor, RoleDefinitionID: rdID}, nil
}

func (e *fakeEngine) RevokeGlobal(_ context.Context, actor rbac.Actor, rdID int64) error {
	e.revoke(heldKey{roleDefinitionID: rdID}, actor)
	return nil
}

func (e *fakeEngine) holds(actor rbac.Actor, rdID int64, ref rbac.ObjectRef) bool {
	for _, a := range e.assignments[heldKey{roleDefinitionID: rdID, ref: ref}] {
		if a == actor {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcileGivesAndRevokes(t *testing.T) {
	org := rbac.ObjectRef{ContentType: "organization", ID: rbac.IntID(1)}
	engine := newFakeEngine(
		rbac.RoleDefinition{ID: 1, Name: "support"},
		rbac.RoleDefinition{ID: 2, Name: "org admin", ContentType: "organization"},
	)
	rec := NewTriggerReconciler(engine, []Rule{
		{Role: "support", Trigger: Trigger{HasOr: []string{"helpdesk"}}},
		{Role: "org admin", Object: &org, Trigger: Trigger{HasAnd: []string{"admins"}}},
	}, discardLogger())
	ctx := context.Background()
	user := rbac.UserActor(7)

	require.NoError(t, rec.Reconcile(ctx, Claims{UserID: 7, Groups: []string{"helpdesk", "admins"}}))
	require.True(t, engine.holds(user, 1, rbac.ObjectRef{}))
	require.True(t, engine.holds(user, 2, org))

	// Losing the groups revokes exactly the rule-covered roles.
	require.NoError(t, rec.Reconcile(ctx, Claims{UserID: 7, Groups: []string{"helpdesk"}}))
	require.True(t, engine.holds(user, 1, rbac.ObjectRef{}))
	require.False(t, engine.holds(user, 2, org))

	require.NoError(t, rec.Reconcile(ctx, Claims{UserID: 7}))
	require.False(t, engine.holds(user, 1, rbac.ObjectRef{}))
}

func TestReconcileLeavesUnruledRolesAlone(t *testing.T) {
	engine := newFakeEngine(rbac.RoleDefinition{ID: 1, Name: "support"})
	user := rbac.UserActor(7)
	engine.give(heldKey{roleDefinitionID: 99}, user)

	rec := NewTriggerReconciler(engine, []Rule{
		{Role: "support", Trigger: Trigger{HasOr: []string{"helpdesk"}}},
	}, discardLogger())
	require.NoError(t, rec.Reconcile(context.Background(), Claims{UserID: 7}))
	require.True(t, engine.holds(user, 99, rbac.ObjectRef{}))
}

func TestReconcileSkipsMisconfiguredRules(t *testing.T) {
	engine := newFakeEngine(rbac.RoleDefinition{ID: 1, Name: "support"})
	rec := NewTriggerReconciler(engine, []Rule{
		{Role: "missing", Trigger: Trigger{HasOr: []string{"x"}}},
		{Role: "support", Trigger: Trigger{}},
		{Role: "support", Trigger: Trigger{HasOr: []string{"helpdesk"}}},
	}, discardLogger())

	require.NoError(t, rec.Reconcile(context.Background(), Claims{UserID: 7, Groups: []string{"helpdesk"}}))
	require.True(t, engine.holds(rbac.UserActor(7), 1, rbac.ObjectRef{}))
}

func TestSyncRelation(t *testing.T) {
	team := rbac.ObjectRef{ContentType: "team", ID: rbac.IntID(100)}
	engine := newFakeEngine(rbac.RoleDefinition{ID: 5, Name: "Team Member", ContentType: "team"})
	key := heldKey{roleDefinitionID: 5, ref: team}
	engine.give(key, rbac.UserActor(1))
	engine.give(key, rbac.UserActor(2))
	engine.give(key, rbac.TeamActor(200))

	rec := NewTriggerReconciler(engine, nil, discardLogger())
	rel := registry.TrackedRelation{Type: "team", Relation: "members", RoleName: "Team Member"}
	require.NoError(t, rec.SyncRelation(context.Background(), rel, team, []int64{2, 3}))

	require.False(t, engine.holds(rbac.UserActor(1), 5, team))
	require.True(t, engine.holds(rbac.UserActor(2), 5, team))
	require.True(t, engine.holds(rbac.UserActor(3), 5, team))
	// Team actors are outside relation sync.
	require.True(t, engine.holds(rbac.TeamActor(200), 5, team))

	var users []int64
	for _, a := range engine.assignments[key] {
		if a.Kind == rbac.ActorUser {
			users = append(users, a.ID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	require.Equal(t, []int64{2, 3}, users)
}
