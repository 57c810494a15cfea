package rbac

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trellisauth/trellis/internal/registry"
)

type memoryRepo struct {
	nextID      int64
	defs        map[int64]RoleDefinition
	roles       map[int64]ObjectRole
	assignments map[int64]Assignment
	edges       map[TeamEdge]struct{}
	evals       map[EvaluationEntry]struct{}
	objects     map[ObjectRef]Object
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		defs:        map[int64]RoleDefinition{},
		roles:       map[int64]ObjectRole{},
		assignments: map[int64]Assignment{},
		edges:       map[TeamEdge]struct{}{},
		evals:       map[EvaluationEntry]struct{}{},
		objects:     map[ObjectRef]Object{},
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) GetRoleDefinition(ctx context.Context, id int64) (RoleDefinition, error) {
	rd, ok := r.defs[id]
	if !ok {
		return RoleDefinition{}, ErrNotFound
	}
	return rd, nil
}

func (r *memoryRepo) GetRoleDefinitionByName(ctx context.Context, name string) (RoleDefinition, error) {
	for _, rd := range r.defs {
		if rd.Name == name {
			return rd, nil
		}
	}
	return RoleDefinition{}, ErrNotFound
}

func (r *memoryRepo) ListRoleDefinitions(ctx context.Context) ([]RoleDefinition, error) {
	out := make([]RoleDefinition, 0, len(r.defs))
	for _, rd := range r.defs {
		out = append(out, rd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func permSetEqual(a, b []Permission) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[Permission]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func (r *memoryRepo) FindRoleDefinitionByPermissions(ctx context.Context, contentType string, perms []Permission) (RoleDefinition, bool, error) {
	for _, rd := range r.defs {
		if rd.ContentType == contentType && permSetEqual(rd.Permissions, perms) {
			return rd, true, nil
		}
	}
	return RoleDefinition{}, false, nil
}

func (r *memoryRepo) InsertRoleDefinition(ctx context.Context, rd RoleDefinition) (int64, error) {
	for _, existing := range r.defs {
		if existing.Name == rd.Name {
			return 0, ErrDuplicateName
		}
	}
	rd.ID = r.id()
	rd.CreatedAt = time.Now()
	rd.UpdatedAt = rd.CreatedAt
	r.defs[rd.ID] = rd
	return rd.ID, nil
}

func (r *memoryRepo) UpdateRoleDefinitionPermissions(ctx context.Context, id int64, perms []Permission) error {
	rd, ok := r.defs[id]
	if !ok {
		return ErrNotFound
	}
	rd.Permissions = append([]Permission(nil), perms...)
	rd.UpdatedAt = time.Now()
	r.defs[id] = rd
	return nil
}

func (r *memoryRepo) DeleteRoleDefinition(ctx context.Context, id int64) error {
	delete(r.defs, id)
	for aid, a := range r.assignments {
		if a.RoleDefinitionID == id {
			delete(r.assignments, aid)
		}
	}
	return nil
}

func (r *memoryRepo) GetObjectRoleByID(ctx context.Context, id int64) (ObjectRole, error) {
	role, ok := r.roles[id]
	if !ok {
		return ObjectRole{}, ErrNotFound
	}
	return role, nil
}

func (r *memoryRepo) GetObjectRole(ctx context.Context, roleDefinitionID int64, ref ObjectRef) (ObjectRole, error) {
	for _, role := range r.roles {
		if role.RoleDefinitionID == roleDefinitionID && role.ContentType == ref.ContentType && role.ObjectID == ref.ID {
			return role, nil
		}
	}
	return ObjectRole{}, ErrNotFound
}

func (r *memoryRepo) InsertObjectRole(ctx context.Context, role ObjectRole) (int64, error) {
	if _, err := r.GetObjectRole(ctx, role.RoleDefinitionID, ObjectRef{ContentType: role.ContentType, ID: role.ObjectID}); err == nil {
		return 0, ErrObjectRoleExists
	}
	role.ID = r.id()
	role.CreatedAt = time.Now()
	r.roles[role.ID] = role
	return role.ID, nil
}

func (r *memoryRepo) DeleteObjectRole(ctx context.Context, id int64) error {
	delete(r.roles, id)
	for aid, a := range r.assignments {
		if a.ObjectRoleID == id {
			delete(r.assignments, aid)
		}
	}
	for e := range r.edges {
		if e.ObjectRoleID == id {
			delete(r.edges, e)
		}
	}
	for e := range r.evals {
		if e.ObjectRoleID == id {
			delete(r.evals, e)
		}
	}
	return nil
}

func sortedRoles(roles []ObjectRole) []ObjectRole {
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles
}

func (r *memoryRepo) ListObjectRolesForObject(ctx context.Context, ref ObjectRef) ([]ObjectRole, error) {
	var out []ObjectRole
	for _, role := range r.roles {
		if role.ContentType == ref.ContentType && role.ObjectID == ref.ID {
			out = append(out, role)
		}
	}
	return sortedRoles(out), nil
}

func (r *memoryRepo) ListObjectRolesForRoleDefinition(ctx context.Context, roleDefinitionID int64) ([]ObjectRole, error) {
	var out []ObjectRole
	for _, role := range r.roles {
		if role.RoleDefinitionID == roleDefinitionID {
			out = append(out, role)
		}
	}
	return sortedRoles(out), nil
}

func (r *memoryRepo) ListObjectRolesGranting(ctx context.Context, codename string) ([]ObjectRole, error) {
	var out []ObjectRole
	for _, role := range r.roles {
		if rd, ok := r.defs[role.RoleDefinitionID]; ok && rd.HasCodename(codename) {
			out = append(out, role)
		}
	}
	return sortedRoles(out), nil
}

func (r *memoryRepo) ListAllObjectRoles(ctx context.Context) ([]ObjectRole, error) {
	out := make([]ObjectRole, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	return sortedRoles(out), nil
}

func (r *memoryRepo) ListObjectRolesAssignedToTeam(ctx context.Context, teamID int64) ([]ObjectRole, error) {
	var out []ObjectRole
	for _, a := range r.assignments {
		if a.Actor.Kind == ActorTeam && a.Actor.ID == teamID && a.ObjectRoleID != 0 {
			if role, ok := r.roles[a.ObjectRoleID]; ok {
				out = append(out, role)
			}
		}
	}
	return sortedRoles(out), nil
}

func (r *memoryRepo) GetAssignment(ctx context.Context, actor Actor, roleDefinitionID, objectRoleID int64) (Assignment, error) {
	for _, a := range r.assignments {
		if a.Actor == actor && a.RoleDefinitionID == roleDefinitionID && a.ObjectRoleID == objectRoleID {
			return a, nil
		}
	}
	return Assignment{}, ErrNotFound
}

func (r *memoryRepo) ListAssignmentsForActor(ctx context.Context, actor Actor) ([]Assignment, error) {
	var out []Assignment
	for _, a := range r.assignments {
		if a.Actor == actor {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ListAssignmentsForObjectRole(ctx context.Context, objectRoleID int64) ([]Assignment, error) {
	var out []Assignment
	for _, a := range r.assignments {
		if a.ObjectRoleID == objectRoleID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) CountAssignments(ctx context.Context, objectRoleID int64) (int, error) {
	n := 0
	for _, a := range r.assignments {
		if a.ObjectRoleID == objectRoleID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) ListObjectRoleIDsForActor(ctx context.Context, actor Actor) ([]int64, error) {
	var out []int64
	for _, a := range r.assignments {
		if a.Actor == actor && a.ObjectRoleID != 0 {
			out = append(out, a.ObjectRoleID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *memoryRepo) ListGlobalRoleDefinitionsForActors(ctx context.Context, actors []Actor) ([]RoleDefinition, error) {
	actorSet := make(map[Actor]struct{}, len(actors))
	for _, a := range actors {
		actorSet[a] = struct{}{}
	}
	seen := map[int64]struct{}{}
	var out []RoleDefinition
	for _, a := range r.assignments {
		if a.ObjectRoleID != 0 {
			continue
		}
		if _, ok := actorSet[a.Actor]; !ok {
			continue
		}
		if _, dup := seen[a.RoleDefinitionID]; dup {
			continue
		}
		seen[a.RoleDefinitionID] = struct{}{}
		if rd, ok := r.defs[a.RoleDefinitionID]; ok {
			out = append(out, rd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) InsertAssignment(ctx context.Context, a Assignment) (int64, error) {
	a.ID = r.id()
	a.CreatedAt = time.Now()
	r.assignments[a.ID] = a
	return a.ID, nil
}

func (r *memoryRepo) DeleteAssignment(ctx context.Context, id int64) error {
	delete(r.assignments, id)
	return nil
}

func (r *memoryRepo) DeleteAssignmentsForActor(ctx context.Context, actor Actor) ([]int64, error) {
	var roleIDs []int64
	for id, a := range r.assignments {
		if a.Actor == actor {
			roleIDs = append(roleIDs, a.ObjectRoleID)
			delete(r.assignments, id)
		}
	}
	sort.Slice(roleIDs, func(i, j int) bool { return roleIDs[i] < roleIDs[j] })
	return roleIDs, nil
}

func (r *memoryRepo) ListTeamEdges(ctx context.Context) ([]TeamEdge, error) {
	out := make([]TeamEdge, 0, len(r.edges))
	for e := range r.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObjectRoleID != out[j].ObjectRoleID {
			return out[i].ObjectRoleID < out[j].ObjectRoleID
		}
		return out[i].TeamID < out[j].TeamID
	})
	return out, nil
}

func (r *memoryRepo) ListProvidedTeams(ctx context.Context, objectRoleIDs []int64) ([]int64, error) {
	roleSet := make(map[int64]struct{}, len(objectRoleIDs))
	for _, id := range objectRoleIDs {
		roleSet[id] = struct{}{}
	}
	seen := map[int64]struct{}{}
	var out []int64
	for e := range r.edges {
		if _, ok := roleSet[e.ObjectRoleID]; !ok {
			continue
		}
		if _, dup := seen[e.TeamID]; dup {
			continue
		}
		seen[e.TeamID] = struct{}{}
		out = append(out, e.TeamID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *memoryRepo) ListRolesProvidingTeam(ctx context.Context, teamID int64) ([]ObjectRole, error) {
	var out []ObjectRole
	for e := range r.edges {
		if e.TeamID != teamID {
			continue
		}
		if role, ok := r.roles[e.ObjectRoleID]; ok {
			out = append(out, role)
		}
	}
	return sortedRoles(out), nil
}

func (r *memoryRepo) InsertTeamEdge(ctx context.Context, e TeamEdge) error {
	r.edges[e] = struct{}{}
	return nil
}

func (r *memoryRepo) DeleteTeamEdge(ctx context.Context, e TeamEdge) error {
	delete(r.edges, e)
	return nil
}

func (r *memoryRepo) ListEvaluationsForRole(ctx context.Context, objectRoleID int64) ([]EvaluationEntry, error) {
	var out []EvaluationEntry
	for e := range r.evals {
		if e.ObjectRoleID == objectRoleID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (r *memoryRepo) HasEvaluation(ctx context.Context, codename string, ref ObjectRef, objectRoleIDs []int64) (bool, error) {
	for _, id := range objectRoleIDs {
		e := EvaluationEntry{Codename: codename, ContentType: ref.ContentType, ObjectID: ref.ID, ObjectRoleID: id}
		if _, ok := r.evals[e]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) EvaluationObjectIDs(ctx context.Context, contentType, codename string, objectRoleIDs []int64) ([]ObjectID, error) {
	roleSet := make(map[int64]struct{}, len(objectRoleIDs))
	for _, id := range objectRoleIDs {
		roleSet[id] = struct{}{}
	}
	seen := map[ObjectID]struct{}{}
	var out []ObjectID
	for e := range r.evals {
		if e.ContentType != contentType || e.Codename != codename {
			continue
		}
		if _, ok := roleSet[e.ObjectRoleID]; !ok {
			continue
		}
		if _, dup := seen[e.ObjectID]; dup {
			continue
		}
		seen[e.ObjectID] = struct{}{}
		out = append(out, e.ObjectID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *memoryRepo) InsertEvaluations(ctx context.Context, entries []EvaluationEntry) error {
	for _, e := range entries {
		r.evals[e] = struct{}{}
	}
	return nil
}

func (r *memoryRepo) DeleteEvaluations(ctx context.Context, entries []EvaluationEntry) error {
	for _, e := range entries {
		delete(r.evals, e)
	}
	return nil
}

func (r *memoryRepo) DeleteEvaluationsForObject(ctx context.Context, ref ObjectRef) error {
	for e := range r.evals {
		if e.ContentType == ref.ContentType && e.ObjectID == ref.ID {
			delete(r.evals, e)
		}
	}
	return nil
}

func (r *memoryRepo) GetObject(ctx context.Context, ref ObjectRef) (Object, error) {
	obj, ok := r.objects[ref]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

func (r *memoryRepo) ListObjectsOfType(ctx context.Context, contentType string) ([]Object, error) {
	var out []Object
	for _, obj := range r.objects {
		if obj.ContentType == contentType {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *memoryRepo) ListDescendantIDs(ctx context.Context, descendantType string, ancestor ObjectRef) ([]ObjectID, error) {
	var out []ObjectID
	for _, obj := range r.objects {
		if obj.ContentType != descendantType {
			continue
		}
		current := obj
		for !current.ParentID.IsZero() {
			parentRef := ObjectRef{ContentType: current.ParentType, ID: current.ParentID}
			if parentRef == ancestor {
				out = append(out, obj.ID)
				break
			}
			parent, ok := r.objects[parentRef]
			if !ok {
				break
			}
			current = parent
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *memoryRepo) UpsertObject(ctx context.Context, obj Object) error {
	r.objects[obj.Ref()] = obj
	return nil
}

func (r *memoryRepo) DeleteObject(ctx context.Context, ref ObjectRef) error {
	delete(r.objects, ref)
	return nil
}

var _ RepositoryPort = (*memoryRepo)(nil)
var _ TxRepository = (*memoryRepo)(nil)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(TypeOrganization, ""))
	require.NoError(t, reg.Register(TypeTeam, TypeOrganization, "add", "change", "delete", "view", "member"))
	require.NoError(t, reg.Register("inventory", TypeOrganization))
	require.NoError(t, reg.Register("namespace", TypeOrganization))
	require.NoError(t, reg.Register("collectionimport", "namespace"))
	reg.Seal()
	return reg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, testRegistry(t), discardLogger(), PermissivePolicy(), nil, nil, nil)
	return svc, repo
}

func mustCreateObject(t *testing.T, svc *Service, obj Object) {
	t.Helper()
	require.NoError(t, svc.OnObjectCreated(context.Background(), obj))
}

func orgObj(id int64) Object {
	return Object{ContentType: TypeOrganization, ID: IntID(id)}
}

func teamObj(id, orgID int64) Object {
	return Object{ContentType: TypeTeam, ID: IntID(id), ParentType: TypeOrganization, ParentID: IntID(orgID)}
}

func inventoryObj(id, orgID int64) Object {
	return Object{ContentType: "inventory", ID: IntID(id), ParentType: TypeOrganization, ParentID: IntID(orgID)}
}
