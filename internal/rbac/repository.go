package rbac

import (
	"context"
	"errors"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// ErrObjectRoleExists is returned by InsertObjectRole when another caller
// won the creation race. The service resolves it by re-reading the
// winner's row; it never reaches API callers.
var ErrObjectRoleExists = errors.New("rbac: object role already exists")

// ErrDuplicateName indicates a role definition name collision.
var ErrDuplicateName = errors.New("rbac: role definition name already exists")

// ReadRepository collects the read operations. The evaluation query path
// uses it directly against the pool; TxRepository embeds it so cache
// maintenance sees transaction-consistent state.
type ReadRepository interface {
	GetRoleDefinition(ctx context.Context, id int64) (RoleDefinition, error)
	GetRoleDefinitionByName(ctx context.Context, name string) (RoleDefinition, error)
	ListRoleDefinitions(ctx context.Context) ([]RoleDefinition, error)
	// FindRoleDefinitionByPermissions locates a definition with exactly the
	// given permission set and target type, for deduplication.
	FindRoleDefinitionByPermissions(ctx context.Context, contentType string, perms []Permission) (RoleDefinition, bool, error)

	GetObjectRoleByID(ctx context.Context, id int64) (ObjectRole, error)
	GetObjectRole(ctx context.Context, roleDefinitionID int64, ref ObjectRef) (ObjectRole, error)
	ListObjectRolesForObject(ctx context.Context, ref ObjectRef) ([]ObjectRole, error)
	ListObjectRolesForRoleDefinition(ctx context.Context, roleDefinitionID int64) ([]ObjectRole, error)
	// ListObjectRolesGranting returns object roles whose definition includes
	// the codename (resolver scan for member_team).
	ListObjectRolesGranting(ctx context.Context, codename string) ([]ObjectRole, error)
	ListAllObjectRoles(ctx context.Context) ([]ObjectRole, error)
	ListObjectRolesAssignedToTeam(ctx context.Context, teamID int64) ([]ObjectRole, error)

	GetAssignment(ctx context.Context, actor Actor, roleDefinitionID, objectRoleID int64) (Assignment, error)
	ListAssignmentsForActor(ctx context.Context, actor Actor) ([]Assignment, error)
	ListAssignmentsForObjectRole(ctx context.Context, objectRoleID int64) ([]Assignment, error)
	CountAssignments(ctx context.Context, objectRoleID int64) (int, error)
	ListObjectRoleIDsForActor(ctx context.Context, actor Actor) ([]int64, error)
	// ListGlobalRoleDefinitionsForActors returns global definitions held via
	// direct global assignment by any of the given actors.
	ListGlobalRoleDefinitionsForActors(ctx context.Context, actors []Actor) ([]RoleDefinition, error)

	ListTeamEdges(ctx context.Context) ([]TeamEdge, error)
	// ListProvidedTeams returns the teams whose membership the given object
	// roles confer.
	ListProvidedTeams(ctx context.Context, objectRoleIDs []int64) ([]int64, error)
	// ListRolesProvidingTeam returns the object roles conferring membership
	// in the team (the team's member_roles).
	ListRolesProvidingTeam(ctx context.Context, teamID int64) ([]ObjectRole, error)

	ListEvaluationsForRole(ctx context.Context, objectRoleID int64) ([]EvaluationEntry, error)
	HasEvaluation(ctx context.Context, codename string, ref ObjectRef, objectRoleIDs []int64) (bool, error)
	EvaluationObjectIDs(ctx context.Context, contentType, codename string, objectRoleIDs []int64) ([]ObjectID, error)

	GetObject(ctx context.Context, ref ObjectRef) (Object, error)
	ListObjectsOfType(ctx context.Context, contentType string) ([]Object, error)
	// ListDescendantIDs returns ids of descendantType objects whose parent
	// chain reaches the ancestor.
	ListDescendantIDs(ctx context.Context, descendantType string, ancestor ObjectRef) ([]ObjectID, error)
}

// TxRepository exposes the mutations used inside one mutation's transaction.
type TxRepository interface {
	ReadRepository

	InsertRoleDefinition(ctx context.Context, rd RoleDefinition) (int64, error)
	UpdateRoleDefinitionPermissions(ctx context.Context, id int64, perms []Permission) error
	DeleteRoleDefinition(ctx context.Context, id int64) error

	// InsertObjectRole returns ErrObjectRoleExists if the (definition,
	// object) tuple is already present; callers re-read the winner.
	InsertObjectRole(ctx context.Context, role ObjectRole) (int64, error)
	// DeleteObjectRole removes the role, its assignments, its provides_teams
	// edges and its evaluation rows.
	DeleteObjectRole(ctx context.Context, id int64) error

	InsertAssignment(ctx context.Context, a Assignment) (int64, error)
	DeleteAssignment(ctx context.Context, id int64) error
	// DeleteAssignmentsForActor removes every assignment held by the actor
	// and returns the object role ids that were referenced.
	DeleteAssignmentsForActor(ctx context.Context, actor Actor) ([]int64, error)

	InsertTeamEdge(ctx context.Context, e TeamEdge) error
	DeleteTeamEdge(ctx context.Context, e TeamEdge) error

	// InsertEvaluations tolerates duplicate rows (concurrent recomputation
	// of overlapping roles treats them as already applied).
	InsertEvaluations(ctx context.Context, entries []EvaluationEntry) error
	DeleteEvaluations(ctx context.Context, entries []EvaluationEntry) error
	DeleteEvaluationsForObject(ctx context.Context, ref ObjectRef) error

	UpsertObject(ctx context.Context, obj Object) error
	DeleteObject(ctx context.Context, ref ObjectRef) error
}

// RepositoryPort abstracts persistence for the engine.
type RepositoryPort interface {
	ReadRepository
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}
