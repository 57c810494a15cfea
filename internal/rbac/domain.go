package rbac

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Built-in registered type names the engine itself depends on.
const (
	TypeOrganization = "organization"
	TypeTeam         = "team"
)

// Actions with engine-level meaning. "member" on a team confers team
// membership; "add" is only meaningful one structural level above the
// type it creates.
const (
	ActionAdd    = "add"
	ActionChange = "change"
	ActionDelete = "delete"
	ActionView   = "view"
	ActionMember = "member"
)

// CodenameMemberTeam is the team-membership permission codename.
const CodenameMemberTeam = "member_team"

// IDKind tags the arm of the ObjectID union.
type IDKind uint8

const (
	IDKindInvalid IDKind = iota
	IDKindInt
	IDKindUUID
)

// ObjectID identifies a domain object keyed either by integer or by UUID.
// Cache storage dispatches to the matching partition by the kind tag;
// identifiers are never round-tripped through strings.
type ObjectID struct {
	kind IDKind
	i    int64
	u    uuid.UUID
}

// IntID wraps an integer object identifier.
func IntID(v int64) ObjectID { return ObjectID{kind: IDKindInt, i: v} }

// UUIDID wraps a UUID object identifier.
func UUIDID(v uuid.UUID) ObjectID { return ObjectID{kind: IDKindUUID, u: v} }

// Kind returns the union tag.
func (id ObjectID) Kind() IDKind { return id.kind }

// Int returns the integer arm; zero unless Kind is IDKindInt.
func (id ObjectID) Int() int64 { return id.i }

// UUID returns the UUID arm; zero unless Kind is IDKindUUID.
func (id ObjectID) UUID() uuid.UUID { return id.u }

// IsZero reports whether the identifier is unset.
func (id ObjectID) IsZero() bool { return id.kind == IDKindInvalid }

func (id ObjectID) String() string {
	switch id.kind {
	case IDKindInt:
		return strconv.FormatInt(id.i, 10)
	case IDKindUUID:
		return id.u.String()
	}
	return ""
}

func intString(v int64) string { return strconv.FormatInt(v, 10) }

// ObjectRef points at one concrete domain object.
type ObjectRef struct {
	ContentType string
	ID          ObjectID
}

// Object is a row of the engine-owned object catalog, maintained by the
// lifecycle hooks. The parent link drives permission propagation.
type Object struct {
	ContentType string
	ID          ObjectID
	ParentType  string
	ParentID    ObjectID
}

// Ref returns the object's reference tuple.
func (o Object) Ref() ObjectRef { return ObjectRef{ContentType: o.ContentType, ID: o.ID} }

// Permission is a (codename, content type) pair, e.g. ("change_inventory", "inventory").
type Permission struct {
	Codename    string
	ContentType string
}

// RoleDefinition is a named, reusable permission bundle. An empty
// ContentType marks a global (system) role. Managed definitions are
// system-owned and excluded from end-user mutation.
type RoleDefinition struct {
	ID          int64
	Name        string
	Description string
	ContentType string
	Managed     bool
	Permissions []Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Global reports whether the definition is a system-wide role.
func (rd RoleDefinition) Global() bool { return rd.ContentType == "" }

// HasCodename reports whether the definition grants the codename.
func (rd RoleDefinition) HasCodename(codename string) bool {
	for _, p := range rd.Permissions {
		if p.Codename == codename {
			return true
		}
	}
	return false
}

// ObjectRole instantiates a RoleDefinition against one concrete object.
// Unique per (role definition, content type, object id); created and
// deleted only, never mutated in place.
type ObjectRole struct {
	ID               int64
	RoleDefinitionID int64
	ContentType      string
	ObjectID         ObjectID
	CreatedAt        time.Time
}

// Ref returns the bound object's reference tuple.
func (r ObjectRole) Ref() ObjectRef { return ObjectRef{ContentType: r.ContentType, ID: r.ObjectID} }

// ActorKind distinguishes user and team actors.
type ActorKind string

const (
	ActorUser ActorKind = "user"
	ActorTeam ActorKind = "team"
)

// Actor is a user or team that can hold assignments.
type Actor struct {
	Kind ActorKind
	ID   int64
}

// UserActor builds a user actor handle.
func UserActor(id int64) Actor { return Actor{Kind: ActorUser, ID: id} }

// TeamActor builds a team actor handle.
func TeamActor(id int64) Actor { return Actor{Kind: ActorTeam, ID: id} }

// Assignment links one actor to one ObjectRole, or directly to a global
// RoleDefinition when ObjectRoleID is zero. Immutable; the object tuple
// is denormalized for listing without joins.
type Assignment struct {
	ID               int64
	Actor            Actor
	RoleDefinitionID int64
	ObjectRoleID     int64
	ContentType      string
	ObjectID         ObjectID
	CreatedAt        time.Time
}

// Global reports whether this is a direct global-role assignment.
func (a Assignment) Global() bool { return a.ObjectRoleID == 0 }

// EvaluationEntry is one denormalized cache row: holding ObjectRoleID
// grants Codename on (ContentType, ObjectID). The read path consults
// nothing else.
type EvaluationEntry struct {
	Codename     string
	ContentType  string
	ObjectID     ObjectID
	ObjectRoleID int64
}

// TeamEdge materializes provides_teams: actors holding ObjectRoleID are
// members of TeamID.
type TeamEdge struct {
	ObjectRoleID int64
	TeamID       int64
}
