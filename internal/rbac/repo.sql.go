package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trellisauth/trellis/internal/platform/db"
)

// Repository persists the engine state in PostgreSQL. Reads outside a
// transaction go straight to the pool; mutations run through WithTx.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("rbac: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &queries{db: tx})
	})
}

var _ RepositoryPort = (*Repository)(nil)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// queries implements every repository operation against either the pool
// or an open transaction.
type queries struct {
	db dbtx
}

var _ TxRepository = (*queries)(nil)

// idColumns splits an ObjectID into its nullable int and uuid columns.
func idColumns(id ObjectID) (any, any) {
	switch id.Kind() {
	case IDKindInt:
		return id.Int(), nil
	case IDKindUUID:
		return nil, id.UUID()
	}
	return nil, nil
}

func idFromColumns(i *int64, u *uuid.UUID) ObjectID {
	switch {
	case i != nil:
		return IntID(*i)
	case u != nil:
		return UUIDID(*u)
	}
	return ObjectID{}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- role definitions ---

const roleDefinitionColumns = `id, name, description, content_type, managed, created_at, updated_at`

func scanRoleDefinition(row pgx.Row) (RoleDefinition, error) {
	var rd RoleDefinition
	err := row.Scan(&rd.ID, &rd.Name, &rd.Description, &rd.ContentType, &rd.Managed, &rd.CreatedAt, &rd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleDefinition{}, ErrNotFound
	}
	return rd, err
}

func (q *queries) loadPermissions(ctx context.Context, defs []RoleDefinition) ([]RoleDefinition, error) {
	if len(defs) == 0 {
		return defs, nil
	}
	ids := make([]int64, len(defs))
	index := make(map[int64]int, len(defs))
	for i, rd := range defs {
		ids[i] = rd.ID
		index[rd.ID] = i
	}
	rows, err := q.db.Query(ctx, `SELECT role_definition_id, codename, content_type
FROM rbac_role_definition_permissions WHERE role_definition_id = ANY($1) ORDER BY codename`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var defID int64
		var p Permission
		if err := rows.Scan(&defID, &p.Codename, &p.ContentType); err != nil {
			return nil, err
		}
		i := index[defID]
		defs[i].Permissions = append(defs[i].Permissions, p)
	}
	return defs, rows.Err()
}

func (q *queries) getRoleDefinitionWhere(ctx context.Context, where string, args ...any) (RoleDefinition, error) {
	rd, err := scanRoleDefinition(q.db.QueryRow(ctx, `SELECT `+roleDefinitionColumns+` FROM rbac_role_definitions WHERE `+where, args...))
	if err != nil {
		return RoleDefinition{}, err
	}
	defs, err := q.loadPermissions(ctx, []RoleDefinition{rd})
	if err != nil {
		return RoleDefinition{}, err
	}
	return defs[0], nil
}

func (q *queries) GetRoleDefinition(ctx context.Context, id int64) (RoleDefinition, error) {
	return q.getRoleDefinitionWhere(ctx, `id=$1`, id)
}

func (q *queries) GetRoleDefinitionByName(ctx context.Context, name string) (RoleDefinition, error) {
	return q.getRoleDefinitionWhere(ctx, `name=$1`, name)
}

func (q *queries) listRoleDefinitionsWhere(ctx context.Context, where string, args ...any) ([]RoleDefinition, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleDefinitionColumns+` FROM rbac_role_definitions WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []RoleDefinition
	for rows.Next() {
		rd, err := scanRoleDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return q.loadPermissions(ctx, defs)
}

func (q *queries) ListRoleDefinitions(ctx context.Context) ([]RoleDefinition, error) {
	return q.listRoleDefinitionsWhere(ctx, `TRUE`)
}

func (q *queries) FindRoleDefinitionByPermissions(ctx context.Context, contentType string, perms []Permission) (RoleDefinition, bool, error) {
	candidates, err := q.listRoleDefinitionsWhere(ctx, `content_type=$1`, contentType)
	if err != nil {
		return RoleDefinition{}, false, err
	}
	for _, rd := range candidates {
		if samePermissionSet(rd.Permissions, perms) {
			return rd, true, nil
		}
	}
	return RoleDefinition{}, false, nil
}

func samePermissionSet(a, b []Permission) bool {
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

func (q *queries) InsertRoleDefinition(ctx context.Context, rd RoleDefinition) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO rbac_role_definitions (name, description, content_type, managed, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW()) RETURNING id`, rd.Name, rd.Description, rd.ContentType, rd.Managed).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateName
		}
		return 0, err
	}
	for _, p := range rd.Permissions {
		if _, err := q.db.Exec(ctx, `INSERT INTO rbac_role_definition_permissions (role_definition_id, codename, content_type)
VALUES ($1,$2,$3)`, id, p.Codename, p.ContentType); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (q *queries) UpdateRoleDefinitionPermissions(ctx context.Context, id int64, perms []Permission) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM rbac_role_definition_permissions WHERE role_definition_id=$1`, id); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := q.db.Exec(ctx, `INSERT INTO rbac_role_definition_permissions (role_definition_id, codename, content_type)
VALUES ($1,$2,$3)`, id, p.Codename, p.ContentType); err != nil {
			return err
		}
	}
	_, err := q.db.Exec(ctx, `UPDATE rbac_role_definitions SET updated_at=NOW() WHERE id=$1`, id)
	return err
}

func (q *queries) DeleteRoleDefinition(ctx context.Context, id int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM rbac_assignments WHERE role_definition_id=$1`, id); err != nil {
		return err
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM rbac_role_definition_permissions WHERE role_definition_id=$1`, id); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `DELETE FROM rbac_role_definitions WHERE id=$1`, id)
	return err
}

// --- object roles ---

const objectRoleColumns = `id, role_definition_id, content_type, object_id_int, object_id_uuid, created_at`

func scanObjectRole(row pgx.Row) (ObjectRole, error) {
	var role ObjectRole
	var i *int64
	var u *uuid.UUID
	err := row.Scan(&role.ID, &role.RoleDefinitionID, &role.ContentType, &i, &u, &role.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ObjectRole{}, ErrNotFound
	}
	if err != nil {
		return ObjectRole{}, err
	}
	role.ObjectID = idFromColumns(i, u)
	return role, nil
}

func (q *queries) listObjectRoles(ctx context.Context, query string, args ...any) ([]ObjectRole, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []ObjectRole
	for rows.Next() {
		role, err := scanObjectRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (q *queries) GetObjectRoleByID(ctx context.Context, id int64) (ObjectRole, error) {
	return scanObjectRole(q.db.QueryRow(ctx, `SELECT `+objectRoleColumns+` FROM rbac_object_roles WHERE id=$1`, id))
}

func (q *queries) GetObjectRole(ctx context.Context, roleDefinitionID int64, ref ObjectRef) (ObjectRole, error) {
	iv, uv := idColumns(ref.ID)
	return scanObjectRole(q.db.QueryRow(ctx, `SELECT `+objectRoleColumns+` FROM rbac_object_roles
WHERE role_definition_id=$1 AND content_type=$2 AND object_id_int IS NOT DISTINCT FROM $3 AND object_id_uuid IS NOT DISTINCT FROM $4`,
		roleDefinitionID, ref.ContentType, iv, uv))
}

func (q *queries) InsertObjectRole(ctx context.Context, role ObjectRole) (int64, error) {
	iv, uv := idColumns(role.ObjectID)
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO rbac_object_roles (role_definition_id, content_type, object_id_int, object_id_uuid, created_at)
VALUES ($1,$2,$3,$4,NOW()) ON CONFLICT DO NOTHING RETURNING id`, role.RoleDefinitionID, role.ContentType, iv, uv).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return 0, ErrObjectRoleExists
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (q *queries) DeleteObjectRole(ctx context.Context, id int64) error {
	for _, stmt := range []string{
		`DELETE FROM rbac_assignments WHERE object_role_id=$1`,
		`DELETE FROM rbac_team_edges WHERE object_role_id=$1`,
		`DELETE FROM rbac_evaluations_int WHERE object_role_id=$1`,
		`DELETE FROM rbac_evaluations_uuid WHERE object_role_id=$1`,
		`DELETE FROM rbac_object_roles WHERE id=$1`,
	} {
		if _, err := q.db.Exec(ctx, stmt, id); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) ListObjectRolesForObject(ctx context.Context, ref ObjectRef) ([]ObjectRole, error) {
	iv, uv := idColumns(ref.ID)
	return q.listObjectRoles(ctx, `SELECT `+objectRoleColumns+` FROM rbac_object_roles
WHERE content_type=$1 AND object_id_int IS NOT DISTINCT FROM $2 AND object_id_uuid IS NOT DISTINCT FROM $3 ORDER BY id`,
		ref.ContentType, iv, uv)
}

func (q *queries) ListObjectRolesForRoleDefinition(ctx context.Context, roleDefinitionID int64) ([]ObjectRole, error) {
	return q.listObjectRoles(ctx, `SELECT `+objectRoleColumns+` FROM rbac_object_roles WHERE role_definition_id=$1 ORDER BY id`, roleDefinitionID)
}

func (q *queries) ListObjectRolesGranting(ctx context.Context, codename string) ([]ObjectRole, error) {
	return q.listObjectRoles(ctx, `SELECT r.id, r.role_definition_id, r.content_type, r.object_id_int, r.object_id_uuid, r.created_at
FROM rbac_object_roles r
JOIN rbac_role_definition_permissions p ON p.role_definition_id = r.role_definition_id
WHERE p.codename=$1 ORDER BY r.id`, codename)
}

func (q *queries) ListAllObjectRoles(ctx context.Context) ([]ObjectRole, error) {
	return q.listObjectRoles(ctx, `SELECT `+objectRoleColumns+` FROM rbac_object_roles ORDER BY id`)
}

func (q *queries) ListObjectRolesAssignedToTeam(ctx context.Context, teamID int64) ([]ObjectRole, error) {
	return q.listObjectRoles(ctx, `SELECT r.id, r.role_definition_id, r.content_type, r.object_id_int, r.object_id_uuid, r.created_at
FROM rbac_object_roles r
JOIN rbac_assignments a ON a.object_role_id = r.id
WHERE a.actor_kind=$1 AND a.actor_id=$2 ORDER BY r.id`, string(ActorTeam), teamID)
}

// --- assignments ---

const assignmentColumns = `id, actor_kind, actor_id, role_definition_id, COALESCE(object_role_id, 0), content_type, object_id_int, object_id_uuid, created_at`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	var kind string
	var i *int64
	var u *uuid.UUID
	err := row.Scan(&a.ID, &kind, &a.Actor.ID, &a.RoleDefinitionID, &a.ObjectRoleID, &a.ContentType, &i, &u, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	a.Actor.Kind = ActorKind(kind)
	a.ObjectID = idFromColumns(i, u)
	return a, nil
}

func (q *queries) listAssignments(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *queries) GetAssignment(ctx context.Context, actor Actor, roleDefinitionID, objectRoleID int64) (Assignment, error) {
	return scanAssignment(q.db.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM rbac_assignments
WHERE actor_kind=$1 AND actor_id=$2 AND role_definition_id=$3 AND COALESCE(object_role_id, 0)=$4`,
		string(actor.Kind), actor.ID, roleDefinitionID, objectRoleID))
}

func (q *queries) ListAssignmentsForActor(ctx context.Context, actor Actor) ([]Assignment, error) {
	return q.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM rbac_assignments
WHERE actor_kind=$1 AND actor_id=$2 ORDER BY id`, string(actor.Kind), actor.ID)
}

func (q *queries) ListAssignmentsForObjectRole(ctx context.Context, objectRoleID int64) ([]Assignment, error) {
	return q.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM rbac_assignments WHERE object_role_id=$1 ORDER BY id`, objectRoleID)
}

func (q *queries) CountAssignments(ctx context.Context, objectRoleID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM rbac_assignments WHERE object_role_id=$1`, objectRoleID).Scan(&n)
	return n, err
}

func (q *queries) ListObjectRoleIDsForActor(ctx context.Context, actor Actor) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT object_role_id FROM rbac_assignments
WHERE actor_kind=$1 AND actor_id=$2 AND object_role_id IS NOT NULL ORDER BY object_role_id`, string(actor.Kind), actor.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *queries) ListGlobalRoleDefinitionsForActors(ctx context.Context, actors []Actor) ([]RoleDefinition, error) {
	if len(actors) == 0 {
		return nil, nil
	}
	kinds := make([]string, len(actors))
	ids := make([]int64, len(actors))
	for i, a := range actors {
		kinds[i] = string(a.Kind)
		ids[i] = a.ID
	}
	rows, err := q.db.Query(ctx, `SELECT DISTINCT rd.id, rd.name, rd.description, rd.content_type, rd.managed, rd.created_at, rd.updated_at
FROM rbac_assignments a
JOIN unnest($1::text[], $2::bigint[]) AS actor(kind, id) ON a.actor_kind = actor.kind AND a.actor_id = actor.id
JOIN rbac_role_definitions rd ON rd.id = a.role_definition_id
WHERE a.object_role_id IS NULL ORDER BY rd.id`, kinds, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []RoleDefinition
	for rows.Next() {
		rd, err := scanRoleDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return q.loadPermissions(ctx, defs)
}

func (q *queries) InsertAssignment(ctx context.Context, a Assignment) (int64, error) {
	iv, uv := idColumns(a.ObjectID)
	var roleID any
	if a.ObjectRoleID != 0 {
		roleID = a.ObjectRoleID
	}
	var id int64
	err := q.db.QueryRow(ctx, `INSERT INTO rbac_assignments (actor_kind, actor_id, role_definition_id, object_role_id, content_type, object_id_int, object_id_uuid, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`, string(a.Actor.Kind), a.Actor.ID, a.RoleDefinitionID, roleID, a.ContentType, iv, uv).Scan(&id)
	return id, err
}

func (q *queries) DeleteAssignment(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM rbac_assignments WHERE id=$1`, id)
	return err
}

func (q *queries) DeleteAssignmentsForActor(ctx context.Context, actor Actor) ([]int64, error) {
	rows, err := q.db.Query(ctx, `DELETE FROM rbac_assignments WHERE actor_kind=$1 AND actor_id=$2
RETURNING COALESCE(object_role_id, 0)`, string(actor.Kind), actor.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- team edges ---

func (q *queries) ListTeamEdges(ctx context.Context) ([]TeamEdge, error) {
	rows, err := q.db.Query(ctx, `SELECT object_role_id, team_id FROM rbac_team_edges ORDER BY object_role_id, team_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []TeamEdge
	for rows.Next() {
		var e TeamEdge
		if err := rows.Scan(&e.ObjectRoleID, &e.TeamID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (q *queries) ListProvidedTeams(ctx context.Context, objectRoleIDs []int64) ([]int64, error) {
	if len(objectRoleIDs) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx, `SELECT DISTINCT team_id FROM rbac_team_edges WHERE object_role_id = ANY($1) ORDER BY team_id`, objectRoleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teams []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teams = append(teams, id)
	}
	return teams, rows.Err()
}

func (q *queries) ListRolesProvidingTeam(ctx context.Context, teamID int64) ([]ObjectRole, error) {
	return q.listObjectRoles(ctx, `SELECT r.id, r.role_definition_id, r.content_type, r.object_id_int, r.object_id_uuid, r.created_at
FROM rbac_object_roles r
JOIN rbac_team_edges e ON e.object_role_id = r.id
WHERE e.team_id=$1 ORDER BY r.id`, teamID)
}

func (q *queries) InsertTeamEdge(ctx context.Context, e TeamEdge) error {
	_, err := q.db.Exec(ctx, `INSERT INTO rbac_team_edges (object_role_id, team_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, e.ObjectRoleID, e.TeamID)
	return err
}

func (q *queries) DeleteTeamEdge(ctx context.Context, e TeamEdge) error {
	_, err := q.db.Exec(ctx, `DELETE FROM rbac_team_edges WHERE object_role_id=$1 AND team_id=$2`, e.ObjectRoleID, e.TeamID)
	return err
}

// --- evaluation cache ---

// evalTable dispatches to the matching cache partition by the id tag.
func evalTable(kind IDKind) (string, error) {
	switch kind {
	case IDKindInt:
		return "rbac_evaluations_int", nil
	case IDKindUUID:
		return "rbac_evaluations_uuid", nil
	}
	return "", fmt.Errorf("rbac: unsupported object id kind %d", kind)
}

func (q *queries) ListEvaluationsForRole(ctx context.Context, objectRoleID int64) ([]EvaluationEntry, error) {
	var out []EvaluationEntry
	for _, table := range []string{"rbac_evaluations_int", "rbac_evaluations_uuid"} {
		rows, err := q.db.Query(ctx, `SELECT codename, content_type, object_id, object_role_id FROM `+table+` WHERE object_role_id=$1`, objectRoleID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			e, err := scanEvaluation(rows, table)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanEvaluation(rows pgx.Rows, table string) (EvaluationEntry, error) {
	var e EvaluationEntry
	if table == "rbac_evaluations_int" {
		var id int64
		if err := rows.Scan(&e.Codename, &e.ContentType, &id, &e.ObjectRoleID); err != nil {
			return EvaluationEntry{}, err
		}
		e.ObjectID = IntID(id)
		return e, nil
	}
	var id uuid.UUID
	if err := rows.Scan(&e.Codename, &e.ContentType, &id, &e.ObjectRoleID); err != nil {
		return EvaluationEntry{}, err
	}
	e.ObjectID = UUIDID(id)
	return e, nil
}

func (q *queries) HasEvaluation(ctx context.Context, codename string, ref ObjectRef, objectRoleIDs []int64) (bool, error) {
	if len(objectRoleIDs) == 0 {
		return false, nil
	}
	table, err := evalTable(ref.ID.Kind())
	if err != nil {
		return false, err
	}
	var exists bool
	var idArg any
	if ref.ID.Kind() == IDKindInt {
		idArg = ref.ID.Int()
	} else {
		idArg = ref.ID.UUID()
	}
	err = q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+`
WHERE codename=$1 AND content_type=$2 AND object_id=$3 AND object_role_id = ANY($4))`,
		codename, ref.ContentType, idArg, objectRoleIDs).Scan(&exists)
	return exists, err
}

func (q *queries) EvaluationObjectIDs(ctx context.Context, contentType, codename string, objectRoleIDs []int64) ([]ObjectID, error) {
	if len(objectRoleIDs) == 0 {
		return nil, nil
	}
	var out []ObjectID
	rows, err := q.db.Query(ctx, `SELECT DISTINCT object_id FROM rbac_evaluations_int
WHERE content_type=$1 AND codename=$2 AND object_role_id = ANY($3) ORDER BY object_id`, contentType, codename, objectRoleIDs)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, IntID(id))
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	rows, err = q.db.Query(ctx, `SELECT DISTINCT object_id FROM rbac_evaluations_uuid
WHERE content_type=$1 AND codename=$2 AND object_role_id = ANY($3) ORDER BY object_id`, contentType, codename, objectRoleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, UUIDID(id))
	}
	return out, rows.Err()
}

// InsertEvaluations is duplicate-tolerant: concurrent recomputes of
// overlapping roles treat an existing row as already applied.
func (q *queries) InsertEvaluations(ctx context.Context, entries []EvaluationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		table, err := evalTable(e.ObjectID.Kind())
		if err != nil {
			return err
		}
		var idArg any
		if e.ObjectID.Kind() == IDKindInt {
			idArg = e.ObjectID.Int()
		} else {
			idArg = e.ObjectID.UUID()
		}
		batch.Queue(`INSERT INTO `+table+` (codename, content_type, object_id, object_role_id)
VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`, e.Codename, e.ContentType, idArg, e.ObjectRoleID)
	}
	return q.db.SendBatch(ctx, batch).Close()
}

func (q *queries) DeleteEvaluations(ctx context.Context, entries []EvaluationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		table, err := evalTable(e.ObjectID.Kind())
		if err != nil {
			return err
		}
		var idArg any
		if e.ObjectID.Kind() == IDKindInt {
			idArg = e.ObjectID.Int()
		} else {
			idArg = e.ObjectID.UUID()
		}
		batch.Queue(`DELETE FROM `+table+` WHERE codename=$1 AND content_type=$2 AND object_id=$3 AND object_role_id=$4`,
			e.Codename, e.ContentType, idArg, e.ObjectRoleID)
	}
	return q.db.SendBatch(ctx, batch).Close()
}

func (q *queries) DeleteEvaluationsForObject(ctx context.Context, ref ObjectRef) error {
	table, err := evalTable(ref.ID.Kind())
	if err != nil {
		return err
	}
	var idArg any
	if ref.ID.Kind() == IDKindInt {
		idArg = ref.ID.Int()
	} else {
		idArg = ref.ID.UUID()
	}
	_, err = q.db.Exec(ctx, `DELETE FROM `+table+` WHERE content_type=$1 AND object_id=$2`, ref.ContentType, idArg)
	return err
}

// --- object catalog ---

const objectColumns = `content_type, object_id_int, object_id_uuid, parent_type, parent_id_int, parent_id_uuid`

func scanObject(row pgx.Row) (Object, error) {
	var obj Object
	var i, pi *int64
	var u, pu *uuid.UUID
	var parentType *string
	err := row.Scan(&obj.ContentType, &i, &u, &parentType, &pi, &pu)
	if errors.Is(err, pgx.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	obj.ID = idFromColumns(i, u)
	if parentType != nil {
		obj.ParentType = *parentType
	}
	obj.ParentID = idFromColumns(pi, pu)
	return obj, nil
}

func (q *queries) GetObject(ctx context.Context, ref ObjectRef) (Object, error) {
	iv, uv := idColumns(ref.ID)
	return scanObject(q.db.QueryRow(ctx, `SELECT `+objectColumns+` FROM rbac_objects
WHERE content_type=$1 AND object_id_int IS NOT DISTINCT FROM $2 AND object_id_uuid IS NOT DISTINCT FROM $3`, ref.ContentType, iv, uv))
}

func (q *queries) ListObjectsOfType(ctx context.Context, contentType string) ([]Object, error) {
	rows, err := q.db.Query(ctx, `SELECT `+objectColumns+` FROM rbac_objects WHERE content_type=$1 ORDER BY object_id_int, object_id_uuid`, contentType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var objects []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

func (q *queries) ListDescendantIDs(ctx context.Context, descendantType string, ancestor ObjectRef) ([]ObjectID, error) {
	iv, uv := idColumns(ancestor.ID)
	rows, err := q.db.Query(ctx, `WITH RECURSIVE subtree AS (
  SELECT content_type, object_id_int, object_id_uuid FROM rbac_objects
  WHERE parent_type=$1 AND parent_id_int IS NOT DISTINCT FROM $2 AND parent_id_uuid IS NOT DISTINCT FROM $3
  UNION ALL
  SELECT o.content_type, o.object_id_int, o.object_id_uuid FROM rbac_objects o
  JOIN subtree s ON o.parent_type = s.content_type
    AND o.parent_id_int IS NOT DISTINCT FROM s.object_id_int
    AND o.parent_id_uuid IS NOT DISTINCT FROM s.object_id_uuid
)
SELECT object_id_int, object_id_uuid FROM subtree WHERE content_type=$4 ORDER BY object_id_int, object_id_uuid`,
		ancestor.ContentType, iv, uv, descendantType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []ObjectID
	for rows.Next() {
		var i *int64
		var u *uuid.UUID
		if err := rows.Scan(&i, &u); err != nil {
			return nil, err
		}
		ids = append(ids, idFromColumns(i, u))
	}
	return ids, rows.Err()
}

func (q *queries) UpsertObject(ctx context.Context, obj Object) error {
	iv, uv := idColumns(obj.ID)
	pi, pu := idColumns(obj.ParentID)
	var parentType any
	if obj.ParentType != "" {
		parentType = obj.ParentType
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM rbac_objects
WHERE content_type=$1 AND object_id_int IS NOT DISTINCT FROM $2 AND object_id_uuid IS NOT DISTINCT FROM $3`, obj.ContentType, iv, uv); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `INSERT INTO rbac_objects (content_type, object_id_int, object_id_uuid, parent_type, parent_id_int, parent_id_uuid)
VALUES ($1,$2,$3,$4,$5,$6)`, obj.ContentType, iv, uv, parentType, pi, pu)
	return err
}

func (q *queries) DeleteObject(ctx context.Context, ref ObjectRef) error {
	iv, uv := idColumns(ref.ID)
	_, err := q.db.Exec(ctx, `DELETE FROM rbac_objects
WHERE content_type=$1 AND object_id_int IS NOT DISTINCT FROM $2 AND object_id_uuid IS NOT DISTINCT FROM $3`, ref.ContentType, iv, uv)
	return err
}
