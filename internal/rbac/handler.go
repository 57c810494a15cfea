package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/trellisauth/trellis/internal/platform/httpx"
	"github.com/trellisauth/trellis/internal/shared"
)

// The engine's own admin surface is governed by the engine itself:
// "roledefinition" is registered as a root type and these codenames gate
// the HTTP routes below.
const (
	TypeRoleDefinition           = "roledefinition"
	CodenameViewRoleDefinition   = "view_roledefinition"
	CodenameChangeRoleDefinition = "change_roledefinition"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     Middleware
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), rbac: rbac}
}

// MountRoutes registers the engine routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireGlobal(CodenameViewRoleDefinition, CodenameChangeRoleDefinition))
		r.Get("/roledefinitions", h.listRoleDefinitions)
		r.Get("/roledefinitions/{id}", h.getRoleDefinition)
		r.Get("/permissions", h.listPermissions)
		r.Get("/drift", h.driftReport)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireGlobal(CodenameChangeRoleDefinition))
		r.Post("/roledefinitions", h.createRoleDefinition)
		r.Delete("/roledefinitions/{id}", h.deleteRoleDefinition)
		r.Post("/roledefinitions/{id}/permissions", h.addPermission)
		r.Delete("/roledefinitions/{id}/permissions/{codename}", h.removePermission)
		r.Post("/assignments", h.give)
		r.Post("/assignments/revoke", h.revoke)
		r.Post("/assignments/global", h.giveGlobal)
		r.Post("/assignments/global/revoke", h.revokeGlobal)
		r.Get("/assignments/{actorKind}/{actorID}", h.listAssignments)
	})
	r.Get("/access/check", h.checkAccess)
	r.Get("/access/objects", h.accessibleObjects)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	if !shared.IsValidation(err) {
		h.logger.Error("rbac handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

type permissionPayload struct {
	Codename    string `json:"codename"`
	ContentType string `json:"content_type"`
}

type roleDefinitionPayload struct {
	ID          int64               `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Managed     bool                `json:"managed"`
	Permissions []permissionPayload `json:"permissions"`
}

func roleDefinitionToPayload(rd RoleDefinition) roleDefinitionPayload {
	out := roleDefinitionPayload{
		ID:          rd.ID,
		Name:        rd.Name,
		Description: rd.Description,
		ContentType: rd.ContentType,
		Managed:     rd.Managed,
	}
	for _, p := range rd.Permissions {
		out.Permissions = append(out.Permissions, permissionPayload{Codename: p.Codename, ContentType: p.ContentType})
	}
	return out
}

type roleDefinitionListPayload struct {
	RoleDefinitions []roleDefinitionPayload `json:"role_definitions"`
	Pagination      paginationPayload       `json:"pagination"`
}

type paginationPayload struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func (h *Handler) listRoleDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.service.ListRoleDefinitions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	p := shared.NewPagination(page, perPage, len(defs))
	lo, hi := p.Bounds()
	out := roleDefinitionListPayload{
		RoleDefinitions: make([]roleDefinitionPayload, 0, hi-lo),
		Pagination:      paginationPayload(p),
	}
	for _, rd := range defs[lo:hi] {
		out.RoleDefinitions = append(out.RoleDefinitions, roleDefinitionToPayload(rd))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getRoleDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role definition id")
		return
	}
	rd, err := h.service.GetRoleDefinition(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roleDefinitionToPayload(rd))
}

type createRoleDefinitionRequest struct {
	Name        string   `json:"name" validate:"required,max=150"`
	Description string   `json:"description"`
	ContentType string   `json:"content_type"`
	Codenames   []string `json:"codenames" validate:"required,min=1,dive,required"`
	GetOrCreate bool     `json:"get_or_create"`
}

func (h *Handler) createRoleDefinition(w http.ResponseWriter, r *http.Request) {
	var req createRoleDefinitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := RoleDefinitionInput{
		Name:        req.Name,
		Description: req.Description,
		ContentType: req.ContentType,
		Codenames:   req.Codenames,
	}
	var (
		rd  RoleDefinition
		err error
	)
	if req.GetOrCreate {
		rd, err = h.service.GetOrCreateRoleDefinition(r.Context(), input)
	} else {
		rd, err = h.service.CreateRoleDefinition(r.Context(), input)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, roleDefinitionToPayload(rd))
}

func (h *Handler) deleteRoleDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role definition id")
		return
	}
	if err := h.service.DeleteRoleDefinition(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editPermissionRequest struct {
	Codename string `json:"codename" validate:"required"`
}

func (h *Handler) addPermission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role definition id")
		return
	}
	var req editPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.AddPermission(r.Context(), id, req.Codename); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role definition id")
		return
	}
	if err := h.service.RemovePermission(r.Context(), id, chi.URLParam(r, "codename")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignmentRequest struct {
	ActorKind        string `json:"actor_kind" validate:"required,oneof=user team"`
	ActorID          int64  `json:"actor_id" validate:"required"`
	RoleDefinitionID int64  `json:"role_definition_id" validate:"required"`
	ContentType      string `json:"content_type" validate:"required"`
	ObjectID         string `json:"object_id" validate:"required"`
}

type assignmentPayload struct {
	ID               int64  `json:"id"`
	ActorKind        string `json:"actor_kind"`
	ActorID          int64  `json:"actor_id"`
	RoleDefinitionID int64  `json:"role_definition_id"`
	ContentType      string `json:"content_type,omitempty"`
	ObjectID         string `json:"object_id,omitempty"`
	Global           bool   `json:"global"`
}

func assignmentToPayload(a Assignment) assignmentPayload {
	return assignmentPayload{
		ID:               a.ID,
		ActorKind:        string(a.Actor.Kind),
		ActorID:          a.Actor.ID,
		RoleDefinitionID: a.RoleDefinitionID,
		ContentType:      a.ContentType,
		ObjectID:         a.ObjectID.String(),
		Global:           a.Global(),
	}
}

func (h *Handler) decodeAssignment(w http.ResponseWriter, r *http.Request) (Actor, int64, ObjectRef, bool) {
	var req assignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return Actor{}, 0, ObjectRef{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return Actor{}, 0, ObjectRef{}, false
	}
	id, err := ParseObjectID(req.ObjectID)
	if err != nil {
		h.respondError(w, err)
		return Actor{}, 0, ObjectRef{}, false
	}
	actor := Actor{Kind: ActorKind(req.ActorKind), ID: req.ActorID}
	return actor, req.RoleDefinitionID, ObjectRef{ContentType: req.ContentType, ID: id}, true
}

func (h *Handler) give(w http.ResponseWriter, r *http.Request) {
	actor, rdID, ref, ok := h.decodeAssignment(w, r)
	if !ok {
		return
	}
	a, err := h.service.Give(r.Context(), actor, rdID, ref)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignmentToPayload(a))
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	actor, rdID, ref, ok := h.decodeAssignment(w, r)
	if !ok {
		return
	}
	if err := h.service.Revoke(r.Context(), actor, rdID, ref); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type globalAssignmentRequest struct {
	ActorKind        string `json:"actor_kind" validate:"required,oneof=user team"`
	ActorID          int64  `json:"actor_id" validate:"required"`
	RoleDefinitionID int64  `json:"role_definition_id" validate:"required"`
}

func (h *Handler) decodeGlobalAssignment(w http.ResponseWriter, r *http.Request) (Actor, int64, bool) {
	var req globalAssignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return Actor{}, 0, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return Actor{}, 0, false
	}
	return Actor{Kind: ActorKind(req.ActorKind), ID: req.ActorID}, req.RoleDefinitionID, true
}

func (h *Handler) giveGlobal(w http.ResponseWriter, r *http.Request) {
	actor, rdID, ok := h.decodeGlobalAssignment(w, r)
	if !ok {
		return
	}
	a, err := h.service.GiveGlobal(r.Context(), actor, rdID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignmentToPayload(a))
}

func (h *Handler) revokeGlobal(w http.ResponseWriter, r *http.Request) {
	actor, rdID, ok := h.decodeGlobalAssignment(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeGlobal(r.Context(), actor, rdID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	kind := ActorKind(chi.URLParam(r, "actorKind"))
	if kind != ActorUser && kind != ActorTeam {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor kind must be user or team")
		return
	}
	actorID, err := strconv.ParseInt(chi.URLParam(r, "actorID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid actor id")
		return
	}
	assignments, err := h.service.ListAssignments(r.Context(), Actor{Kind: kind, ID: actorID})
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]assignmentPayload, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, assignmentToPayload(a))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms := h.service.Registry().AllPermissions()
	out := make([]permissionPayload, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionPayload{Codename: p.Codename, ContentType: p.ContentType})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	if ident == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	codename := r.URL.Query().Get("codename")
	contentType := r.URL.Query().Get("content_type")
	if codename == "" || contentType == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "codename and content_type are required")
		return
	}
	id, err := ParseObjectID(r.URL.Query().Get("object_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	allowed, err := h.service.HasPermission(r.Context(), ident, ObjectRef{ContentType: contentType, ID: id}, codename)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handler) accessibleObjects(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	if ident == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	codename := r.URL.Query().Get("codename")
	contentType := r.URL.Query().Get("content_type")
	if codename == "" || contentType == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "codename and content_type are required")
		return
	}
	ids, unrestricted, err := h.service.AccessibleIDs(r.Context(), ident, contentType, codename)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := struct {
		Unrestricted bool     `json:"unrestricted"`
		ObjectIDs    []string `json:"object_ids"`
	}{Unrestricted: unrestricted, ObjectIDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		out.ObjectIDs = append(out.ObjectIDs, id.String())
	}
	httpx.JSON(w, http.StatusOK, out)
}

type driftRolePayload struct {
	ObjectRoleID int64 `json:"object_role_id"`
	Missing      int   `json:"missing"`
	Extra        int   `json:"extra"`
}

func (h *Handler) driftReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.AuditDrift(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := struct {
		RolesChecked int                `json:"roles_checked"`
		Clean        bool               `json:"clean"`
		Drift        []driftRolePayload `json:"drift"`
	}{RolesChecked: report.RolesChecked, Clean: report.Clean(), Drift: make([]driftRolePayload, 0, len(report.Drift))}
	for _, d := range report.Drift {
		out.Drift = append(out.Drift, driftRolePayload{ObjectRoleID: d.ObjectRoleID, Missing: len(d.Missing), Extra: len(d.Extra)})
	}
	httpx.JSON(w, http.StatusOK, out)
}
