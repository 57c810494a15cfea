package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trellisauth/trellis/internal/shared"
)

// Middleware wires authorization checks for HTTP handlers. Checks go
// through the evaluation API, so they cost one cache lookup.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireGlobal ensures the caller holds at least one of the codenames
// system-wide. Bypass flags pass unconditionally.
func (m Middleware) RequireGlobal(codenames ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := shared.IdentityFromContext(r.Context())
			if ident == nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if m.Service.hasBypass(ident) {
				next.ServeHTTP(w, r)
				return
			}
			global, err := m.Service.GlobalCodenames(r.Context(), ident.UserID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authorize global", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			for _, codename := range codenames {
				if _, ok := global[codename]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireOnObject ensures the caller holds codename on the object named
// by the {param} URL segment of the given content type.
func (m Middleware) RequireOnObject(codename, contentType, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := shared.IdentityFromContext(r.Context())
			if ident == nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			id, err := ParseObjectID(chi.URLParam(r, param))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			ok, err := m.Service.HasPermission(r.Context(), ident, ObjectRef{ContentType: contentType, ID: id}, codename)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authorize object", slog.String("codename", codename), slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseObjectID reads an object identifier off the wire: decimal digits
// become the integer arm, anything else must parse as a UUID.
func ParseObjectID(raw string) (ObjectID, error) {
	if raw == "" {
		return ObjectID{}, shared.Validationf("object_id", "object id required")
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return IntID(v), nil
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return ObjectID{}, shared.Validationf("object_id", "invalid object id %q", raw)
	}
	return UUIDID(u), nil
}
