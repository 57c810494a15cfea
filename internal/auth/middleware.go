package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/trellisauth/trellis/internal/platform/httpx"
	"github.com/trellisauth/trellis/internal/shared"
)

// Middleware resolves the Authorization bearer token and stores the
// caller identity in the request context. Requests without a bearer
// token pass through anonymous; route guards decide what that means.
// A token that is present but invalid is rejected here.
func Middleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ident, err := svc.Resolve(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, shared.ErrInvalidToken) {
					logger.Error("resolve token", slog.Any("error", err))
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
					return
				}
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), ident)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
