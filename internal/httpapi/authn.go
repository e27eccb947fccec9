package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/auth/register",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth resolves the bearer token into an auth.Identity for every
// non-public path.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="zakat"`)
			writeRPCError(w, r, apperr.ErrUnauthenticated, err.Error())
			return
		}
		if a.auth == nil || !a.auth.SupportsTokens() {
			writeRPCError(w, r, apperr.ErrUnauthenticated, "token verification unavailable")
			return
		}
		id, err := a.auth.VerifyToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="zakat", error="invalid_token"`)
			writeRPCError(w, r, err, "")
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole admits only identities holding one of roles.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok || !id.Authenticated() {
				w.Header().Set("WWW-Authenticate", `Bearer realm="zakat"`)
				writeRPCError(w, r, apperr.ErrUnauthenticated, "authentication required")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="zakat", error="insufficient_scope"`)
			writeRPCError(w, r, apperr.ErrPermissionDenied, "role not permitted")
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
