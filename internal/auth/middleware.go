package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

// SessionCookieName is the cookie carrying the session JWT.
const SessionCookieName = "token"

// contextKey is unexported so no other package can read or shadow our values.
type contextKey string

const userIDKey contextKey = "userID"

// RequireAuth rejects requests without a valid session cookie with 401 JSON.
// Use it on API-style routes.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extractUserID(r, tokens)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, `{"error":"unauthorized","message":"valid authentication required"}`)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// RequireSignIn sends anonymous browsers to signInPath with a returnUrl
// pointing back at the original request. Use it on navigations.
func RequireSignIn(tokens *TokenService, signInPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extractUserID(r, tokens)
			if err != nil {
				target := signInPath + "?" + url.Values{"returnUrl": {r.URL.RequestURI()}}.Encode()
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// OptionalAuth attaches the user id when a valid cookie is present and never
// blocks the request.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID, err := extractUserID(r, tokens); err == nil && userID != "" {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RoleChecker answers role questions about a user.
type RoleChecker interface {
	UserHasRole(ctx context.Context, userID, role string) (bool, error)
}

// RequireRole must run after RequireAuth. Users without role get 403.
func RequireRole(roles RoleChecker, role string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, `{"error":"unauthorized"}`)
				return
			}

			allowed, err := roles.UserHasRole(r.Context(), userID, role)
			if err != nil {
				logger.Error("role check failed",
					slog.String("userID", userID),
					slog.String("role", role),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusForbidden, `{"error":"forbidden"}`)
				return
			}
			if !allowed {
				writeJSONError(w, http.StatusForbidden, `{"error":"forbidden"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns ("", false) for anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func extractUserID(r *http.Request, tokens *TokenService) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", err
	}
	return tokens.Validate(cookie.Value)
}

// writeJSONError writes a fixed JSON body; http.Error would force text/plain.
func writeJSONError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
