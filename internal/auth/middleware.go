package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

const userIDContextKey contextKey = "user_id"

// WithUserID stores the authenticated user in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserID returns the authenticated user stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDContextKey).(string)
	return id, ok && id != ""
}

// TokenFromRequest extracts a bearer token from the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// StreamToken is TokenFromRequest with a fallback to the "token" query
// parameter. EventSource clients cannot set headers.
func StreamToken(r *http.Request) string {
	if token := TokenFromRequest(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid bearer header with 401 and
// stores the user ID in the request context otherwise.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return t.authenticate(TokenFromRequest, next)
}

// StreamMiddleware is Middleware for SSE routes, which also accept the
// token as a query parameter. Query strings end up in access logs, so no
// other route takes this form.
func (t *Tokens) StreamMiddleware(next http.Handler) http.Handler {
	return t.authenticate(StreamToken, next)
}

func (t *Tokens) authenticate(extract func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := t.Verify(extract(r))
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected unauthenticated request")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
