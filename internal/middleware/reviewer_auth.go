package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/alipayeth/backend/internal/httpjson"
)

type contextKey string

const ctxReviewerKey contextKey = "reviewer"

// TokenValidator is satisfied by auth.Service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, string, error)
}

// ReviewerAuth requires a valid reviewer JWT in the Authorization header and
// stores the reviewer id in the request context.
func ReviewerAuth(validator TokenValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				httpjson.Error(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			id, gotRole, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				httpjson.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if role != "" && gotRole != role {
				httpjson.Error(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), id)))
		})
	}
}

// ReviewerFromCtx returns the authenticated reviewer id or "".
func ReviewerFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxReviewerKey).(string)
	return id
}

// WithReviewer returns a context carrying the given reviewer id.
func WithReviewer(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxReviewerKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
