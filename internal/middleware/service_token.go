package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/alipayeth/backend/internal/httpjson"
)

// ServiceToken guards machine-to-machine endpoints with a shared bearer
// token. An empty token disables the check.
func ServiceToken(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := sha256.Sum256([]byte(extractBearer(r)))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
