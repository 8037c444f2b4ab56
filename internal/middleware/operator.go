package myMiddleware

import (
	"crypto/subtle"
	"net/http"

	"go-chatrelay/internal/logger"
)

// OperatorHeader carries the operator credential for admin routes.
const OperatorHeader = "X-Operator-Token"

// RequireOperator guards admin routes with a shared operator token. User
// JWTs are not accepted. With no token configured the routes answer 404.
func RequireOperator(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}
			got := r.Header.Get(OperatorHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log := logger.Ctx(r.Context())
				log.Warn().Str("path", r.URL.Path).Msg("⚠️ Rejected operator request")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
