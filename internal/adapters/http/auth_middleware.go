package httpadapter

import (
	"context"
	"net/http"
	"strings"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

type apiKeyContextKey struct{}

// requireAuth verifies the Authorization: Bearer header against the
// credential service and rejects the request before it reaches the handler
// if the key is missing, unknown, or inactive.
func (rt *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := rt.authenticate(r)
		if err != nil {
			writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin additionally demands the admin role, used to gate
// credential issuance.
func (rt *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := rt.authenticate(r)
		if err != nil {
			writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
			return
		}
		if key.Role != domain.APIKeyRoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
		next(w, r.WithContext(ctx))
	}
}

func (rt *Router) authenticate(r *http.Request) (*domain.APIKey, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, domain.ErrUnauthorized
	}
	token := strings.TrimSpace(header[len(prefix):])
	return rt.credential.Verify(r.Context(), token)
}
