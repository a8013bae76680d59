package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Custodia-Network/treasury_core/internal/auth"
)

// Caller identity arrives from the authenticating gateway in headers;
// the core only decides allow/deny.
const (
	headerUserID = "X-User-Id"
	headerOrgID  = "X-Org-Id"
)

// requirePermission guards a route with an RBAC check. With no
// permission backend configured the check is skipped, which is the
// single-tenant deployment mode.
func (s *Server) requirePermission(module, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.Permissions == nil {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := uuid.Parse(r.Header.Get(headerUserID))
			if err != nil {
				s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing caller identity"})
				return
			}
			ac := auth.Context{UserID: userID, OrgID: r.Header.Get(headerOrgID)}

			allowed, err := s.cfg.Permissions.Check(r.Context(), ac, module, action, nil)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if !allowed {
				s.writeJSON(w, http.StatusForbidden, errorBody{Error: "permission denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
