package server

import (
	"net/http"
	"strings"

	"github.com/jacksonlee411/Blossom-Console/internal/routing"
	"github.com/jacksonlee411/Blossom-Console/pkg/authz"
)

const (
	principalIDHeader   = "X-Principal-ID"
	principalRoleHeader = "X-Principal-Role"
)

// tenantContextMiddleware resolves the tenant from the request host and the
// operator principal from the gateway identity headers. Requests for unknown
// hosts are refused before any handler runs.
func tenantContextMiddleware(tenants map[string]Tenant, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenantByHost(tenants, r.Host)
		if !ok {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusForbidden, "tenant_unknown", "unknown tenant host")
			return
		}
		ctx := withTenant(r.Context(), tenant)

		principalID := strings.TrimSpace(r.Header.Get(principalIDHeader))
		roleSlug := strings.TrimSpace(r.Header.Get(principalRoleHeader))
		if principalID != "" {
			ctx = withPrincipal(ctx, Principal{
				ID:       principalID,
				TenantID: tenant.ID,
				RoleSlug: roleSlug,
			})
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates a route on the casbin admin decision for one object.
func requireAdmin(authorizer *authz.Authorizer, object string, rc routing.RouteClass, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}
		principal, ok := currentPrincipal(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "principal_missing", "principal missing")
			return
		}

		subject := authz.SubjectFromRoleSlug(principal.RoleSlug)
		domain := authz.DomainFromTenantID(tenant.ID)
		allowed, enforced, err := authorizer.Authorize(subject, domain, object, authz.ActionAdmin)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authorization failed")
			return
		}
		if !allowed && enforced {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
