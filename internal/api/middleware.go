package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
	"github.com/teresa-solution/federated-search-service/internal/model"
)

const (
	TenantHeader = "X-Tenant-ID"
	RoleHeader   = "X-Tenant-Role"
)

type principalKey struct{}

// tenantMiddleware reads the identity resolved by the upstream authentication layer.
// Requests without a tenant never reach a handler.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			writeError(w, apperr.InvalidRequest("%s header required", TenantHeader))
			return
		}

		p := model.Principal{TenantID: tenantID, Role: r.Header.Get(RoleHeader)}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		log.Debug().Str("tenant_id", tenantID).Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("Request handled")
	})
}

// PrincipalFrom returns the identity attached by the tenant middleware
func PrincipalFrom(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(model.Principal)
	return p, ok
}

func tenantFrom(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.TenantID
}
