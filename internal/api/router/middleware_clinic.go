package router

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"

	httpmiddleware "github.com/wolfman30/odonto-platform/internal/http/middleware"
	"github.com/wolfman30/odonto-platform/internal/tenancy"
)

const clinicHeader = "X-Clinic-Id"

// requireClinicID middleware enforces multi-tenancy headers for API requests.
func requireClinicID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clinicID := strings.TrimSpace(r.Header.Get(clinicHeader))
		if clinicID == "" {
			writeError(w, http.StatusBadRequest, "missing X-Clinic-Id")
			return
		}
		ctx := tenancy.WithClinicID(r.Context(), clinicID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actAsClinic scopes an admin request to the {clinicID} path parameter. Staff
// tokens only reach their own clinic; a super admin reaching another clinic is
// recorded as impersonating it.
func actAsClinic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
		claims, ok := httpmiddleware.AdminClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing admin claims")
			return
		}
		if clinicID == "" || !claims.CanAccess(clinicID) {
			writeError(w, http.StatusForbidden, "clinic not accessible")
			return
		}

		ctx := tenancy.WithClinicID(r.Context(), clinicID)
		actor := tenancy.ActorFromContext(ctx)
		if claims.SuperAdmin && claims.ClinicID != clinicID {
			actor.Impersonates = clinicID
			ctx = tenancy.WithActor(ctx, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// isNil catches typed nil handlers stored in a RouteRegistrar.
func isNil(h RouteRegistrar) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
