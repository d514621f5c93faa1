package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers the scheduling API reads from browsers and hands back to them.
var (
	DefaultCORSHeaders  = []string{"Authorization", "Content-Type", "X-Clinic-Id", "X-Request-ID"}
	DefaultCORSMethods  = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	DefaultCORSExposed  = []string{"X-Request-ID", "Retry-After"}
	defaultCORSMaxAge   = 10 * time.Minute
	corsPreflightHeader = "Access-Control-Request-Method"
)

// CORSConfig lists what cross-origin callers may do. Empty lists fall back to
// the Default* values; an origin of "*" echoes any Origin back.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedHeaders []string
	AllowedMethods []string
	ExposedHeaders []string
	MaxAge         time.Duration
}

// Enabled reports whether any origin is configured.
func (c CORSConfig) Enabled() bool {
	for _, origin := range c.AllowedOrigins {
		if strings.TrimSpace(origin) != "" {
			return true
		}
	}
	return false
}

// CORS answers preflights for allowed origins and decorates their requests.
// Preflights asking for a method outside AllowedMethods get a bare 204 that
// browsers treat as a refusal.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAny := false
	origins := map[string]struct{}{}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			allowAny = true
		default:
			origins[origin] = struct{}{}
		}
	}

	methods := orDefault(cfg.AllowedMethods, DefaultCORSMethods)
	allowedMethod := map[string]bool{}
	for _, m := range methods {
		allowedMethod[strings.ToUpper(m)] = true
	}
	allowHeaders := strings.Join(orDefault(cfg.AllowedHeaders, DefaultCORSHeaders), ", ")
	allowMethods := strings.Join(methods, ", ")
	exposeHeaders := strings.Join(orDefault(cfg.ExposedHeaders, DefaultCORSExposed), ", ")
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	maxAgeSeconds := strconv.Itoa(int(maxAge / time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			_, listed := origins[origin]
			allowed := origin != "" && (allowAny || listed)
			preflight := r.Method == http.MethodOptions && origin != "" && r.Header.Get(corsPreflightHeader) != ""

			if !allowed {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if !preflight {
				h.Set("Access-Control-Expose-Headers", exposeHeaders)
				next.ServeHTTP(w, r)
				return
			}

			if allowedMethod[strings.ToUpper(r.Header.Get(corsPreflightHeader))] {
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Allow-Methods", allowMethods)
				h.Set("Access-Control-Max-Age", maxAgeSeconds)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func orDefault(values, fallback []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
