package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/odonto-platform/internal/http/middleware"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// RouteRegistrar is implemented by every domain handler.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Config holds router configuration
type Config struct {
	Logger *logging.Logger

	// Clinic-scoped handlers, mounted for X-Clinic-Id callers and again under
	// /admin/clinics/{clinicID}.
	ClinicHandler       RouteRegistrar
	AvailabilityHandler RouteRegistrar
	RecurrenceHandler   RouteRegistrar
	ExpansionHandler    RouteRegistrar

	// Super-admin only.
	AuditHandler RouteRegistrar

	AdminAuthSecret string
	MetricsHandler  http.Handler
	CORS            httpmiddleware.CORSConfig
	RateLimiter     *httpmiddleware.RateLimiter
	HealthChecks    map[string]HealthCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.CORS.Enabled() {
		r.Use(httpmiddleware.CORS(cfg.CORS))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	domain := cfg.clinicScoped()

	// Admin routes (HMAC JWT)
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Route("/clinics/{clinicID}", func(clinicRoutes chi.Router) {
				clinicRoutes.Use(actAsClinic)
				for _, h := range domain {
					h.RegisterRoutes(clinicRoutes)
				}
			})
			if cfg.AuditHandler != nil {
				admin.Group(func(superAdmin chi.Router) {
					superAdmin.Use(httpmiddleware.RequireSuperAdmin)
					cfg.AuditHandler.RegisterRoutes(superAdmin)
				})
			}
		})
	}

	// Tenant-scoped API routes
	r.Group(func(tenant chi.Router) {
		tenant.Use(requireClinicID)
		if cfg.RateLimiter != nil {
			tenant.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
		}
		for _, h := range domain {
			h.RegisterRoutes(tenant)
		}
	})

	return r
}

func (cfg *Config) clinicScoped() []RouteRegistrar {
	var out []RouteRegistrar
	for _, h := range []RouteRegistrar{cfg.ClinicHandler, cfg.AvailabilityHandler, cfg.RecurrenceHandler, cfg.ExpansionHandler} {
		if !isNil(h) {
			out = append(out, h)
		}
	}
	return out
}
