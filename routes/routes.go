package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/prompt-firewall/app"
	"github.com/upb/prompt-firewall/handlers"
	"github.com/upb/prompt-firewall/middleware"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/utils"
)

// requestTimeout bounds a whole request, model call included
const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.TenantHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.SQLDB(), deps.Logger).
		WithCheck("audit", deps.CheckAudit)
	if deps.Config.AuditDatabase != nil {
		health.WithCheck("audit_database", deps.CheckStore)
	}
	query := handlers.NewQueryHandler(deps.Firewall, deps.Logger)
	policies := handlers.NewPolicyHandler(deps.Policies, deps.Logger)
	logs := handlers.NewLogsHandler(deps.Audit, deps.Logger)
	tenants := handlers.NewTenantHandler(deps.Tenants, deps.Logger)

	// Health check endpoints
	r.Get("/health", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// Public routes; a bearer token, when sent, must be valid
		r.With(deps.AuthMiddleware.OptionalAuth).Post("/query", query.HandleQuery)
		r.Get("/tenants", tenants.HandleListTenants)

		// Policy management (require admin role)
		r.Route("/policy", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(models.RoleAdmin, models.RoleSuperAdmin))
			r.Use(deps.AuthMiddleware.ResolveTenant)
			r.Get("/", policies.HandleListPolicies)
			r.Post("/", policies.HandleCreatePolicy)
			r.Get("/{id}", policies.HandleGetPolicy)
			r.Put("/{id}", policies.HandleUpdatePolicy)
			r.Delete("/{id}", policies.HandleDeletePolicy)
			r.Get("/{id}/history", policies.HandlePolicyHistory)
			r.Post("/{id}/rollback", policies.HandleRollbackPolicy)
		})

		// Audit logs (require admin role)
		r.Route("/logs", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(models.RoleAdmin, models.RoleSuperAdmin))
			r.Use(deps.AuthMiddleware.ResolveTenant)
			r.Get("/", logs.HandleListLogs)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path, nil)
	})

	return r
}
