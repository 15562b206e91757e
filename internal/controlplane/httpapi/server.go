package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/opsguard/conductor/internal/adapters"
	"github.com/opsguard/conductor/internal/controlplane/audit/hashchain"
	"github.com/opsguard/conductor/internal/controlplane/runapproval"
	"github.com/opsguard/conductor/internal/controlplane/scim"
	"github.com/opsguard/conductor/internal/controlplane/users"
	"github.com/opsguard/conductor/internal/execengine"
	"github.com/opsguard/conductor/internal/metering"
	"github.com/opsguard/conductor/internal/ratelimit"
	"github.com/opsguard/conductor/internal/runstream"
	"github.com/opsguard/conductor/internal/tenancy"
)

// Server wires the conductor's domain packages behind spec.md §6's HTTP
// surface, the same "construct collaborators, build one mux" shape
// cmd/control-plane/main.go's stub sketched and internal/controlplane/
// server.Server built out for the probe fleet, generalized from probes to
// tenants/runs/runbooks/policies.
type Server struct {
	log *zap.Logger

	tenants    *TenantStore
	binder     *tenancy.Binder
	runbooks   *execengine.RunbookStore
	policies   *PolicyStore
	engine     *execengine.Engine
	registry   *adapters.Registry
	approvals  *runapproval.Queue
	audit      *hashchain.Store
	quotas     *metering.Enforcer
	limiter    *ratelimit.Store
	stream     *runstream.Hub
	users      *users.Store
	scimHandler *scim.Handler
	flags      *FeatureFlagStore
}

// Config bundles every environment-derived setting Server's constructor
// needs.
type Config struct {
	AuditHMACSecret     []byte
	ApprovalSigTTL      time.Duration
	RateLimitDefaultRPS int
	RateLimitBurst      int
	AuditDBPath         string
	ApprovalQueueMax    int
	QuotasNow           func() time.Time
}

// NewServer constructs every domain collaborator and wires them into one
// Server. auditStore/usersStore/scimHandler may be nil (disables that
// surface); everything else is required.
func NewServer(log *zap.Logger, cfg Config, auditStore *hashchain.Store, usersStore *users.Store, scimHandler *scim.Handler) *Server {
	if cfg.QuotasNow == nil {
		cfg.QuotasNow = time.Now
	}
	flags := NewFeatureFlagStore()
	registry := adapters.NewRegistry(EnvVariantSource{flags: flags})
	registry.Register(adapters.MockGitHubAdapter{})
	registry.Register(adapters.MockJiraAdapter{})
	registry.Register(adapters.MockPagerDutyAdapter{})
	registry.Register(adapters.MockK8sAdapter{})

	runbooks := execengine.NewRunbookStore()
	policies := NewPolicyStore(runbooks)
	binder := tenancy.NewBinder()
	approvals := runapproval.NewQueue(cfg.AuditHMACSecret, cfg.ApprovalSigTTL, cfg.ApprovalQueueMax)
	quotas := metering.NewEnforcer(cfg.QuotasNow)
	stream := runstream.NewHub(256)

	var auditSink execengine.AuditSink
	if auditStore != nil {
		auditSink = auditStore
	}

	engine := execengine.NewEngine(runbooks, registry, policies, approvals, auditSink, quotas, nil, stream)

	s := &Server{
		log:         log,
		tenants:     NewTenantStore(),
		binder:      binder,
		runbooks:    runbooks,
		policies:    policies,
		engine:      engine,
		registry:    registry,
		approvals:   approvals,
		audit:       auditStore,
		quotas: quotas,
		limiter: ratelimit.NewStore(ratelimit.Config{
			Capacity:        intOrDefault(cfg.RateLimitBurst, 20),
			RefillPerSecond: floatOrDefault(cfg.RateLimitDefaultRPS, 10),
		}),
		stream:      stream,
		users:       usersStore,
		scimHandler: scimHandler,
		flags:       flags,
	}
	approvals.StartReaper(time.Minute, make(chan struct{}))
	return s
}

// Binder exposes the tenancy role-binding resolver so callers can wire
// external provisioning (SCIM) into the same binder the request path
// authorizes against.
func (s *Server) Binder() *tenancy.Binder {
	return s.binder
}

// SetSCIMHandler attaches (or replaces) the SCIM handler mounted at
// /scim. Call before Router(); mounting is decided once, at build time.
func (s *Server) SetSCIMHandler(h *scim.Handler) {
	s.scimHandler = h
}

// Router builds the chi mux for spec.md §6's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key", "X-Project", "X-Adapter-Real"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Route("/runbooks", func(r chi.Router) {
			r.Post("/", s.handleCreateRunbook)
			r.Get("/", s.handleListRunbooks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRunbook)
				r.Put("/", s.handlePutRunbook)
				r.Delete("/", s.handleDeleteRunbook)
				r.Post("/duplicate", s.handleDuplicateRunbook)
				r.Post("/archive", s.handleArchiveRunbook)
			})
		})

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", s.handleCreatePolicy)
			r.Get("/", s.handleListPolicies)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPolicy)
				r.Put("/", s.handlePutPolicy)
				r.Delete("/", s.handleDeletePolicy)
				r.Post("/test", s.handleTestPolicy)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleStartRun)
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/resume", s.handleRunAction)
				r.Post("/pause", s.handleRunAction)
				r.Post("/cancel", s.handleRunAction)
				r.Post("/promote", s.handlePromoteRun)
				r.Get("/events", s.handleRunEvents)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Post("/{id}/approve", s.handleDecideApproval)
			r.Post("/{id}/deny", s.handleDecideApproval)
		})

		r.Post("/tools/plan", s.handleToolsPlan)
		r.Post("/tools/invoke", s.handleToolsInvoke)

		r.Get("/audit", s.handleAudit)
		r.Get("/audit/verify", s.handleAuditVerify)

		r.Post("/tenants", s.handleCreateTenant)
		r.Post("/tenants/{id}/apikeys", s.handleCreateAPIKey)
		r.Get("/tenants/{id}/apikeys", s.handleListAPIKeys)
		r.Post("/apikeys/{id}/rotate", s.handleRotateAPIKey)
		r.Delete("/apikeys/{id}", s.handleDeleteAPIKey)

		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Post("/role-bindings", s.handleCreateRoleBinding)
		r.Get("/role-bindings", s.handleListRoleBindings)

		r.Post("/canary/policies", s.handleCanaryPolicy)
		r.Get("/canary/check", s.handleCanaryCheck)

		r.Post("/feature-flags", s.handleSetFeatureFlag)
		r.Get("/feature-flags", s.handleListFeatureFlags)

		r.Get("/billing/usage", s.handleBillingUsage)
		r.Get("/billing/quotas", s.handleBillingQuotas)
		r.Post("/billing/stripe/*", s.handleStripeProxy)
		r.Post("/billing/stripe/webhook", s.handleStripeWebhook)

		r.Get("/export/tenant/{id}", s.handleExportTenant)
		r.Post("/export/import/tenant", s.handleImportTenant)
	})

	if s.scimHandler == nil {
		return r
	}

	// scim.Handler registers its own absolute "/scim/v2/..." paths onto a
	// plain http.ServeMux; front it with a top-level mux that defers
	// everything else to the chi router rather than reimplementing SCIM's
	// routes as chi patterns.
	scimMux := http.NewServeMux()
	s.scimHandler.RegisterRoutes(scimMux)
	top := http.NewServeMux()
	top.Handle("/scim/", scimMux)
	top.Handle("/", r)
	return top
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func floatOrDefault(v int, def float64) float64 {
	if v <= 0 {
		return def
	}
	return float64(v)
}
