// Package httpapi wires the registry's components behind an HTTP
// surface: inbound VCS webhooks, the executor's callback channel, and
// the registry CRUD API, grounded on
// Aureuma-si/apps/ReleaseParty/backend/internal/api's chi-router shape.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/artifactstore"
	"github.com/qendev/iacreg/internal/audit"
	"github.com/qendev/iacreg/internal/cascade"
	"github.com/qendev/iacreg/internal/config"
	"github.com/qendev/iacreg/internal/dag"
	"github.com/qendev/iacreg/internal/helmcache"
	"github.com/qendev/iacreg/internal/ingest"
	"github.com/qendev/iacreg/internal/policy"
	"github.com/qendev/iacreg/internal/ratelimit"
	"github.com/qendev/iacreg/internal/storage"
)

// HelmCache is the narrow view onto the Helm index cache an endpoint
// needs, satisfied by both internal/helmcache.ContextCache (wrapping the
// in-memory default) and internal/helmcache.RedisCache.
type HelmCache interface {
	Get(ctx context.Context, namespace string) (helmcache.Entry, bool, error)
	Set(ctx context.Context, namespace string, content []byte) (helmcache.Entry, error)
	Invalidate(ctx context.Context, namespace string) error
}

// Deps collects every component the router dispatches to.
type Deps struct {
	Store         storage.Store
	Ingestor      *ingest.Ingestor
	Cascade       *cascade.Manager
	DAG           *dag.Executor
	PolicyResolver *policy.Resolver
	PolicyEval    *policy.Evaluator
	Audit         *audit.Recorder
	Artifacts     *artifactstore.Client
	HelmCache     HelmCache
	WebhookLimiter *ratelimit.Limiter
	APILimiter    *ratelimit.Limiter
	Webhooks      config.WebhooksConfig
	Storage       config.StorageConfig
	Log           *zap.Logger
}

// Server dispatches HTTP requests to the registry's domain components.
type Server struct {
	deps     Deps
	log      *zap.Logger
	validate *validator.Validate
}

// New returns a Server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{deps: deps, log: log, validate: validator.New()}
}

// Router builds the complete route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(s.tracingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(s.webhookRateLimit)
		r.Post("/github", s.handleGitHubWebhook)
		r.Post("/gitlab", s.handleGitLabWebhook)
		r.Post("/bitbucket", s.handleBitbucketWebhook)
	})

	r.Route("/callbacks/{runID}", func(r chi.Router) {
		r.Use(s.callbackAuth)
		r.Use(s.apiRateLimit)
		r.Patch("/status", s.handleCallbackStatus)
		r.Post("/logs", s.handleCallbackLogs)
		r.Post("/plan", s.handleCallbackPlan)
		r.Post("/outputs", s.handleCallbackOutputs)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.registryAuth)
		r.Use(s.apiRateLimit)

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", s.handleListArtifacts)
			r.Post("/", s.handleCreateArtifact)
			r.Route("/{artifactID}", func(r chi.Router) {
				r.Get("/", s.handleGetArtifact)
				r.Patch("/", s.handleUpdateArtifact)
				r.Get("/versions", s.handleListVersions)
				r.Post("/versions/{versionID}/approve", s.handleApproveVersion)
				r.Post("/versions/{versionID}/reject", s.handleRejectVersion)
				r.Post("/versions/{versionID}/yank", s.handleYankVersion)
				r.Post("/versions/{versionID}/content", s.handleUploadVersionContent)
				r.Get("/versions/{versionID}/download", s.handleDownloadVersion)
			})
		})

		r.Route("/environments/{environmentID}", func(r chi.Router) {
			r.Route("/modules", func(r chi.Router) {
				r.Get("/", s.handleListModules)
				r.Post("/", s.handleCreateModule)
				r.Post("/dependencies", s.handleCreateDependency)
			})
			r.Post("/runs", s.handleTriggerEnvironmentRun)
			r.Get("/runs/{environmentRunID}", s.handleGetEnvironmentRun)
		})

		r.Route("/module-runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetModuleRun)
			r.Post("/cancel", s.handleCancelModuleRun)
			r.Post("/confirm", s.handleConfirmModuleRun)
			r.Post("/discard", s.handleDiscardModuleRun)
		})

		r.Route("/policy-bindings", func(r chi.Router) {
			r.Post("/", s.handleCreatePolicyBinding)
			r.Get("/", s.handleListPolicyBindings)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Post("/", s.handleCreateAPIToken)
			r.Get("/", s.handleListAPITokens)
			r.Post("/{tokenID}/revoke", s.handleRevokeAPIToken)
		})

		r.Get("/helm/{namespace}/index.yaml", s.handleHelmIndex)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
