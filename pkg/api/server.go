// Package api assembles the HTTP surface: access checks, the mutation APIs of
// each store, the lifecycle webhook and audit export.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/decision"
	"github.com/platinummonkey/gatekeeper/pkg/delegation"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/lifecycle"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/projection"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Deps are the services the server routes to
type Deps struct {
	Decisions    *decision.Service
	Roles        *rbac.Service
	Delegations  *delegation.Manager
	Entitlements *entitlements.Service
	Lifecycle    *lifecycle.Controller
	Audit        audit.Store

	// Metrics enables request metrics when set
	Metrics *observability.Metrics
}

// Options tune request handling
type Options struct {
	// DefaultConsistency applies to checks that do not name one
	DefaultConsistency projection.Consistency
	// MaxBodyBytes caps request bodies; zero leaves them unbounded
	MaxBodyBytes int64
	// Tracing adds otelhttp server spans named by route template
	Tracing bool
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server routes API requests
type Server struct {
	router *mux.Router
	deps   Deps
	opts   Options
	logger logrus.FieldLogger
}

// NewServer builds the router with middleware and every route registered
func NewServer(deps Deps, opts Options, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		opts:   opts,
		logger: logger,
	}

	if opts.Tracing {
		s.router.Use(otelhttp.NewMiddleware("gatekeeper",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if route := mux.CurrentRoute(r); route != nil {
					if tpl, err := route.GetPathTemplate(); err == nil {
						return r.Method + " " + tpl
					}
				}
				return r.Method
			})))
	}
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(observability.RecoveryMiddleware(logger))
	s.router.Use(httputil.LoggingMiddleware(logger))
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	if opts.MaxBodyBytes > 0 {
		s.router.Use(httputil.MaxBytesMiddleware(opts.MaxBodyBytes))
	}
	s.router.Use(httputil.ContentTypeMiddleware)
	s.router.Use(httputil.ActorMiddleware)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.deps.Decisions != nil {
		s.router.HandleFunc("/v1/access/check", s.checkAccess).Methods(http.MethodPost)
	}
	if s.deps.Audit != nil && s.deps.Decisions != nil {
		s.router.HandleFunc("/v1/tenants/{tenant}/audit", s.listAudit).Methods(http.MethodGet)
	}

	if s.deps.Roles != nil {
		s.RegisterRoutes(rbac.NewHandlers(s.deps.Roles, s.logger))
	}
	if s.deps.Delegations != nil {
		s.RegisterRoutes(delegation.NewHandlers(s.deps.Delegations, s.logger))
	}
	if s.deps.Entitlements != nil {
		s.RegisterRoutes(entitlements.NewHandlers(s.deps.Entitlements, s.logger))
	}
	if s.deps.Lifecycle != nil {
		s.RegisterRoutes(lifecycle.NewHandlers(s.deps.Lifecycle, s.logger))
	}
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
