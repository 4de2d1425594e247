// Package api mounts the platform's consolidated HTTP surface: the
// authenticated /api subtree (workflows, versions, executions,
// triggers), the unauthenticated /hooks webhook ingress, the /ws live
// event channel, and the operational /health and /metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	exechandlers "github.com/flowmaestro/flowmaestro/internal/execution/adapters/http/handlers"
	execservice "github.com/flowmaestro/flowmaestro/internal/execution/app/service"
	"github.com/flowmaestro/flowmaestro/internal/fanout"
	"github.com/flowmaestro/flowmaestro/internal/platform/config"
	"github.com/flowmaestro/flowmaestro/internal/platform/health"
	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/platform/metrics"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/platform/middleware"
	"github.com/flowmaestro/flowmaestro/internal/platform/response"
	"github.com/flowmaestro/flowmaestro/internal/trigger"
	wfhandlers "github.com/flowmaestro/flowmaestro/internal/workflow/adapters/http/handlers"
	wfservice "github.com/flowmaestro/flowmaestro/internal/workflow/app/service"
	"github.com/flowmaestro/flowmaestro/internal/workflow/features"
	pkgmiddleware "github.com/flowmaestro/flowmaestro/pkg/middleware"
)

// Deps carries the already-wired collaborators the server mounts.
type Deps struct {
	WorkflowService  *wfservice.WorkflowService
	ExecutionService *execservice.ExecutionService
	Supervisor       *trigger.Supervisor
	Hub              *fanout.Hub
	Folders          *features.FolderService
	Metrics          *metrics.Metrics
	Health           *health.Handler
}

// Server is the consolidated HTTP server.
type Server struct {
	cfg        *config.Config
	logger     logger.Logger
	deps       Deps
	httpServer *http.Server
	handler    http.Handler
}

// NewServer builds the router and underlying http.Server.
func NewServer(cfg *config.Config, log logger.Logger, deps Deps) *Server {
	s := &Server{cfg: cfg, logger: log, deps: deps}
	s.handler = s.buildMiddlewareChain(s.buildRouter())
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s
}

// buildMiddlewareChain layers the cross-cutting middleware around the
// router: panic recovery outermost, then request ids, rate limiting,
// and CORS closest to the router.
func (s *Server) buildMiddlewareChain(router *mux.Router) http.Handler {
	var handler http.Handler = router

	handler = pkgmiddleware.CORS(&pkgmiddleware.CORSConfig{
		AllowedOrigins:   s.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	})(handler)

	handler = pkgmiddleware.RateLimit(pkgmiddleware.DefaultRateLimitConfig())(handler)
	handler = pkgmiddleware.RequestID(handler)
	handler = pkgmiddleware.SimpleRecovery(handler)
	return handler
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(logger.HTTPMiddleware(s.logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(8 << 20))
	if s.deps.Metrics != nil {
		router.Use(s.deps.Metrics.HTTPMetricsMiddleware())
		router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	if s.deps.Health != nil {
		router.HandleFunc("/health/live", s.deps.Health.LivenessHandler()).Methods("GET")
		router.HandleFunc("/health/ready", s.deps.Health.ReadinessHandler()).Methods("GET")
		router.HandleFunc("/health", s.deps.Health.HealthHandler()).Methods("GET")
	}

	// Webhook ingress carries its own per-trigger HMAC authentication,
	// not the bearer token.
	router.HandleFunc("/hooks/{workflow_id}/{trigger_id}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		s.deps.Supervisor.HandleWebhook(w, r, vars["workflow_id"], vars["trigger_id"])
	})

	// Live event channel; the token travels as a query parameter since
	// browsers cannot set websocket headers.
	if s.deps.Hub != nil {
		wsHandler := fanout.NewWSHandler(s.deps.Hub, s.verifyToken, nil)
		router.Handle("/ws", wsHandler)
	}

	authMiddleware := middleware.NewAuthMiddleware([]byte(s.cfg.Auth.JWTSecret))
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(authMiddleware.Middleware)

	if s.deps.WorkflowService != nil {
		wfhandlers.NewWorkflowHandler(s.deps.WorkflowService, s.logger).RegisterRoutes(apiRouter)
		wfhandlers.NewFeaturesHandler(s.deps.WorkflowService, s.deps.Folders, s.logger).RegisterRoutes(apiRouter)
	}
	exechandlers.NewExecutionHandler(s.deps.ExecutionService, s.logger).RegisterRoutes(apiRouter)
	trigger.NewHandler(s.deps.Supervisor, s.logger).RegisterRoutes(apiRouter)

	// Node-type catalog for builders: the registry's metadata, read-only.
	apiRouter.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		nodes := runtime.List()
		response.JSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "total": len(nodes)})
	}).Methods("GET")

	return router
}

// verifyToken resolves the websocket ?token= bearer token to the
// subscriber's identity.
func (s *Server) verifyToken(tokenString string) (userID string, admin bool, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.Auth.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", false, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false, fmt.Errorf("invalid token claims")
	}
	userID, _ = claims["user_id"].(string)
	if userID == "" {
		return "", false, fmt.Errorf("token carries no user id")
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if r == "admin" {
				admin = true
			}
		}
	}
	return userID, admin, nil
}

// Handler returns the fully layered handler, used by tests to drive
// the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "port", s.cfg.HTTP.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
