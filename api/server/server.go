package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ankercloud/api/middleware"
	"ankercloud/internal/alerting"
	"ankercloud/internal/apperr"
	"ankercloud/internal/config"
	"ankercloud/internal/feed"
	"ankercloud/internal/ingest"
	"ankercloud/internal/logger"
	"ankercloud/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	router    *gin.Engine
	config    *config.Config
	db        *gorm.DB
	store     *store.Store
	hub       *feed.Hub
	gateway   *ingest.Gateway
	incidents *alerting.IncidentService

	httpServer *http.Server
}

func NewServer(cfg *config.Config, db *gorm.DB, st *store.Store, hub *feed.Hub, gateway *ingest.Gateway, incidents *alerting.IncidentService) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		router:    router,
		config:    cfg,
		db:        db,
		store:     st,
		hub:       hub,
		gateway:   gateway,
		incidents: incidents,
	}

	server.setupRoutes()

	return server
}

// requestTimeout bounds request handling for the plain HTTP routes. The
// websocket route is long-lived and must not run under it.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	// Producer push path: API key auth, rate limited per caller.
	ingestGroup := s.router.Group("/api/ingest")
	ingestGroup.Use(
		middleware.RateLimit(),
		requestTimeout(30*time.Second),
		middleware.APIKeyAuth(s.db),
	)
	ingestGroup.POST("/:kind", s.ingestSample)

	// Live feed: JWT is carried inside the websocket auth message, not a
	// header, because browser clients cannot set headers on upgrade.
	s.router.GET("/api/live", s.liveFeed)

	// Dashboard and API consumers.
	api := s.router.Group("/api")
	api.Use(
		middleware.RateLimit(),
		requestTimeout(30*time.Second),
		middleware.JWTAuth(s.config.Auth.JWTSecret),
	)
	{
		api.GET("/metrics/:resourceId", s.queryMetrics)
		api.POST("/metrics/latest", s.latestMetrics)

		api.GET("/incidents", s.listIncidents)
		api.GET("/incidents/:id", s.getIncident)
		api.POST("/incidents/:id/acknowledge", s.acknowledgeIncident)
		api.POST("/incidents/:id/resolve", s.resolveIncident)

		api.GET("/resources", s.listResources)
		api.POST("/resources", s.createResource)
		api.GET("/resources/:id", s.getResource)
		api.POST("/resources/:id/deactivate", s.deactivateResource)

		api.GET("/policies", s.listPolicies)
		api.POST("/policies", s.createPolicy)
		api.PUT("/policies/:id", s.updatePolicy)
		api.DELETE("/policies/:id", s.deletePolicy)

		api.GET("/channels", s.listChannels)
		api.POST("/channels", s.createChannel)
		api.PUT("/channels/:id", s.updateChannel)
		api.DELETE("/channels/:id", s.deleteChannel)
		api.POST("/channels/:id/test", s.testChannel)

		api.POST("/keys", s.createAPIKey)
		api.POST("/keys/:id/revoke", s.revokeAPIKey)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// respondError maps the error taxonomy onto HTTP. Anything outside it is a
// 500 with the detail kept server-side.
func respondError(c *gin.Context, err error) {
	if e := apperr.As(err); e != nil {
		body := gin.H{"error": e.Message, "code": e.Code}
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
		if e.Retryable {
			body["retryable"] = true
		}
		if e.Code == apperr.CodeStorage {
			logger.Error("request failed on storage",
				zap.String("path", c.FullPath()),
				zap.Error(err))
		}
		c.JSON(e.HTTPStatus(), body)
		return
	}

	logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// accountFrom pulls the authenticated identity the middlewares stored.
func accountFrom(c *gin.Context) (accountID string, admin bool) {
	accountID = c.GetString(middleware.CtxAccountID)
	admin = c.GetBool(middleware.CtxAdmin)
	return accountID, admin
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the live feed hub so
// websocket sessions see their streams end.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.hub.Close()
	return err
}
