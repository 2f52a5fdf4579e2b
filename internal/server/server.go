// Package server is the relay's HTTP surface: session registration and
// teardown, caption submission, the live event stream, clock sync, stats,
// key administration, and health.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/auth"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/config"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/session"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
)

// Server bundles the relay's HTTP dependencies.
type Server struct {
	cfg       *config.Config
	log       *logger.Logger
	store     *store.Store
	manager   *session.Manager
	issuer    *auth.TokenIssuer
	allowlist *auth.Allowlist

	freeKeyLimiter *ipLimiter
	startTime      time.Time
}

// New wires a Server.
func New(cfg *config.Config, log *logger.Logger, st *store.Store, manager *session.Manager) *Server {
	return &Server{
		cfg:            cfg,
		log:            log.WithComponent("http"),
		store:          st,
		manager:        manager,
		issuer:         auth.NewTokenIssuer(cfg.JWTSecret, 0),
		allowlist:      auth.NewAllowlist(cfg.AllowedDomains),
		freeKeyLimiter: newIPLimiter(cfg.FreeKeyRequestsPerHourPerIP, time.Hour),
		startTime:      time.Now(),
	}
}

// Issuer exposes the token issuer, mainly for tests.
func (s *Server) Issuer() *auth.TokenIssuer {
	return s.issuer
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.log))
	router.Use(corsMiddleware(s.manager))
	router.Use(noCacheByDefault())
	router.Use(bodyLimit(s.cfg.RequestBodyLimitBytes))

	authn := auth.NewMiddleware(s.issuer)

	router.POST("/live", s.handleRegister)
	router.GET("/health", s.handleHealth)
	router.GET("/contact", s.handleContact)

	authed := router.Group("/", authn.RequireSession(false))
	{
		authed.GET("/live", s.handleSessionInfo)
		authed.PATCH("/live", s.handleSetSequence)
		authed.DELETE("/live", s.handleTeardown)

		authed.POST("/captions", s.handleCaptions)
		authed.POST("/sync", s.handleSync)
		authed.POST("/mic", s.handleMic)

		authed.GET("/stats", s.handleStats)
		authed.DELETE("/stats", s.handleErasure)
	}

	// EventSource cannot set headers, so the stream also accepts the
	// token as a query parameter.
	router.GET("/events", authn.RequireSession(true), s.handleEvents)

	keys := router.Group("/keys", s.keyAdminGate())
	{
		keys.GET("", s.handleListKeys)
		keys.POST("", s.handleCreateKey)
		keys.GET("/:key", s.handleGetKey)
		keys.PATCH("/:key", s.handleUpdateKey)
		keys.DELETE("/:key", s.handleDeleteKey)
	}

	if s.cfg.UsagePublic {
		router.GET("/usage", s.handleUsage)
	} else {
		router.GET("/usage", auth.RequireAdmin(s.cfg.AdminKey), s.handleUsage)
	}

	if s.cfg.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(s.cfg.StaticDir))
		router.NoRoute(func(c *gin.Context) {
			if c.Request.Method == http.MethodGet {
				fileServer.ServeHTTP(c.Writer, c.Request)
				return
			}
			c.Status(http.StatusNotFound)
		})
	}

	return router
}

// resolveSession loads the authenticated session and refreshes its
// last-activity stamp. A missing session answers 404 and returns false.
func (s *Server) resolveSession(c *gin.Context) (*session.Session, *auth.SessionClaims, bool) {
	claims, ok := auth.GetClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, nil, false
	}

	sess, ok := s.manager.Get(claims.SessionID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return nil, nil, false
	}

	sess.Touch()
	return sess, claims, true
}
