// Package api wires the HTTP surface: request/response DTOs, ownership
// middleware, and the gin handlers for the orchestration and chronicle
// endpoints described in the external interface.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hezawei/rebirth-game/pkg/config"
	"github.com/hezawei/rebirth-game/pkg/database"
	"github.com/hezawei/rebirth-game/pkg/llm"
	"github.com/hezawei/rebirth-game/pkg/story"
)

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	dbClient   *database.Client
	story      *story.Service
	llmClient  llm.Client
}

// NewServer builds the gin router and registers every route.
func NewServer(cfg *config.Config, dbClient *database.Client, storySvc *story.Service, llmClient llm.Client) *Server {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(securityHeaders())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		cfg:       cfg,
		dbClient:  dbClient,
		story:     storySvc,
		llmClient: llmClient,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers every HTTP route.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	storyGroup := s.router.Group("/story")
	storyGroup.Use(requireAuth())
	{
		storyGroup.POST("/check_wish", s.checkWishHandler)
		storyGroup.POST("/prepare_start", s.prepareStartHandler)
		storyGroup.POST("/start", s.startHandler)
		storyGroup.POST("/continue", s.continueHandler)
		storyGroup.POST("/retry", s.retryHandler)

		storyGroup.GET("/sessions", s.listSessionsHandler)
		storyGroup.GET("/sessions/:id", s.getSessionHandler)
		storyGroup.GET("/sessions/:id/latest", s.sessionLatestHandler)
		storyGroup.GET("/latest", s.latestHandler)

		storyGroup.POST("/saves", s.createSaveHandler)
		storyGroup.GET("/saves", s.listSavesHandler)
		storyGroup.GET("/saves/:id", s.getSaveHandler)
		storyGroup.PATCH("/saves/:id", s.updateSaveHandler)
		storyGroup.DELETE("/saves/:id", s.deleteSaveHandler)

		storyGroup.GET("/metrics", s.metricsHandler)
	}
}

// Start runs the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// StartWithListener runs the HTTP server on a pre-created listener. Used
// by tests that want a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.router}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
