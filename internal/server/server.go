package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/internal/budget"
	"github.com/meterly/cost-ledger-api/internal/config"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/internal/server/middleware"
	"github.com/meterly/cost-ledger-api/internal/store"
	"go.uber.org/zap"
)

type Server struct {
	router  *gin.Engine
	config  *config.Config
	logger  *zap.Logger
	service ledger.Service
	monitor *budget.Monitor
	repo    store.Repository
}

func New(cfg *config.Config, logger *zap.Logger, service ledger.Service, monitor *budget.Monitor, repo store.Repository) *Server {

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(middleware.Recovery(logger))
	engine.Use(middleware.Logger(logger))

	s := &Server{
		router:  engine,
		config:  cfg,
		logger:  logger,
		service: service,
		monitor: monitor,
		repo:    repo,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
