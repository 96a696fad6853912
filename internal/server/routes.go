package server

import (
	"github.com/meterly/cost-ledger-api/internal/server/middleware"
	v1 "github.com/meterly/cost-ledger-api/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.Tracing("cost-ledger-api"))
	s.router.Use(middleware.ErrorHandler(s.logger))

	// Health Check (Public)
	healthHandler := v1.NewHealthHandler()
	s.router.GET("/health", healthHandler.Health)

	// Ledger API
	api := s.router.Group("/ledger/v1")
	api.Use(middleware.Auth(s.config.Server.APIKeys))

	limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst, s.logger)
	api.Use(limiter.Middleware())
	{
		recordHandler := v1.NewRecordHandler(s.service)
		api.POST("/usage", recordHandler.RecordUsage)
		api.POST("/actions", recordHandler.RecordAction)

		reportHandler := v1.NewReportHandler(s.service, s.monitor)
		api.GET("/summary", reportHandler.GetSummary)
		api.GET("/campaigns/:tag/report", reportHandler.GetCampaignReport)
		api.GET("/budget/status", reportHandler.GetBudgetStatus)

		entriesHandler := v1.NewEntriesHandler(s.service)
		api.GET("/entries", entriesHandler.List)
		api.DELETE("/users/:userId/entries", entriesHandler.Purge)

		adminHandler := v1.NewAdminHandler(s.service, s.repo)
		api.POST("/reconcile", adminHandler.Reconcile)
		api.GET("/deadletters", adminHandler.ListDeadLetters)
	}
}
