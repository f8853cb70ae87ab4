// Package server wires the HTTP surface and the background workers together.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/crmflow-go/internal/crm"
	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/engine"
	"github.com/crmflow-go/internal/engine/actions"
	"github.com/crmflow-go/internal/services/dispatch"
	"github.com/crmflow-go/internal/services/trigger"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/internal/services/workflow/service"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
)

type Server struct {
	config     *config.Config
	logger     logger.Logger
	httpServer *http.Server
	db         *database.DB
	redis      *redis.Client
	worker     *dispatch.Worker
	scheduler  *trigger.Scheduler
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	// Initialize database
	db, err := database.New(database.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Name:         cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(
		&workflow.Workflow{},
		&workflow.Step{},
		&workflow.Execution{},
		&workflow.StepExecution{},
		&workflow.Dispatch{},
		&workflow.Log{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// CRM client and action registry
	crmClient := crm.NewHTTPClient(crm.Config{
		BaseURL:       cfg.CRM.BaseURL,
		APIKey:        cfg.CRM.APIKey,
		LocationID:    cfg.CRM.LocationID,
		Timeout:       time.Duration(cfg.CRM.TimeoutSeconds) * time.Second,
		RatePerSecond: cfg.CRM.RatePerSecond,
		RateBurst:     cfg.CRM.RateBurst,
	}, log)

	registry := actions.NewRegistry(log)
	actions.RegisterBuiltins(registry, crmClient)

	// Engine and services
	runner := engine.NewRunner(db, registry, log)
	workflowRepo := repository.NewWorkflowRepository(db)
	workflowService := service.NewService(workflowRepo, log)
	dispatchService := dispatch.NewService(db, cfg.Dispatch, log)
	triggerService := trigger.NewService(workflowRepo, dispatchService, runner, redisClient,
		time.Duration(cfg.Webhook.DedupTTLSeconds)*time.Second, log)

	var worker *dispatch.Worker
	if cfg.Dispatch.WorkerEnabled {
		worker = dispatch.NewWorker(dispatchService, runner, cfg.Dispatch.PollInterval(), log)
	}
	scheduler := trigger.NewScheduler(workflowRepo, dispatchService, time.Minute, log)

	handlers := NewHandlers(workflowService, dispatchService, triggerService, registry, db, cfg.Webhook, log)
	router := setupRouter(handlers, cfg.Webhook, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		db:         db,
		redis:      redisClient,
		worker:     worker,
		scheduler:  scheduler,
	}, nil
}

func setupRouter(h *Handlers, webhookCfg config.WebhookConfig, log logger.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(log))

	// Health checks
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Inbound CRM webhooks
	router.POST("/webhooks/crm", webhookAuthMiddleware(webhookCfg, log), h.ReceiveWebhook)

	v1 := router.Group("/api/v1")
	{
		workflows := v1.Group("/workflows")
		{
			workflows.GET("", h.ListWorkflows)
			workflows.POST("", h.CreateWorkflow)
			workflows.GET("/:id", h.GetWorkflow)
			workflows.PUT("/:id", h.UpdateWorkflow)
			workflows.DELETE("/:id", h.DeleteWorkflow)

			workflows.POST("/:id/publish", h.PublishWorkflow)
			workflows.POST("/:id/pause", h.PauseWorkflow)
			workflows.POST("/:id/run", h.RunWorkflow)

			workflows.POST("/:id/steps", h.AddStep)
			workflows.PUT("/:id/steps/:stepId", h.UpdateStep)
			workflows.DELETE("/:id/steps/:stepId", h.DeleteStep)
			workflows.POST("/:id/steps/:stepId/connect", h.ConnectSteps)

			workflows.GET("/:id/executions", h.ListExecutions)
			workflows.GET("/:id/logs", h.ListLogs)
		}

		v1.GET("/executions/:id", h.GetExecution)
		v1.GET("/executions/:id/steps", h.ListStepExecutions)

		v1.GET("/dispatches", h.ListDispatches)
		v1.GET("/dispatches/:id", h.GetDispatch)
		v1.GET("/queue/stats", h.QueueStats)

		v1.GET("/actions", h.ListActions)
	}

	return router
}

// Start launches the background workers and then serves HTTP until the
// listener is closed.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.worker.Start(ctx)
	}
	s.scheduler.Start(ctx)

	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.scheduler.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}

	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", "error", err)
	}

	return nil
}
