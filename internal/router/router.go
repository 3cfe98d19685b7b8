package router

import (
	"ciflow/internal/handlers"
	"ciflow/internal/middleware"
	"ciflow/internal/services"
	"ciflow/pkg/config"
	"ciflow/pkg/jwt"
	"ciflow/pkg/metrics"
	"ciflow/pkg/queue"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps everything the HTTP surface needs. Scheduler may be nil when the process runs no scheduler.
type Deps struct {
	Config      *config.Config
	DB          *gorm.DB
	Queue       *queue.RedisQueue
	JWTManager  *jwt.JWTManager
	Metrics     *metrics.Metrics
	Version     string
	Auth        *services.AuthService
	Repos       *services.RepositoryService
	Webhooks    *services.WebhookService
	Stats       *services.StatsService
	Predictions *services.PredictionService
	Reports     *services.ReportService
	Events      *services.StatusEvents
	Scheduler   *services.ResyncScheduler
}

// SetupRouter builds the gin engine
func SetupRouter(deps *Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS(deps.Config.CORS))

	registerRoutes(router, deps)
	return router
}

func registerRoutes(router *gin.Engine, deps *Deps) {
	auth := middleware.NewAuthMiddleware(deps.JWTManager, deps.Auth)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	var pinger handlers.Pinger
	var inspector handlers.QueueInspector
	if deps.Queue != nil {
		pinger = deps.Queue
		inspector = deps.Queue
	}

	api := router.Group("/api/v1")
	{
		systemHandler := handlers.NewSystemHandler(deps.DB, pinger, deps.Version)
		api.GET("/health", systemHandler.Health)
		api.GET("/ping", systemHandler.Ping)

		authHandler := handlers.NewAuthHandler(deps.Auth)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.RefreshToken)
			authGroup.GET("/me", auth.RequireLogin(), authHandler.Me)
		}

		// signature verified, no JWT
		webhookHandler := handlers.NewWebhookHandler(deps.Webhooks)
		api.POST("/webhooks/github", webhookHandler.Receive)
		api.POST("/webhooks/github/:key", webhookHandler.Receive)

		// the websocket handshake carries the token in the query
		if deps.Events != nil {
			streamHandler := handlers.NewStatusStreamHandler(deps.JWTManager, deps.Events, deps.Config.CORS.AllowOrigins)
			api.GET("/repos/events", streamHandler.Stream)
		}

		repoHandler := handlers.NewRepositoryHandler(deps.Repos)
		statsHandler := handlers.NewStatsHandler(deps.Stats)
		repos := api.Group("/repos", auth.RequireLogin())
		{
			repos.POST("", repoHandler.Register)
			repos.GET("", repoHandler.List)
			repos.GET("/:id", repoHandler.Get)
			repos.PUT("/:id", repoHandler.Update)
			repos.DELETE("/:id", repoHandler.Delete)
			repos.GET("/:id/details", repoHandler.Details)
			repos.POST("/:id/refresh", repoHandler.Refresh)
			repos.GET("/:id/branches", statsHandler.Branches)
			repos.GET("/:id/workflows", statsHandler.Workflows)

			repos.POST("/:id/webhook", webhookHandler.Configure)
			repos.PUT("/:id/webhook", webhookHandler.Update)
			repos.DELETE("/:id/webhook", webhookHandler.Delete)
			repos.POST("/:id/webhook/check", webhookHandler.Check)
		}

		protected := api.Group("", auth.RequireLogin())
		{
			protected.GET("/webhooks", webhookHandler.List)
			protected.GET("/webhook-user", webhookHandler.GetURL)
			protected.PUT("/webhook-user", webhookHandler.RegisterURL)

			protected.GET("/workflows/with-runs", statsHandler.WorkflowsWithRuns)
			protected.POST("/workflows/commit", repoHandler.CommitWorkflow)
			protected.GET("/workflows/:id", statsHandler.GetWorkflow)
			protected.GET("/workflows/:id/file", repoHandler.WorkflowFile)

			runs := protected.Group("/workflow-runs")
			{
				runs.GET("", statsHandler.ListRuns)
				runs.GET("/pipeline-data", statsHandler.PipelineData)
				runs.GET("/pipeline-stats", statsHandler.PipelineStats)
				runs.GET("/:id", statsHandler.GetRun)
			}
			protected.GET("/commits", statsHandler.ListCommits)

			predictionHandler := handlers.NewPredictionHandler(deps.Predictions)
			protected.POST("/predictions", predictionHandler.Save)
			protected.GET("/predictions", predictionHandler.List)
			protected.GET("/predictions/:run_id", predictionHandler.Get)

			reportHandler := handlers.NewReportHandler(deps.Reports)
			protected.POST("/reports", reportHandler.Create)
		}

		admin := api.Group("/admin", auth.RequireLogin(), auth.RequireAdmin())
		{
			admin.GET("/repos", repoHandler.ListAll)

			reportHandler := handlers.NewReportHandler(deps.Reports)
			admin.GET("/reports", reportHandler.List)
			admin.POST("/reports/:id/action", reportHandler.Action)
			admin.DELETE("/reports/:id", reportHandler.Delete)

			queueHandler := handlers.NewQueueHandler(inspector, deps.Scheduler)
			admin.GET("/queue/stats", queueHandler.GetQueueStatus)
			admin.GET("/queue/jobs/:id", queueHandler.GetJobStatus)
			admin.POST("/queue/resync", queueHandler.TriggerResync)
		}
	}
}
