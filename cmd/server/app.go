package main

import (
	"context"
	"fmt"

	"ciflow/internal/database"
	"ciflow/internal/github"
	"ciflow/internal/retrieval"
	"ciflow/internal/router"
	"ciflow/internal/services"
	"ciflow/pkg/config"
	"ciflow/pkg/crypto"
	"ciflow/pkg/jwt"
	"ciflow/pkg/logger"
	"ciflow/pkg/metrics"
	"ciflow/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const statusChannel = "repo_status"

// app holds the process-wide dependencies shared by every command
type app struct {
	cfg     *config.Config
	log     *logrus.Entry
	db      *gorm.DB
	queue   *queue.RedisQueue
	metrics *metrics.Metrics

	vault     *crypto.Vault
	retriever *retrieval.Client
	events    *services.StatusEvents
	state     *services.RepositoryState
}

// newApp loads config, sets up logging and opens the database. Redis and the
// pipeline collaborators are only built when withQueue is set.
func newApp(ctx context.Context, withQueue bool) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	gin.SetMode(cfg.Server.Mode)

	a := &app{
		cfg:     cfg,
		log:     logger.WithComponent("main"),
		metrics: metrics.New(),
	}

	a.db, err = database.Initialize(cfg)
	if err != nil {
		return nil, err
	}

	if !withQueue {
		return a, nil
	}

	a.queue, err = database.NewRedisQueue(ctx, &cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.vault, err = crypto.NewVault(cfg.Crypto.EncryptionSecret)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.retriever = retrieval.NewClient(&cfg.Retrieval, a.metrics)
	a.events = services.NewStatusEvents(a.queue, a.queue, a.queue.ChannelKey(statusChannel))
	a.state = services.NewRepositoryState(a.db, a.events, a.metrics)
	return a, nil
}

// Close releases redis and the database pool
func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Errorf("Failed to close redis: %v", err)
		}
	}
	if err := database.Close(a.db); err != nil {
		a.log.Errorf("Failed to close database: %v", err)
	}
}

// workerPool wires the retrieve and sync consumers
func (a *app) workerPool() *services.WorkerPool {
	retrieve := services.NewRetrieveProcessor(a.db, a.vault, a.retriever, a.state)
	synchronizer := services.NewSynchronizer(a.db, a.retriever, a.metrics)
	sync := services.NewSyncProcessor(a.db, synchronizer, a.state)

	pool := services.NewWorkerPool(a.queue, a.cfg.Worker, a.metrics)
	pool.Register(queue.QueueRetrieve, a.cfg.Worker.RetrieveConcurrency, retrieve.HandleJob)
	pool.Register(queue.QueueSync, a.cfg.Worker.SyncConcurrency, sync.HandleJob)
	pool.OnDeadLetter(queue.QueueRetrieve, retrieve.HandleDeadLetter)
	pool.OnDeadLetter(queue.QueueSync, sync.HandleDeadLetter)
	return pool
}

// listener consumes completion notifications of the retrieval service
func (a *app) listener() *services.CorrelationListener {
	return services.NewCorrelationListener(a.db, a.retriever, a.queue, a.state, a.queue, a.cfg.Retrieval.ResultsChannel)
}

// routerDeps builds the HTTP-facing services
func (a *app) routerDeps(scheduler *services.ResyncScheduler) (*router.Deps, error) {
	gh, err := github.NewClient(a.cfg.GitHub.APIBaseURL)
	if err != nil {
		return nil, err
	}

	jwtManager := jwt.NewJWTManager(a.cfg.JWT.SecretKey, a.cfg.JWT.TokenDuration)
	repos := services.NewRepositoryService(a.db, a.queue, a.vault, gh, a.state)

	return &router.Deps{
		Config:      a.cfg,
		DB:          a.db,
		Queue:       a.queue,
		JWTManager:  jwtManager,
		Metrics:     a.metrics,
		Version:     version,
		Auth:        services.NewAuthService(a.db, jwtManager),
		Repos:       repos,
		Webhooks:    services.NewWebhookService(a.db, a.vault, gh, repos, a.metrics, a.cfg.Webhook.PublicURL, a.cfg.Webhook.Events),
		Stats:       services.NewStatsService(a.db),
		Predictions: services.NewPredictionService(a.db),
		Reports:     services.NewReportService(a.db, nil),
		Events:      a.events,
		Scheduler:   scheduler,
	}, nil
}
