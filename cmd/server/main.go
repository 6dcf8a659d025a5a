package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classworks/attempt-service/internal/cache"
	"github.com/classworks/attempt-service/internal/config"
	"github.com/classworks/attempt-service/internal/engine"
	"github.com/classworks/attempt-service/internal/events"
	"github.com/classworks/attempt-service/internal/handlers"
	"github.com/classworks/attempt-service/internal/middleware"
	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/repositories/postgres"
	"github.com/classworks/attempt-service/internal/services"
	"github.com/classworks/attempt-service/internal/utils"
	"github.com/classworks/attempt-service/internal/worker"
	"github.com/classworks/attempt-service/pkg"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	var logger utils.Logger
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		logger = utils.NewDefaultLogger()
	} else {
		logger = utils.NewDevelopmentLogger()
	}
	slogger := utils.ToSlogLogger(logger)

	logger.Info("Starting attempt service",
		"port", cfg.Port,
		"environment", cfg.Environment)

	// Database
	db, err := pkg.InitDatabase(cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(
		&models.Assessment{},
		&models.Question{},
		&models.Attempt{},
		&models.AttemptAnswer{},
		&models.ViolationEvent{},
	); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	rdb, err := pkg.NewRedisClient(cfg)
	if err != nil {
		logger.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Kafka event publisher
	var publisher events.EventPublisher
	kafkaPublisher, err := events.NewKafkaEventPublisher(events.PublisherConfig{
		KafkaBrokers: cfg.KafkaBrokers,
		TopicName:    cfg.KafkaTopic,
		Logger:       slogger,
	})
	if err != nil {
		logger.Warn("Kafka unavailable, events disabled", "error", err)
	} else {
		publisher = kafkaPublisher
		defer kafkaPublisher.Close()
	}

	// Core wiring
	validator := utils.NewValidator()
	repo := postgres.NewRepository(db)
	cacheService := cache.NewRedisCache(rdb, slogger)
	attemptService := services.NewAttemptService(repo, publisher, cacheService, slogger, validator)

	sessionStore := services.NewSessionStore(attemptService)
	manager := engine.NewManager(sessionStore, slogger,
		engine.WithSubmitRetry(cfg.SubmitMaxRetries, 500*time.Millisecond),
		engine.WithFlushRetryInterval(time.Duration(cfg.AnswerFlushInterval)*time.Second))

	autosaveWorker := worker.NewAutosaveWorker(attemptService, rdb, slogger)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	go autosaveWorker.Start(workerCtx)

	// HTTP
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(utils.LoggerMiddleware(logger))

	verifier := middleware.NewCasdoorVerifier(cfg)
	handlerManager := handlers.NewHandlerManager(attemptService, manager, autosaveWorker, verifier, validator, logger)
	handlerManager.SetupRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down", "signal", sig.String())

	// Stop taking requests, then detach live sessions. Attempts stay active
	// in the store and resume cleanly on the next begin.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	manager.CloseAll()

	// Let the autosave worker drain its queue.
	workerCancel()
	time.Sleep(2 * time.Second)

	logger.Info("Shutdown complete")
}
