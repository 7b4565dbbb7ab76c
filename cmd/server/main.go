package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credit-service/config"
	"credit-service/internal/api"
	"credit-service/internal/broker"
	"credit-service/internal/notifier"
	"credit-service/internal/redisclient"
	"credit-service/internal/service"
	"credit-service/internal/store"
	"credit-service/internal/store/memory"
	"credit-service/internal/store/postgres"
	"credit-service/internal/util"
	"credit-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting credit service")

	tp, err := util.InitTracer("credit-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	var repo store.Repository
	if cfg.Database.URL != "" {
		pg, err := postgres.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		repo = pg
		log.Println("Database connected")
	} else {
		repo = memory.New()
		log.Println("DATABASE_URL not set, using in-memory store")
	}
	defer repo.Close()

	var cache service.Cache
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		cache = redisClient
		log.Println("Redis connected")
	}

	hub := notifier.NewHub(cfg.Business.EventQueueSize)
	defer hub.Close()

	var publisher *broker.EventPublisher
	var relayConsumer *broker.Consumer
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		log.Println("Kafka producer initialized")

		if cfg.Kafka.RelayEnabled {
			// Each instance consumes the full topic under its own group so
			// every instance's hub sees every shop's events.
			groupID := fmt.Sprintf("%s-%s", cfg.Kafka.ConsumerGroup, uuid.New().String()[:8])
			relayConsumer = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, groupID)
		}
	}

	// With the relay on, the hub is fed exclusively from Kafka; feeding it
	// locally as well would deliver duplicates to subscribers.
	serviceHub := hub
	if relayConsumer != nil {
		serviceHub = nil
	}

	customerService := service.NewCustomerService(repo, serviceHub, publisher)
	purchaseService := service.NewPurchaseService(repo, cache, customerService, serviceHub, publisher)
	reportService := service.NewReportService(repo, cache)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewOverdueSweepWorker(purchaseService, cfg.Business.OverdueSweepInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Overdue sweep worker error: %v", err)
		}
	}()

	var relay *worker.RelayWorker
	if relayConsumer != nil {
		relay = worker.NewRelayWorker(relayConsumer, hub)
		go func() {
			if err := relay.Start(workerCtx); err != nil && err != context.Canceled {
				log.Printf("Relay worker error: %v", err)
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(purchaseService, customerService, reportService, hub)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if relay != nil {
		relay.Stop()
	}

	log.Println("Server exited")
}
