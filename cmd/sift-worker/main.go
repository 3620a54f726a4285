package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/siftmail/sift-worker/internal/config"
	"github.com/siftmail/sift-worker/internal/database"
	"github.com/siftmail/sift-worker/internal/gmail"
	"github.com/siftmail/sift-worker/internal/openrouter"
	"github.com/siftmail/sift-worker/internal/queue"
	"github.com/siftmail/sift-worker/internal/repository"
	"github.com/siftmail/sift-worker/internal/service"
	"github.com/siftmail/sift-worker/internal/unsubscribe"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	broker := queue.NewBroker(rdb, queue.DefaultPolicies())

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	categoryRepo := repository.NewCategoryRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)

	// Initialize clients
	gmailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret)
	openRouterClient := openrouter.NewClient(cfg.OpenRouterAPIKey)

	// Initialize services
	classifier := service.NewClassifier(openRouterClient, categoryRepo)
	importer := service.NewImporter(accountRepo, messageRepo, gmailClient, classifier)
	syncOrchestrator := service.NewSyncOrchestrator(accountRepo, messageRepo, gmailClient, broker)
	deleter := service.NewDeleter(accountRepo, messageRepo, gmailClient)
	watchRenewer := service.NewWatchRenewer(accountRepo, gmailClient, broker, cfg.PubSubTopic)

	// The browser handle starts lazily on the first unsubscribe job and is
	// torn down once on shutdown.
	browser := unsubscribe.NewHandle()
	defer browser.Close()
	agent := unsubscribe.NewAgent(browser, openRouterClient, attemptRepo, messageRepo)
	unsubscriber := service.NewUnsubscriber(accountRepo, messageRepo, agent)

	// Register queue handlers
	worker := queue.NewWorker(broker)
	worker.Handle(queue.QueueImport, func(ctx context.Context, env *queue.Envelope) error {
		var job queue.ImportJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			return err
		}
		return importer.ProcessImportJob(ctx, job)
	})
	worker.Handle(queue.QueueScheduler, func(ctx context.Context, env *queue.Envelope) error {
		_, err := syncOrchestrator.ProcessScheduledSync(ctx)
		return err
	})
	worker.Handle(queue.QueueDelete, func(ctx context.Context, env *queue.Envelope) error {
		var job queue.BulkDeleteJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			return err
		}
		return deleter.ProcessBulkDelete(ctx, job)
	})
	worker.Handle(queue.QueueWatchRenewal, func(ctx context.Context, env *queue.Envelope) error {
		var job queue.WatchRenewalJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			return err
		}
		return watchRenewer.ProcessRenewal(ctx, job)
	})
	worker.Handle(queue.QueueUnsubscribe, func(ctx context.Context, env *queue.Envelope) error {
		var job queue.UnsubscribeJob
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			return err
		}
		return unsubscriber.ProcessUnsubscribeJob(ctx, job)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recurring enqueues. The fixed job id makes an overlapping submission
	// a no-op while the previous sync is still queued or running.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.SyncSchedule, func() {
		err := broker.Enqueue(ctx, queue.QueueScheduler, queue.ScheduledSyncJobID, queue.ScheduledSyncJob{})
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			log.Printf("Scheduler: failed to enqueue sync: %v", err)
		}
	})
	if err != nil {
		return err
	}
	_, err = scheduler.AddFunc("@hourly", func() {
		if _, err := watchRenewer.EnqueueDuePass(ctx); err != nil {
			log.Printf("Scheduler: watch renewal pass failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("Scheduler started (sync: %s)", cfg.SyncSchedule)

	// Queue counts endpoint for operators
	mux := http.NewServeMux()
	mux.Handle("/queues", queue.CountsHandler(broker, []string{
		queue.QueueImport,
		queue.QueueScheduler,
		queue.QueueDelete,
		queue.QueueWatchRenewal,
		queue.QueueUnsubscribe,
	}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("Queue counts listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start worker in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- worker.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}

		select {
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Worker error: %v", err)
			}
		}

		log.Println("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
