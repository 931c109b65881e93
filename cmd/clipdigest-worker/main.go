package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/clipdigest-worker/internal/api"
	"github.com/vipul43/clipdigest-worker/internal/config"
	"github.com/vipul43/clipdigest-worker/internal/database"
	"github.com/vipul43/clipdigest-worker/internal/gmail"
	"github.com/vipul43/clipdigest-worker/internal/logging"
	"github.com/vipul43/clipdigest-worker/internal/notebook"
	"github.com/vipul43/clipdigest-worker/internal/openrouter"
	"github.com/vipul43/clipdigest-worker/internal/repository"
	"github.com/vipul43/clipdigest-worker/internal/scheduler"
	"github.com/vipul43/clipdigest-worker/internal/service"
	"github.com/vipul43/clipdigest-worker/internal/watcher"
	"github.com/vipul43/clipdigest-worker/internal/youtube"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Application error")
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	// Run migrations
	log.Info().Msg("Running database migrations...")
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}
	log.Info().Msg("Migrations completed successfully")

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("Database connected successfully")

	// Initialize repositories
	credentialRepo := repository.NewCredentialRepository(db.Gorm)
	usageRepo := repository.NewCredentialUsageRepository(db.Gorm)
	itemRepo := repository.NewContentItemRepository(db.Gorm)
	subscriptionRepo := repository.NewSubscriptionRepository(db.Gorm)
	jobStatusRepo := repository.NewJobStatusRepository(db.Gorm)

	// Initialize credential pool and seed configured keys
	pool := service.NewCredentialPool(credentialRepo, usageRepo, service.PoolConfig{
		DefaultQuotaLimit: cfg.DefaultQuotaLimit,
		ResetLocation:     cfg.QuotaResetLocation,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, seed := range cfg.Credentials {
		added, err := pool.AddIfMissing(ctx, seed.Name, seed.Secret, seed.Priority, seed.QuotaLimit)
		if err != nil {
			return err
		}
		if added {
			log.Info().Str("name", seed.Name).Msg("credential seeded")
		}
	}

	// Initialize external clients
	var translator service.Translator
	if cfg.OpenRouterAPIKey != "" {
		openRouterClient := openrouter.NewClient(cfg.OpenRouterAPIKey, openrouter.WithRateLimit(cfg.TranslateRatePerSec))
		if cfg.OpenRouterModel != "" {
			openRouterClient.SetModel(cfg.OpenRouterModel)
		}
		translator = openRouterClient
	}

	var completions service.CompletionSource
	if cfg.GmailConfigured() {
		completions = gmail.NewClient(cfg.GmailClientID, cfg.GmailClientSecret, cfg.GmailRefreshToken,
			gmail.WithQuery(cfg.GmailCompletionQuery))
	}

	queue := service.NewSubmissionQueue(itemRepo, notebook.NewClient(cfg.NotebookSubmitURL, cfg.NotebookAPIToken), service.QueueConfig{
		Concurrency:        cfg.SubmissionConcurrency,
		MaxDurationMinutes: cfg.SubmissionMaxDurationMinutes,
	})
	var enqueuer service.Enqueuer
	if cfg.NotebookSubmitURL != "" {
		enqueuer = queue
	}

	processor := service.NewSyncProcessor(pool, youtube.NewClient(), translator, itemRepo, subscriptionRepo, enqueuer, completions, service.SyncConfig{
		PageSize:         cfg.SyncPageSize,
		TranslateEnabled: cfg.TranslateEnabled,
		TargetLanguage:   cfg.TargetLanguage,
	})

	runner := scheduler.NewRunner(scheduler.Config{
		Location:       cfg.SchedulerLocation,
		DefaultTimeout: cfg.JobTimeout,
	}, jobStatusRepo)

	// Initialize watcher and ops API
	w := watcher.New(cfg, runner, processor, queue)
	handler := api.NewHandler(runner, jobStatusRepo, queue, pool).
		WithItemCounter(itemRepo).
		WithUsageReader(usageRepo)
	server := api.NewServer(cfg.HTTPAddr, handler.Router())

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		errChan <- w.Start(ctx)
	}()
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case <-sigChan:
		log.Info().Msg("Shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("Worker stopped unexpectedly")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}

	if runErr == nil {
		select {
		case <-shutdownCtx.Done():
			log.Warn().Msg("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Watcher error")
			}
		}
	}

	log.Info().Msg("Application stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
