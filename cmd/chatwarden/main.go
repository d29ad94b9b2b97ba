package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/chatwarden/internal/config"
	"github.com/p-blackswan/chatwarden/internal/deletion"
	"github.com/p-blackswan/chatwarden/internal/event"
	"github.com/p-blackswan/chatwarden/internal/health"
	"github.com/p-blackswan/chatwarden/internal/metrics"
	"github.com/p-blackswan/chatwarden/internal/moderation"
	"github.com/p-blackswan/chatwarden/internal/retry"
	"github.com/p-blackswan/chatwarden/internal/server"
	"github.com/p-blackswan/chatwarden/internal/store"
	"github.com/p-blackswan/chatwarden/internal/telegram"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Dur("routine_delay", cfg.RoutineDelay).
		Dur("reply_delay", cfg.ReplyDelay).
		Int("admins", len(cfg.AdminIDs)).
		Msg("starting chatwarden")

	policy, err := moderation.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load policy")
	}

	db, err := store.New(cfg.WarnDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	bot, err := telegram.New(cfg.BotToken, logger,
		telegram.WithPollTimeout(cfg.PollTimeout),
		telegram.WithRetry(retry.Config{
			MaxAttempts: cfg.DeleteMaxAttempts,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      true,
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to telegram")
	}

	m := metrics.New()
	m.RegisterStoreSize(db.DBSizeBytes)

	registry := deletion.NewRegistry(deletion.WithTerminalHook(func(job deletion.Job) {
		m.RecordJobFinished(job)
		if job.Status == deletion.StatusFailed {
			recordFailure(db, job, logger)
		}
	}))
	scheduler := deletion.NewScheduler(deletion.Config{
		Retry: retry.Config{
			MaxAttempts: cfg.DeleteMaxAttempts,
			BaseDelay:   cfg.DeleteRetryBase,
			MaxDelay:    cfg.DeleteRetryMax,
			Jitter:      cfg.DeleteRetryJitter,
		},
		Workers:     cfg.DeleteWorkers,
		QueueSize:   cfg.DeleteQueueSize,
		CallTimeout: cfg.DeleteCallTimeout,
		RatePerSec:  cfg.DeleteRatePerSec,
		RateBurst:   cfg.DeleteRateBurst,
	}, registry, deletion.NewExecutor(bot, logger), logger, deletion.WithRecorder(m))
	m.RegisterActiveJobs(scheduler.ActiveJobs)

	mod := moderation.New(moderation.Config{
		RoutineDelay:   cfg.RoutineDelay,
		ReplyDelay:     cfg.ReplyDelay,
		ViolationDelay: cfg.ViolationDelay,
		MuteDuration:   cfg.MuteDuration,
		AdminCacheTTL:  cfg.AdminCacheTTL,
		IsAdmin:        cfg.IsAdmin,
	}, policy, scheduler, bot, db, logger, moderation.WithRecorder(m))

	checker := health.NewChecker(logger)
	checker.Register("store", checker.Pinger("store", db.Ping))
	checker.Register("telegram", checker.Pinger("telegram", bot.Ping))
	checker.Register("scheduler", func(context.Context) health.Status {
		if scheduler.Running() {
			return health.StatusOK
		}
		return health.StatusDown
	})

	srv := server.New(server.Config{Port: cfg.HTTPPort}, server.Deps{
		Checker: checker,
		Jobs:    scheduler,
		Actions: db,
		Failed:  db,
		Metrics: m.Handler(),
	}, logger)

	// Cancelling ctx stops polling and intake. Handlers already running keep
	// their own timeout, so their replies are sent and scheduled before Stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	scheduler.Start(context.Background())
	db.StartRetention(ctx, cfg.RetentionInterval, cfg.LogRetention)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	events := make(chan event.Message, 256)
	var source event.Source = bot
	if err := source.Subscribe(ctx, events); err != nil {
		logger.Fatal().Err(err).Str("source", source.Name()).Msg("failed to subscribe")
	}

	modDone := make(chan struct{})
	go func() {
		defer close(modDone)
		if err := mod.Run(ctx, events); err != nil {
			logger.Error().Err(err).Msg("moderator stopped with error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	select {
	case <-modDone:
	case <-time.After(moderation.DefaultConfig().HandleTimeout + 5*time.Second):
		logger.Warn().Msg("moderator did not finish in time")
	}

	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("chatwarden stopped")
}

// recordFailure keeps a message the scheduler gave up on so an operator can
// remove it by hand.
func recordFailure(db *store.Store, job deletion.Job, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := db.SaveFailedDeletion(ctx, &store.FailedDeletion{
		ChatID:    job.Key.ChatID,
		MessageID: job.Key.MessageID,
		Attempts:  job.Attempts,
	})
	if err != nil {
		logger.Error().Err(err).Str("key", job.Key.String()).Msg("failed to record failed deletion")
	}
}
