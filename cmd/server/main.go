package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/cache"
	"github.com/stemsi/exstem-cbt/internal/clock"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/handler"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stemsi/exstem-cbt/internal/router"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
	"github.com/stemsi/exstem-cbt/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("autosave_backend", cfg.AutosaveBackend).
		Msg("Starting ExStem CBT")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Autosave Store ────────────────────────────────────────────────
	store, closeStore, err := openAutosaveStore(cfg, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open autosave store")
	}
	defer closeStore()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	catalog := repository.NewCachedExamCatalog(examRepo, rdb, cfg.ExamCacheTTL, log)

	// ─── Initialize Services ──────────────────────────────────────────
	clk := clock.New()
	autosave := cache.NewAutosaveCache(store, log)
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	recorder := service.NewSubmissionRecorder(attemptRepo, autosave, clk, log)

	engineCfg := service.DefaultEngineConfig()
	engineCfg.TickInterval = cfg.TickInterval
	engineCfg.AutosaveInterval = cfg.AutosaveInterval
	engineCfg.SubmitMaxRetries = cfg.SubmitMaxRetries
	engineCfg.SubmitRetryBackoff = cfg.SubmitRetryBackoff

	sessions := service.NewSessionManager(service.EngineDeps{
		Catalog:  catalog,
		Attempts: attemptRepo,
		Guard:    service.NewAccessGuard(),
		Cache:    autosave,
		Recorder: recorder,
		Clock:    clk,
		Config:   engineCfg,
		Log:      log,
	})

	// Shared by the HTTP answer routes and the stream's answer messages.
	answerLimiter := middleware.NewRateLimiter(cfg.AnswerRateLimit, time.Minute)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		ExamSession: handler.NewExamSessionHandler(sessions, log),
		WS:          handler.NewWSHandler(sessions, answerLimiter, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	sweeper := worker.NewAutosaveSweeper(autosave, clk, cfg.AutosaveSweep, log)
	go sweeper.Start(workerCtx)

	limiterCleanup := clk.Every(time.Minute, func(time.Time) {
		answerLimiter.Cleanup(3 * time.Minute)
	})
	defer limiterCleanup.Stop()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, answerLimiter, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Flush every live session to the autosave store. Nothing is
	// submitted; students resume after the restart.
	sessions.Shutdown()

	// 3. Stop background workers.
	workerCancel()

	log.Info().Msg("Shutdown complete")
}

// openAutosaveStore picks the autosave backend named in the configuration.
func openAutosaveStore(cfg *config.Config, rdb *redis.Client, log zerolog.Logger) (cache.Store, func(), error) {
	switch cfg.AutosaveBackend {
	case config.AutosaveBackendBolt:
		db, err := database.OpenBolt(cfg.AutosaveBoltPath, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := cache.NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case config.AutosaveBackendMemory:
		log.Warn().Msg("Memory autosave backend: answers do not survive a restart")
		return cache.NewMemoryStore(), func() {}, nil
	default:
		return cache.NewRedisStore(rdb), func() {}, nil
	}
}
