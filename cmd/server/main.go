package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/config"
	"gitlab.tepseg.com/ai/account-pool/internal/database"
	"gitlab.tepseg.com/ai/account-pool/internal/handler"
	"gitlab.tepseg.com/ai/account-pool/internal/jobs"
	"gitlab.tepseg.com/ai/account-pool/internal/middleware"
	"gitlab.tepseg.com/ai/account-pool/internal/redis"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
	"gitlab.tepseg.com/ai/account-pool/internal/secret"
	"gitlab.tepseg.com/ai/account-pool/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("K_SERVICE") != "" || os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	accountRepo := repository.NewAccountRepository(db.DB)
	bindingRepo := repository.NewBindingRepository(db.DB)
	statsRepo := repository.NewStatsRepository(db.DB)

	leaseManager := service.NewLeaseManager(cfg.LeaseTimeout())
	healthTracker := service.NewHealthTracker(accountRepo, cfg.ErrorPenalty)
	hourlyLimiter := service.NewHourlyLimiter(redisClient.Client)
	usageLedger := service.NewUsageLedger(redisClient.Client, cfg.LedgerStream)

	allocator := service.NewAllocator(
		accountRepo, bindingRepo, leaseManager, healthTracker,
		hourlyLimiter, usageLedger, cfg.HealthFloor,
	)
	accountService := service.NewAccountService(accountRepo, bindingRepo, healthTracker, leaseManager, cfg.EncryptionKey)
	bindingService := service.NewBindingService(bindingRepo, accountRepo)
	secretStore := secret.NewStore(accountRepo, cfg.EncryptionKey)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminToken)

	allocationHandler := handler.NewAllocationHandler(allocator, cfg.DefaultEstimatedTokens)
	adminHandler := handler.NewAdminHandler(accountService, bindingService, statsRepo, leaseManager, cfg.HealthFloor)
	credentialHandler := handler.NewCredentialHandler(secretStore)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1/allocations", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Mount("/", allocationHandler.Routes())
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/credentials/{accountID}", credentialHandler.GetCredential)
	})

	maintenanceJob := jobs.NewMaintenanceJob(
		bindingService, accountService, allocator, cfg.MaintenanceInterval(),
	)
	maintenanceJob.Start()
	defer maintenanceJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
