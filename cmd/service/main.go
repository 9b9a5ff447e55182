package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/music-popularity-service/internal/cache"
	"github.com/kjstillabower/music-popularity-service/internal/circuitbreaker"
	"github.com/kjstillabower/music-popularity-service/internal/client"
	"github.com/kjstillabower/music-popularity-service/internal/config"
	httphandler "github.com/kjstillabower/music-popularity-service/internal/http"
	"github.com/kjstillabower/music-popularity-service/internal/lifecycle"
	"github.com/kjstillabower/music-popularity-service/internal/observability"
	"github.com/kjstillabower/music-popularity-service/internal/service"
	"github.com/kjstillabower/music-popularity-service/internal/store"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	db, err := store.Open(cfg.DatabaseDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	counters := store.NewCounterStore(db, logger)
	ledger := store.NewLikeLedger(db, counters, logger)
	history := store.NewHistoryStore(db, logger)

	var popCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		popCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		popCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	var similarity service.SimilarityFinder
	if cfg.SimilarityAPIURL != "" {
		simClient, err := client.NewHTTPSimilarityClient(
			cfg.SimilarityAPIURL,
			cfg.SimilarityAPITimeout,
			cfg.RetryAttempts,
			cfg.RetryBaseDelay,
			cfg.RetryMaxDelay,
		)
		if err != nil {
			logger.Fatal("similarity client", zap.Error(err))
		}
		cb := circuitbreaker.New(circuitbreaker.Config{
			Component: "similarity_api",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("similarity_api", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("similarity_api", float64(to))
			},
		})
		simClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("similarity_api", 0)
		similarity = simClient
		logger.Info("similarity API enabled", zap.String("url", cfg.SimilarityAPIURL))
	} else {
		logger.Info("similarity API disabled")
	}

	popularity := service.NewTrackPopularityService(
		counters, ledger, popCache, similarity,
		cfg.CacheTTL, cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay,
	)

	if cfg.WarmCache && len(cfg.WarmLimits) > 0 {
		warmer := cache.NewWarmer(popularity, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmLimits); err != nil {
			logger.Warn("leaderboard warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), cfg.WarmLimits, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic leaderboard warming stopped", zap.Error(err))
				}
			}()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	dbPing := func(ctx context.Context) error { return store.Ping(ctx, db) }
	var cachePing func() error
	if memcacheCloser != nil {
		cachePing = memcacheCloser.Ping
	}
	handler := httphandler.NewHandler(
		popularity, history, counters, ledger, logger,
		httphandler.LimitBounds{Default: cfg.LeaderboardDefaultLimit, Max: cfg.LeaderboardMaxLimit},
		dbPing, cachePing,
	)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	apiRouter := router.PathPrefix("/").Subrouter()
	apiRouter.Use(httphandler.RateLimitMiddleware(limiter))
	apiRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	apiRouter.Use(httphandler.IdentityMiddleware(cfg.JWTSecret, logger))
	apiRouter.HandleFunc("/tracks/top", handler.GetTopTracks).Methods("GET")
	apiRouter.HandleFunc("/tracks/{id}/play", handler.PostPlay).Methods("POST")
	apiRouter.HandleFunc("/tracks/{id}/like", handler.PostLike).Methods("POST")
	apiRouter.HandleFunc("/tracks/{id}/similar", handler.GetSimilarTracks).Methods("GET")
	apiRouter.HandleFunc("/me/history", handler.GetHistory).Methods("GET")
	apiRouter.HandleFunc("/me/likes", handler.GetLikedTracks).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	lifecycle.SetReady(true)

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Error("database close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
