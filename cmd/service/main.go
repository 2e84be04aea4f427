package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/parking-discovery-service/internal/cache"
	"github.com/kjstillabower/parking-discovery-service/internal/circuitbreaker"
	"github.com/kjstillabower/parking-discovery-service/internal/client"
	"github.com/kjstillabower/parking-discovery-service/internal/config"
	httphandler "github.com/kjstillabower/parking-discovery-service/internal/http"
	"github.com/kjstillabower/parking-discovery-service/internal/lifecycle"
	"github.com/kjstillabower/parking-discovery-service/internal/locator"
	"github.com/kjstillabower/parking-discovery-service/internal/models"
	"github.com/kjstillabower/parking-discovery-service/internal/observability"
	"github.com/kjstillabower/parking-discovery-service/internal/service"
)

// backend is a Store that can be pinged and closed.
type backend interface {
	cache.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	lifecycle.MarkStarted(time.Now())

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

	source, err := client.NewOverpassClientWithRetry(
		cfg.SpatialSourceURL,
		cfg.SpatialSourceTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("spatial source client", zap.Error(err))
	}
	source.SetUserAgent(cfg.UserAgent)

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "spatial_source",
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		source.SetCircuitBreaker(breaker)
		observability.CircuitBreakerState.WithLabelValues("spatial_source").Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	resolver, err := client.NewNominatimClient(cfg.AddressResolverURL, cfg.UserAgent, cfg.AddressResolverTimeout, logger)
	if err != nil {
		logger.Fatal("address resolver client", zap.Error(err))
	}

	ranking, err := locator.ParseRanking(cfg.Ranking)
	if err != nil {
		logger.Fatal("ranking", zap.Error(err))
	}
	finder := locator.New(source, resolver, locator.Config{
		RadiusMeters:       cfg.SearchRadiusMeters,
		MaxResults:         cfg.MaxResults,
		Ranking:            ranking,
		ResolveConcurrency: cfg.AddressResolverConcurrency,
		ResolveTimeout:     cfg.AddressResolverTimeout,
	}, logger)

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("result cache store", zap.Error(err))
	}
	resultCache := cache.NewResultCache(store, cfg.CacheTTL, logger)
	discovery := service.NewDiscoveryService(finder, resultCache, cfg.GeolocationTimeout, logger)
	discovery.SetSessionTimeout(cfg.RequestTimeout)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:      cfg.DegradedWindow,
		DegradedMinSessions: cfg.DegradedMinSessions,
		DegradedFailurePct:  cfg.DegradedFailurePct,
		StorePing:           store.Ping,
	}
	if breaker != nil {
		healthConfig.BreakerState = func() string { return breaker.State().String() }
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(discovery, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if cfg.WarmCache {
		home := models.Coordinate{Latitude: cfg.HomeLatitude, Longitude: cfg.HomeLongitude}
		warmer := cache.NewWarmer(discovery, cfg.WarmClientID, logger)
		go func() {
			if err := warmer.WarmPeriodic(warmCtx, home, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	stopWarming()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests",
		zap.Int64("count", httphandler.InFlightCount()),
		zap.Any("routes", httphandler.InFlightByRoute()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	err = httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval, func(remaining int64) {
		logger.Debug("draining", zap.Int64("remaining", remaining))
	})
	if err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Any("routes", httphandler.InFlightByRoute()))
	}

	if err := store.Close(); err != nil {
		logger.Error("result cache store close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openStore builds the configured result cache backend.
func openStore(cfg *config.Config, logger *zap.Logger) (backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.CacheBackend {
	case "memcached":
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
	case "redis":
		s := cache.NewRedisStoreFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
		return s, nil
	case "postgres":
		db, err := cache.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s := cache.NewPostgresStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("cache backend: postgres")
		return s, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryStore(), nil
	}
}
