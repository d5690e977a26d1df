package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finfolio/api-gateway/internal/config"
	"github.com/finfolio/api-gateway/internal/correlation"
	"github.com/finfolio/api-gateway/internal/infrastructure/rabbitmq"
	"github.com/finfolio/api-gateway/internal/infrastructure/redis"
	"github.com/finfolio/api-gateway/internal/pkg/logger"
	"github.com/finfolio/api-gateway/internal/transport/rest"
)

// busPoolSize covers both bus roles: the publisher channel and the
// subscriber channel land on separate connections.
const busPoolSize = 2

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// is_debug only fills in what the env leaves unset.
	if cfg.IsDebug && os.Getenv("LOG_LEVEL") == "" {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "api-gateway").
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Bus transport ----
	transport := rabbitmq.NewTransport(cfg.BusURL(), busPoolSize, log)

	{
		bootCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		defer cancel()

		ch, err := transport.OpenChannel(bootCtx)
		if err != nil {
			log.Fatal().Err(err).Str("host", cfg.Bus.Host).Msg("bus unreachable")
		}
		if err := rabbitmq.DeclareRequestQueue(ch); err != nil {
			log.Fatal().Err(err).Msg("bus topology declaration failed")
		}
		_ = ch.Close()
		log.Info().Str("host", cfg.Bus.Host).Msg("bus connected")
	}

	// ---- Correlation broker ----
	broker := correlation.NewBroker(log)
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		broker.Run(rootCtx)
	}()

	// ---- Response subscriber ----
	subscriber := rabbitmq.NewSubscriber(transport, broker, log)
	subscriberDone := make(chan struct{})
	go func() {
		defer close(subscriberDone)
		subscriber.Run(rootCtx)
	}()

	// ---- Request publisher ----
	publisher := rabbitmq.NewPublisher(transport, log)

	// ---- Rate limiter (optional) ----
	var (
		limiter rest.RateLimiter
		cache   *redis.Cache
	)
	if cfg.RateLimit.Enabled {
		cache = redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		limiter = cache

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; the limiter fails open when redis is away.
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
		}
	}

	// ---- Router ----
	h := rest.NewHandler(publisher, broker, cfg.RequestTimeout(), log)
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:         h,
		EnableCORS:      cfg.EnableCORS,
		AllowedOrigins:  cfg.AllowedOrigins,
		Limiter:         limiter,
		RateLimit:       cfg.RateLimit.Limit,
		RateLimitWindow: cfg.RateLimitWindow(),
	})

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.ListenPort).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server crash
	exitCode := 0
	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
		exitCode = 1
		stop()
	}

	// Teardown runs in reverse of construction. The broker wakes every
	// waiter on its way out, so handlers finish before the deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout()+5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	<-subscriberDone
	<-brokerDone

	publisher.Close()
	if cache != nil {
		_ = cache.Close()
	}
	transport.Close()

	log.Info().Msg("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
