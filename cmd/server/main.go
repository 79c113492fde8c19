package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/api"
	"github.com/ispkit/whatsqueue/internal/circuitbreaker"
	"github.com/ispkit/whatsqueue/internal/config"
	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/dispatch"
	"github.com/ispkit/whatsqueue/internal/metrics"
	"github.com/ispkit/whatsqueue/internal/observ"
	"github.com/ispkit/whatsqueue/internal/redis"
	"github.com/ispkit/whatsqueue/internal/scheduler"
	"github.com/ispkit/whatsqueue/internal/whatsapp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting whatsqueue server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	messages := db.NewMessageRepository(database, logger)
	quotas := db.NewQuotaRepository(database, logger)
	configs := db.NewConfigRepository(database, logger)
	invoices := db.NewInvoiceRepository(database, logger)
	templates := db.NewTemplateRepository(database, logger)

	// Initialize Redis for job locks and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, job locks and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var locks dispatch.Locker
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		locks = redis.NewJobLock(redisClient, logger, time.Duration(cfg.DispatchLockTTL)*time.Second)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per company
		})
		defer redisClient.Close()
	}

	// Gateway client behind a circuit breaker
	gateway := whatsapp.NewClient(logger, whatsapp.ClientConfig{
		Timeout: time.Duration(cfg.GatewayTimeout) * time.Second,
	})
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp-gateway"), logger)
	sender := circuitbreaker.NewProtectedSender(gateway, breaker, logger)

	// Scheduled jobs
	dispatcher := dispatch.NewDispatcher(messages, quotas, sender, locks, dispatch.DispatcherConfig{
		SendTimeout: time.Duration(cfg.GatewayTimeout) * time.Second,
	}, logger)
	scanner := dispatch.NewScanner(messages, invoices, templates, locks, logger)
	quotaReset := dispatch.NewQuotaReset(quotas, locks, logger)
	invoiceGen := dispatch.NewInvoiceGenerator(messages, invoices, templates, locks, logger)

	sched := scheduler.New(configs, location, time.Duration(cfg.TickInterval)*time.Second, logger)
	sched.AddDailyJob("quota_reset", cfg.QuotaResetTime, func(ctx context.Context, now time.Time) error {
		return quotaReset.Run(ctx, now)
	})
	sched.AddCompanyJob("invoice_gen",
		func(c *db.CompanyConfig) string { return cfg.InvoiceRunTime },
		func(ctx context.Context, c *db.CompanyConfig, now time.Time) error {
			_, err := invoiceGen.RunCompany(ctx, c, now)
			return err
		})
	sched.AddCompanyJob("deadline_scan",
		func(c *db.CompanyConfig) string { return c.DeadlineCheckTime },
		func(ctx context.Context, c *db.CompanyConfig, now time.Time) error {
			_, err := scanner.RunCompany(ctx, c, now)
			return err
		})
	sched.AddCompanyJob("dispatch",
		func(c *db.CompanyConfig) string { return c.MessageSendTime },
		func(ctx context.Context, c *db.CompanyConfig, now time.Time) error {
			_, err := dispatcher.RunCompany(ctx, c, now)
			return err
		})

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	go sched.Start(schedCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, messages, quotas, configs, sender)
	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CompanyKeyFunc))

		r.Post("/messages", handler.CreateMessage)
		r.Get("/messages", handler.ListMessages)
		r.Get("/messages/{id}", handler.GetMessage)
		r.Post("/messages/{id}/requeue", handler.RequeueMessage)
		r.Delete("/messages/{id}", handler.DeleteMessage)

		r.Get("/quota", handler.GetQuota)

		r.Get("/config/{company_id}", handler.GetConfig)
		r.Put("/config/{company_id}", handler.PutConfig)
		r.Post("/config/{company_id}/test", handler.TestConnection)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		schedCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
