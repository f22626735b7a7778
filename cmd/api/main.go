// Package main is the entry point for the lead scheduler API server.
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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/batch"
	"github.com/capitalize-ai/lead-scheduler/internal/coalescer"
	"github.com/capitalize-ai/lead-scheduler/internal/config"
	"github.com/capitalize-ai/lead-scheduler/internal/crm"
	"github.com/capitalize-ai/lead-scheduler/internal/handler"
	"github.com/capitalize-ai/lead-scheduler/internal/llm"
	"github.com/capitalize-ai/lead-scheduler/internal/middleware"
	natsclient "github.com/capitalize-ai/lead-scheduler/internal/nats"
	"github.com/capitalize-ai/lead-scheduler/internal/pipeline"
	"github.com/capitalize-ai/lead-scheduler/internal/scheduler"
	"github.com/capitalize-ai/lead-scheduler/internal/service"
	"github.com/capitalize-ai/lead-scheduler/internal/store"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting lead scheduler")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "lead-scheduler", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	checks := map[string]handler.Check{}

	// NATS carries analytics and, optionally, contact contexts
	var (
		natsClient *natsclient.Client
		streams    *natsclient.StreamManager
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streams = natsclient.NewStreamManager(natsClient)
		if err := streams.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		checks["nats"] = natsClient.Ping
	}

	// Contact contexts
	var contexts store.ContextStore = store.NewMemoryContextStore()
	if cfg.ContextStore == "nats" {
		kv, err := natsclient.NewKVContextStore(ctx, natsClient, cfg.ContextTTL)
		if err != nil {
			log.Fatal("failed to open context bucket", zap.Error(err))
		}
		contexts = kv
	}

	// Bookings
	var bookings store.BookingRepository = store.NewMemoryBookingStore()
	if cfg.DatabaseURL != "" {
		pool, err := store.OpenPostgres(ctx, store.PostgresConfig{DSN: cfg.DatabaseURL})
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		pg := store.NewPostgresBookingStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate bookings", zap.Error(err))
		}
		bookings = pg
		checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	// Booking attempt limiter
	var limiter scheduler.AttemptLimiter = scheduler.NewMemoryLimiter(time.Hour)
	if cfg.RedisAddr != "" {
		rdb, err := store.OpenRedis(ctx, store.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		limiter = scheduler.NewRedisLimiter(rdb, time.Hour)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// CRM client
	crmClient := crm.NewClient(crm.Config{
		BaseURL:    cfg.GHLBaseURL,
		APIKey:     cfg.GHLAPIKey,
		LocationID: cfg.GHLLocationID,
		Timeout:    cfg.CRMTimeout,
		MaxRetries: 2,
	}, log)

	// LLM client; without one the analyzer degrades and the responder asks
	// fixed questions
	var llmClient llm.Client
	key := cfg.AnthropicAPIKey
	if cfg.DefaultLLM == string(llm.ProviderOpenAI) {
		key = cfg.OpenAIAPIKey
	}
	if c, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), key, cfg.LLMModel); err != nil {
		log.Warn("LLM client unavailable, using fixed replies", zap.String("provider", cfg.DefaultLLM), zap.Error(err))
	} else {
		llmClient = llm.WithTimeout(c, cfg.LLMTimeout)
	}
	analyzer := llm.NewAnalyzer(llmClient, log)
	responder := llm.NewResponder(llmClient, log)

	// Scheduler
	location, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		log.Fatal("invalid BUSINESS_TIMEZONE", zap.Error(err))
	}
	hours, err := scheduler.ParseBusinessHours(cfg.BusinessHours)
	if err != nil {
		log.Fatal("invalid BUSINESS_HOURS", zap.Error(err))
	}
	sched := scheduler.New(scheduler.Config{
		CalendarID:           cfg.GHLCalendarID,
		AssignedUserID:       cfg.GHLAssignedUserID,
		Location:             location,
		Hours:                hours,
		BufferMinutes:        cfg.BookingBufferMinutes,
		ScoreThreshold:       cfg.BookingScoreThreshold,
		MaxAttemptsPerHour:   cfg.BookingMaxAttempts,
		OfferTTL:             cfg.OfferTTL,
		SelectionRetryCap:    cfg.SelectionRetryCap,
		AutoBookFirstSlot:    cfg.AutoBookFirstSlot,
		Confirmation:         scheduler.Confirmation(cfg.ConfirmationStrategy),
		ManualWorkflowID:     cfg.ManualSchedulingWorkflowID,
		AppointmentTimeField: cfg.FieldAppointmentTime,
		AppointmentTypeField: cfg.FieldAppointmentType,
	}, crmClient, limiter, bookings, log)

	// Enrichment pipeline
	pipe, err := pipeline.New(pipeline.Config{
		ActivationTag:  cfg.ActivationTag,
		OptOutTag:      cfg.OptOutTag,
		LeadScoreField: cfg.FieldLeadScore,
	}, contexts, analyzer, responder, sched, log)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	// Intake
	deps := service.Deps{
		Coalescer: coalescer.New(coalescer.Config{Window: cfg.DedupWindow, Capacity: cfg.DedupCapacity}, log),
		Pipeline:  pipe,
		Analyzer:  analyzer,
		Contexts:  contexts,
		Actions:   crmClient,
	}
	var events service.EventReader
	if streams != nil {
		deps.Events = streams
		events = streams
	}
	intake := service.NewIntake(service.Config{
		Batching: cfg.BatchingEnabled,
		Batch: batch.Config{
			MaxSize:        cfg.BatchMaxSize,
			MaxAge:         cfg.BatchMaxAge,
			ContactWindow:  cfg.BatchContactWindow,
			AccountWindow:  cfg.BatchAccountWindow,
			AccountMaxSize: cfg.BatchAccountMaxSize,
		},
		ProcessTimeout:  cfg.ProcessTimeout,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, deps, log)
	status := service.NewStatus(contexts, bookings, events, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(checks)
	webhookHandler := handler.NewWebhookHandler(intake, cfg.GHLLocationID, log)
	var searcher handler.ContactSearcher
	if cfg.GHLAPIKey != "" {
		searcher = crmClient
	}
	adminHandler := handler.NewAdminHandler(status, intake, searcher, cfg.GHLLocationID, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// CRM webhooks
	r.Group(func(r chi.Router) {
		r.Use(middleware.WebhookSecret(cfg.WebhookSecret))
		r.Use(middleware.WebhookRateLimit(cfg.WebhookRateLimitRequests, time.Minute))
		r.Post("/webhooks/ghl", webhookHandler.Handle)
		r.Post("/webhook", webhookHandler.Handle)
	})

	// Admin API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RequireScope(middleware.ScopeLeadsRead))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		adminHandler.Routes(r)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Flush pending batches and wait for deferred CRM delivery
	intake.Close()

	log.Info("server stopped")
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Development() {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}
