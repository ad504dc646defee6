package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/md-rashed-zaman/carereminder/libs/config"
	"github.com/md-rashed-zaman/carereminder/libs/db"
	"github.com/md-rashed-zaman/carereminder/libs/grpcx"
	"github.com/md-rashed-zaman/carereminder/libs/httpx"
	"github.com/md-rashed-zaman/carereminder/libs/kafkax"
	otelx "github.com/md-rashed-zaman/carereminder/libs/otel"
	"github.com/md-rashed-zaman/carereminder/libs/redisx"
	"github.com/md-rashed-zaman/carereminder/libs/runtime"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/consumer"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/dispatch"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/handlers"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/hooks"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/inbox"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/preferences"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/settings"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/templates"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/tracker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = config.LoadDotEnv()

	service := config.String("SERVICE_NAME", "reminder-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	policy, err := settings.Load(config.String("REMINDER_CONFIG", "config/reminder.yaml"))
	if err != nil {
		logger.Error("invalid reminder policy", "err", err)
		panic(err)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	var readyChecks []runtime.ReadyCheck
	var store storage.Store
	var eventInbox consumer.Inbox

	switch driver := strings.ToLower(config.String("STORE_DRIVER", "postgres")); driver {
	case "memory":
		mem := storage.NewMemory()
		store, eventInbox = mem, mem
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			panic(err)
		}
		pool, err := db.Open(ctx, dbURL, db.OptionsFromEnv(service))
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		outboxRepo := outbox.NewRepository()
		store = storage.NewPostgres(pool, outboxRepo)
		eventInbox = inbox.NewRepository(pool)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		if brokers != "" {
			writer := kafkax.NewWriter(brokers)
			defer func() { _ = writer.Close() }()
			publisher := outbox.NewPublisher(pool, outboxRepo, writer, logger, outbox.PublisherConfig{
				PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
				BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
				Retention: config.Duration("OUTBOX_RETENTION", 7*24*time.Hour),
			})
			go publisher.Run(ctx)
		}
	}

	var locker redisx.Locker = redisx.NewLocalLocker()
	callbackPerMinute := config.Int("CALLBACK_RATE_LIMIT_PER_MINUTE", 600)
	callbackLimit := httpx.NewRateLimiter(callbackPerMinute, time.Minute).WithKey(httpx.ByRouteAndClientIP).Middleware()
	if url := config.String("REDIS_URL", ""); url != "" {
		rdb, err := redisx.Open(ctx, url)
		if err != nil {
			logger.Warn("redis unavailable, using process-local locks", "err", err)
		} else {
			defer func() { _ = rdb.Close() }()
			locker = redisx.NewFallbackLocker(redisx.NewRedisLocker(rdb, policy.LockTTL, policy.LockWait), locker, logger)
			rl := httpx.NewRedisRateLimiter(rdb, callbackPerMinute, time.Minute, "rl:callbacks").WithKey(httpx.ByRouteAndClientIP)
			callbackLimit = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
			readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
		}
	}

	adapters := buildAdapters(logger, store)

	plan := planner.New(store,
		preferences.NewResolver(store, policy.DefaultLeadTime),
		templates.NewResolver(store),
		templates.NewRenderer(policy.Location()),
		logger,
		planner.Config{ClampBuffer: policy.ClampBuffer, ManualOnly: !policy.AutomaticReminders},
	)
	lifecycle := hooks.New(store, plan, locker, logger)
	deliveries := tracker.New(store, lifecycle, logger)

	worker := dispatch.NewWorker(store, adapters, lifecycle, policy, logger)
	go worker.Run(ctx)

	if brokers != "" {
		eventConsumer := consumer.New(logger, eventInbox, consumer.Config{
			Brokers:     brokers,
			GroupID:     config.String("KAFKA_GROUP_ID", service),
			Topic:       config.String("KAFKA_CONSUME_TOPIC", consumer.TopicAppointmentLifecycle),
			MaxAttempts: config.Int("CONSUMER_MAX_ATTEMPTS", 3),
			RetryDelay:  config.Duration("CONSUMER_RETRY_DELAY", 500*time.Millisecond),
		}, consumer.LifecycleHandler(lifecycle, store))
		go eventConsumer.Run(ctx)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	} else {
		logger.Warn("KAFKA_BROKERS not set; appointment events and outbox publishing disabled")
	}

	verifier := auth.Verifier{Secret: config.String("JWT_SECRET", "")}
	if jwksURL := config.String("JWKS_URL", ""); jwksURL != "" {
		verifier.JWKS = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_CACHE_TTL", 5*time.Minute))
	}

	api := handlers.New(store, deliveries, lifecycle, adapters, logger, handlers.Config{
		TwilioAuthToken:   config.String("TWILIO_AUTH_TOKEN", ""),
		TwilioCallbackURL: config.String("TWILIO_STATUS_CALLBACK_URL", ""),
		SendTimeout:       policy.SendTimeout,
	})

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/", api.Routes(verifier, callbackLimit))

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(int64(config.Int("HTTP_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("HTTP_REQUEST_TIMEOUT", policy.SendTimeout+5*time.Second)),
	)
	handler = otelhttp.NewHandler(handler, "reminder")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if grpcPort := config.String("GRPC_PORT", ""); grpcPort != "" {
		checks := make([]grpcx.ReadyCheck, 0, len(readyChecks))
		for _, c := range readyChecks {
			checks = append(checks, grpcx.ReadyCheck{Name: c.Name, Check: c.Check})
		}
		lis, err := net.Listen("tcp", ":"+grpcPort)
		if err != nil {
			logger.Error("grpc listen failed", "err", err)
		} else {
			health := grpcx.NewHealthServer(logger, service, 10*time.Second, checks...)
			go func() {
				logger.Info("grpc health server starting", "addr", lis.Addr().String())
				if err := health.Serve(ctx, lis); err != nil {
					logger.Error("grpc health server error", "err", err)
				}
			}()
		}
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
