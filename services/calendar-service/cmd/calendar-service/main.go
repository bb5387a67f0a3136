package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/solobook/solobook/libs/config"
	"github.com/solobook/solobook/libs/db"
	"github.com/solobook/solobook/libs/httpx"
	"github.com/solobook/solobook/libs/kafkax"
	otelx "github.com/solobook/solobook/libs/otel"
	"github.com/solobook/solobook/libs/runtime"
	"github.com/solobook/solobook/services/calendar-service/internal/availability"
	"github.com/solobook/solobook/services/calendar-service/internal/conflict"
	"github.com/solobook/solobook/services/calendar-service/internal/consumer"
	"github.com/solobook/solobook/services/calendar-service/internal/handlers"
	"github.com/solobook/solobook/services/calendar-service/internal/inbox"
	"github.com/solobook/solobook/services/calendar-service/internal/lifecycle"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/outbox"
	"github.com/solobook/solobook/services/calendar-service/internal/scheduling"
	"github.com/solobook/solobook/services/calendar-service/internal/storage"
	"github.com/solobook/solobook/services/calendar-service/internal/syncjobs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	service := config.String("SERVICE_NAME", "calendar-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
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

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	appointments := storage.NewAppointmentRepository(pool)
	availabilityRepo := storage.NewAvailabilityRepository(pool)
	users := storage.NewUserRepository(pool)
	availStore := availability.NewStore(availabilityRepo)

	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	engine := scheduling.NewClient(scheduling.Config{
		BaseURL:        config.String("ENGINE_BASE_URL", "http://localhost:9090"),
		APIKey:         config.String("ENGINE_API_KEY", ""),
		MaxAttempts:    config.Int("ENGINE_MAX_ATTEMPTS", 3),
		BaseDelay:      config.Duration("ENGINE_RETRY_BASE_DELAY", time.Second),
		AttemptTimeout: config.Duration("ENGINE_ATTEMPT_TIMEOUT", 10*time.Second),
	}, appointments, logger)

	jobsRepo := syncjobs.NewRepository()
	retryQueue := syncjobs.NewQueue(pool, jobsRepo)
	retryWorker := syncjobs.NewWorker(pool, jobsRepo, outboxRepo, engine, appointments, availStore, logger, syncjobs.WorkerConfig{
		Interval:   config.Duration("SYNC_RETRY_INTERVAL", 5*time.Second),
		BatchSize:  config.Int("SYNC_RETRY_BATCH_SIZE", 50),
		Backoff:    config.Duration("SYNC_RETRY_BACKOFF", 30*time.Second),
		IsNotFound: storage.IsNotFound,
	})
	go retryWorker.Run(ctx)

	// Engine webhooks arrive via a bridge that republishes them onto Kafka.
	// Remote-side drift (a booking changed or cancelled behind our back) is
	// answered by re-pushing the authoritative local state.
	if topic := config.String("ENGINE_EVENTS_TOPIC", ""); topic != "" {
		inboxRepo := inbox.NewRepository(pool)
		engineConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   topic,
		}, func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				AppointmentID string `json:"appointment_id"`
				ExternalRef   string `json:"external_ref"`
				Action        string `json:"action"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid engine event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.AppointmentID == "" {
				return nil
			}

			appt, err := appointments.GetByID(ctx, payload.AppointmentID)
			if err != nil {
				if storage.IsNotFound(err) {
					// Already gone locally; the delete path owns remote cleanup.
					return nil
				}
				return err
			}

			logger.Info("engine drift detected, re-pushing local state",
				"appointment_id", appt.ID, "action", payload.Action)
			if err := appointments.SetSyncStatus(ctx, appt.ID, model.SyncPending); err != nil {
				return err
			}
			return retryQueue.Enqueue(ctx, syncjobs.OpUpdate, appt.ID, appt.ExternalRef)
		})
		go engineConsumer.Run(ctx)
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		Store:        appointments,
		Availability: availStore,
		Engine:       engine,
		Retry:        retryQueue,
		Events:       outbox.NewRecorder(outboxRepo),
		Resolver:     conflict.NewResolver(config.Duration("MAX_APPOINTMENT_DURATION", conflict.DefaultMaxDuration)),
		Logger:       logger,
		IsNotFound:   storage.IsNotFound,
	})

	authHandler := handlers.NewAuthHandler(users, jwtSecret, config.Duration("JWT_TTL", 24*time.Hour))
	appointmentHandler := handlers.NewAppointmentHandler(manager, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(availStore, engine, appointments, retryQueue, logger)

	requireAuth := handlers.WithAuth(jwtSecret)
	protected := func(h http.HandlerFunc) http.Handler {
		return requireAuth(h)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
		runtime.ReadyCheck{Name: "engine", Check: engine.ReadyCheck()},
	)
	mux.HandleFunc("/api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("/api/v1/auth/login", authHandler.Login)
	mux.Handle("/api/v1/auth/me", protected(authHandler.Me))
	mux.Handle("/api/v1/appointments", protected(appointmentHandler.Collection))
	mux.Handle("/api/v1/appointments/upcoming", protected(appointmentHandler.Upcoming))
	mux.Handle("/api/v1/appointments/{id}", protected(appointmentHandler.Item))
	mux.Handle("/api/v1/availability", protected(availabilityHandler.Config))
	mux.Handle("/api/v1/availability/slots", protected(availabilityHandler.Slots))

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(origins),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT", 120),
			config.Duration("RATE_LIMIT_WINDOW", time.Minute),
			service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "calendar")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
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
