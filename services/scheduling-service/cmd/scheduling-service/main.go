package main

import (
	"context"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alshifa-dental/scheduling/libs/config"
	"github.com/alshifa-dental/scheduling/libs/db"
	"github.com/alshifa-dental/scheduling/libs/kafkax"
	otelx "github.com/alshifa-dental/scheduling/libs/otel"
	"github.com/alshifa-dental/scheduling/libs/runtime"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/configcache"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/handlers"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/metrics"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/outbox"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
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

	m := metrics.New(prometheus.DefaultRegisterer)
	var checks []runtime.ReadyCheck

	var store booking.Store
	dbURL := config.String("DATABASE_URL", "")
	if dbURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		store = storage.NewMemory()
	} else {
		if config.Bool("MIGRATE_ON_START", false) {
			if err := storage.Migrate(dbURL, db.MigrateUp); err != nil {
				logger.Error("migration failed", "err", err)
				panic(err)
			}
			logger.Info("migrations applied")
		}
		pool, err := db.Open(ctx, dbURL, db.Options{
			MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
			MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
		})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		outboxRepo := outbox.NewRepository()
		store = storage.NewPostgres(pool, outboxRepo)

		if brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", "")); len(brokers) > 0 {
			writer := outbox.NewKafkaWriter(brokers)
			defer func() { _ = writer.Close() }()
			publisher := outbox.NewPublisher(pool, outboxRepo, logger, m, outbox.PublisherConfig{
				PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
				BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
				Retention: config.Duration("OUTBOX_RETENTION", 72*time.Hour),
			})
			go publisher.Run(ctx, writer)
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
			logger.Info("outbox publisher started", "brokers", brokers)
		} else {
			logger.Warn("KAFKA_BROKERS not set; outbox events stay in the database")
		}
	}

	opts := []booking.Option{booking.WithLogger(logger), booking.WithMetrics(m)}
	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		cache := configcache.New(rdb, store, config.Duration("SCHEDULE_CACHE_TTL", 5*time.Minute), logger)
		opts = append(opts, booking.WithScheduleReader(cache))
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: configcache.ReadyCheck(rdb)})
		logger.Info("schedule cache enabled", "redis_addr", addr)
	}
	svc := booking.NewService(store, opts...)

	router := runtime.NewBaseRouter(checks...)
	router.Handle("/metrics", promhttp.Handler())
	handlers.New(svc, logger).Routes(router)

	httpHandler := withMiddleware(router, logger, rdb)
	httpHandler = otelhttp.NewHandler(httpHandler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go serveGRPC(ctx, ":"+grpcPort, service, checks, logger)

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
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

