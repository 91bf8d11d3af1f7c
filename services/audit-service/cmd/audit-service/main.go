package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alshifa-dental/scheduling/libs/config"
	"github.com/alshifa-dental/scheduling/libs/db"
	"github.com/alshifa-dental/scheduling/libs/httpx"
	"github.com/alshifa-dental/scheduling/libs/kafkax"
	otelx "github.com/alshifa-dental/scheduling/libs/otel"
	"github.com/alshifa-dental/scheduling/libs/runtime"
	"github.com/alshifa-dental/scheduling/services/audit-service/internal/consumer"
	"github.com/alshifa-dental/scheduling/services/audit-service/internal/history"
	"github.com/alshifa-dental/scheduling/services/audit-service/internal/inbox"
	"github.com/alshifa-dental/scheduling/services/audit-service/internal/migrations"
)

const defaultTopics = "scheduling.reservation.confirmed.v1,scheduling.reservation.cancelled.v1," +
	"scheduling.reservation.completed.v1,scheduling.reservation.no_show.v1"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "audit-service")
	port, err := config.Port("PORT", "8091")
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
	if config.Bool("MIGRATE_ON_START", false) {
		if err := migrations.Migrate(dbURL, db.MigrateUp); err != nil {
			logger.Error("migration failed", "err", err)
			panic(err)
		}
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	historyRepo := history.NewRepository(pool)
	inboxRepo := inbox.NewRepository()
	recordHistory := func(ctx context.Context, tx pgx.Tx, msg kafka.Message) error {
		meta := kafkax.ExtractEventMeta(msg)
		entry, err := history.EntryFromEvent(meta.EventID, meta.EventType, msg.Value)
		if errors.Is(err, history.ErrInvalidEvent) {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic, "event_id", meta.EventID)
			return nil
		}
		if err != nil {
			return err
		}
		return historyRepo.Append(ctx, tx, entry)
	}

	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	if len(brokers) > 0 {
		for _, topic := range config.List("AUDIT_TOPICS", defaultTopics) {
			reader := consumer.NewReader(consumer.Config{
				Brokers: brokers,
				GroupID: config.String("KAFKA_GROUP_ID", service),
				Topic:   topic,
			})
			go consumer.New(reader, pool, inboxRepo, logger, recordHistory).Run(ctx)
			logger.Info("consuming", "topic", topic)
		}
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	} else {
		logger.Warn("KAFKA_BROKERS not set; history is read-only")
	}

	router := runtime.NewBaseRouter(checks...)
	history.NewHandler(historyRepo, logger).Routes(router)

	httpHandler := httpx.Chain(router,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 10*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

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
