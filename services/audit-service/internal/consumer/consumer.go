package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alshifa-dental/scheduling/libs/db"
	"github.com/alshifa-dental/scheduling/libs/kafkax"
	"github.com/alshifa-dental/scheduling/services/audit-service/internal/inbox"
)

// Handler applies one event inside the transaction that also records it in the inbox.
type Handler func(ctx context.Context, tx pgx.Tx, msg kafka.Message) error

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer processes each message at least once and applies its effects exactly once: the
// inbox row and the handler's writes commit together, and the offset is committed afterwards.
type Consumer struct {
	reader  Reader
	conn    db.Conn
	inbox   *inbox.Repository
	logger  *slog.Logger
	handler Handler

	retryDelay func(attempt int) time.Duration
}

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func New(reader Reader, conn db.Conn, inboxRepo *inbox.Repository, logger *slog.Logger, handler Handler) *Consumer {
	return &Consumer{
		reader:  reader,
		conn:    conn,
		inbox:   inboxRepo,
		logger:  logger,
		handler: handler,

		retryDelay: backoff,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer func() { _ = c.reader.Close() }()

	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Error("kafka read error", "err", err, "failures", failures)
			if !sleep(ctx, backoff(failures)) {
				return
			}
			continue
		}

		if !c.processUntilDone(ctx, msg) {
			return
		}
		failures = 0
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err)
		}
	}
}

// processUntilDone retries msg until Process succeeds, so a later commit never skips it.
// Payloads that can never apply are acknowledged by the handler returning nil. It reports
// false when ctx ends first.
func (c *Consumer) processUntilDone(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := c.Process(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("event processing failed", "err", err, "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt)
		if !sleep(ctx, c.retryDelay(attempt)) {
			return false
		}
	}
}

// backoff doubles from 500ms per consecutive failure, capped at 30s.
func backoff(failures int) time.Duration {
	d := 500 * time.Millisecond
	for i := 1; i < failures && d < 30*time.Second; i++ {
		d *= 2
	}
	return min(d, 30*time.Second)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process records msg in the inbox and runs the handler in one transaction. Duplicates are
// acknowledged without running the handler.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) error {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	err := c.process(ctx, meta, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Consumer) process(ctx context.Context, meta kafkax.EventMeta, msg kafka.Message) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh, err := c.inbox.Record(ctx, tx, meta.EventID, meta.EventType)
	if err != nil {
		return err
	}
	if !fresh {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return tx.Commit(ctx)
	}
	if err := c.handler(ctx, tx, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
