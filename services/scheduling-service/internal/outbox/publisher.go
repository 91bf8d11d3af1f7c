package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alshifa-dental/scheduling/libs/db"
	"github.com/alshifa-dental/scheduling/libs/kafkax"
	otelx "github.com/alshifa-dental/scheduling/libs/otel"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/metrics"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher relays committed outbox rows to Kafka, one topic per event type.
//
// Delivery is at least once. A crash between WriteMessages and the commit that marks rows
// published resends them, and consumers dedupe on the event_id header.
type Publisher struct {
	conn    db.Conn
	repo    *Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     PublisherConfig
	now     func() time.Time
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
	// Retention is how long published rows are kept. Zero disables pruning.
	Retention  time.Duration
	PruneEvery time.Duration
}

func NewPublisher(conn db.Conn, repo *Repository, logger *slog.Logger, m *metrics.Metrics, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = time.Hour
	}
	return &Publisher{conn: conn, repo: repo, logger: logger, metrics: m, cfg: cfg, now: time.Now}
}

// NewKafkaWriter keys messages by aggregate id, so one reservation's events stay ordered.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
}

// Run polls until ctx ends. A full batch is followed immediately by another poll.
func (p *Publisher) Run(ctx context.Context, writer MessageWriter) {
	poll := time.NewTimer(0)
	defer poll.Stop()
	prune := time.NewTicker(p.cfg.PruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			p.prune(ctx)
		case <-poll.C:
			n, err := p.PublishBatch(ctx, writer)
			switch {
			case err != nil && ctx.Err() == nil:
				p.logger.Error("outbox publish failed", "err", err)
				poll.Reset(p.cfg.PollEvery)
			case n == p.cfg.BatchSize:
				poll.Reset(0)
			default:
				poll.Reset(p.cfg.PollEvery)
			}
		}
	}
}

func (p *Publisher) prune(ctx context.Context) {
	if p.cfg.Retention <= 0 {
		return
	}
	n, err := p.repo.PrunePublished(ctx, p.conn, p.now().Add(-p.cfg.Retention))
	if err != nil {
		p.logger.Warn("outbox prune failed", "err", err)
		return
	}
	if n > 0 {
		p.logger.Info("outbox pruned", "rows", n)
	}
}

// PublishBatch sends one batch and returns how many events it marked published. When the
// broker rejects the batch the rows stay pending with attempts bumped, and the write error is
// returned.
func (p *Publisher) PublishBatch(ctx context.Context, writer MessageWriter) (n int, err error) {
	ctx, span := otel.Tracer("scheduling-service/outbox").Start(ctx, "outbox.PublishBatch")
	defer func() {
		span.SetAttributes(attribute.Int("outbox.published", n))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.ClaimBatch(ctx, tx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	msgs := make([]kafka.Message, len(records))
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
		meta := kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType}
		msgs[i] = kafka.Message{
			Topic:   r.EventType,
			Key:     []byte(r.AggregateID),
			Value:   r.Payload,
			Headers: kafkax.InjectTraceHeaders(otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate), meta.Headers()),
		}
	}

	if writeErr := writer.WriteMessages(ctx, msgs...); writeErr != nil {
		p.observe(records, "error")
		if err := p.repo.MarkFailed(ctx, tx, ids, writeErr); err != nil {
			return 0, errors.Join(writeErr, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, errors.Join(writeErr, err)
		}
		attempt := 0
		for _, r := range records {
			attempt = max(attempt, r.Attempts+1)
		}
		return 0, fmt.Errorf("write %d outbox events (attempt %d): %w", len(msgs), attempt, writeErr)
	}

	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	p.observe(records, "ok")
	return len(records), nil
}

func (p *Publisher) observe(records []Record, outcome string) {
	for _, r := range records {
		p.metrics.ObserveOutboxPublish(r.EventType, outcome)
	}
}
