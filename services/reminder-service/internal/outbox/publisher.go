package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/carereminder/libs/kafkax"
	otelx "github.com/md-rashed-zaman/carereminder/libs/otel"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Store is the slice of db.Pool the publisher needs.
type Store interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
	// Retention is how long published rows are kept; zero keeps them forever.
	Retention time.Duration
}

// Publisher relays committed outbox rows to Kafka. Delivery is at least once: a crash between
// WriteMessages and commit republishes the batch, and consumers dedup by event id.
type Publisher struct {
	store  Store
	repo   *Repository
	writer MessageWriter
	logger *slog.Logger
	cfg    PublisherConfig
}

func NewPublisher(store Store, repo *Repository, writer MessageWriter, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{store: store, repo: repo, writer: writer, logger: logger, cfg: cfg}
}

func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		p.logger.Warn("outbox publisher disabled, no kafka writer")
		return
	}
	poll := time.NewTicker(p.cfg.PollEvery)
	defer poll.Stop()
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			p.drain(ctx)
		case <-housekeeping.C:
			p.housekeep(ctx)
		}
	}
}

// drain keeps publishing while batches come back full so a backlog clears without waiting
// for the next tick.
func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.publishBatch(ctx)
		if err != nil {
			publishErrors.Inc()
			p.logger.Error("outbox publish failed", "err", err)
			return
		}
		if n > 0 {
			p.logger.Debug("outbox batch published", "count", n)
		}
		if n < p.cfg.BatchSize {
			return
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	var records []Record
	err := p.store.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		records, err = p.repo.ClaimBatch(ctx, tx, p.cfg.BatchSize)
		if err != nil || len(records) == 0 {
			return err
		}
		msgs := make([]kafka.Message, len(records))
		ids := make([]int64, len(records))
		for i, rec := range records {
			msgCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
			msgs[i] = kafkax.Message(msgCtx, rec.EventType, rec.AggregateID, rec.EventID, rec.Payload)
			ids[i] = rec.ID
		}
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			return err
		}
		return p.repo.MarkPublished(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		publishedCounter.WithLabelValues(rec.EventType).Inc()
	}
	return len(records), nil
}

func (p *Publisher) housekeep(ctx context.Context) {
	if n, lag, err := p.repo.Backlog(ctx, p.store); err != nil {
		p.logger.Warn("outbox backlog query failed", "err", err)
	} else {
		backlogGauge.Set(float64(n))
		lagGauge.Set(lag.Seconds())
	}

	if p.cfg.Retention <= 0 {
		return
	}
	n, err := p.repo.PurgePublished(ctx, p.store, time.Now().Add(-p.cfg.Retention))
	if err != nil {
		p.logger.Warn("outbox purge failed", "err", err)
		return
	}
	if n > 0 {
		purgedCounter.Add(float64(n))
		p.logger.Info("outbox purged", "count", n)
	}
}
