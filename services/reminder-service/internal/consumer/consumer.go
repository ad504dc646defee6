package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/kafkax"
	otelx "github.com/md-rashed-zaman/carereminder/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrMalformedEvent marks events that will never succeed; they are not retried.
var ErrMalformedEvent = errors.New("malformed event")

type Handler func(ctx context.Context, msg kafka.Message) error

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Consumer struct {
	reader      Reader
	logger      *slog.Logger
	inbox       Inbox
	handler     Handler
	maxAttempts int
	retryDelay  time.Duration
}

type Config struct {
	Brokers     string
	GroupID     string
	Topic       string
	MaxAttempts int
	RetryDelay  time.Duration
}

func New(logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewWithReader(reader, logger, inbox, cfg, handler)
}

func NewWithReader(reader Reader, logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Consumer{
		reader:      reader,
		logger:      logger,
		inbox:       inbox,
		handler:     handler,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err, "offset", msg.Offset)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	logger := c.logger.With(meta.LogAttrs()...).With("trace_id", otelx.TraceID(ctxSpan))

	ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	if err != nil {
		logger.Error("inbox record failed", "err", err)
		span.RecordError(err)
		return
	}
	if !ok {
		logger.Info("duplicate event ignored")
		return
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.handler(ctxSpan, msg)
		if err == nil {
			return
		}
		if errors.Is(err, ErrMalformedEvent) || ctx.Err() != nil {
			break
		}
		logger.Warn("handler error, retrying", "err", err, "attempt", attempt)
		select {
		case <-ctx.Done():
		case <-time.After(c.retryDelay * time.Duration(attempt)):
		}
	}

	span.RecordError(err)
	logger.Error("event dropped", "err", err)
	// Let a replay of the topic process it again.
	if ferr := c.inbox.Forget(context.WithoutCancel(ctxSpan), meta.EventID); ferr != nil {
		logger.Error("inbox forget failed", "err", ferr)
	}
}
