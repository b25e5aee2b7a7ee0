package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
)

// KafkaConfig configures the producer and the consumer group
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxRetries bounds redeliveries of a failing task
	MaxRetries uint64
	// RetryWindow bounds how long a task returning ErrNotReady keeps being redelivered.
	// It should exceed the pipeline step timeout.
	RetryWindow time.Duration
}

// Kafka publishes tasks keyed by batch id so one batch stays on one partition
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	base   time.Duration
}

// messageReader is the part of *kafka.Reader the consumer loop needs
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafka(cfg KafkaConfig) *Kafka {
	if cfg.GroupID == "" {
		cfg.GroupID = "photoqa-workers"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 10 * time.Minute
	}
	return &Kafka{
		cfg:  cfg,
		base: 500 * time.Millisecond,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *Kafka) Enqueue(ctx context.Context, task Task) error {
	value, err := encode(task)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.BatchID), Value: value}); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// Consume reads tasks with the consumer group until ctx is done.
// Offsets are committed only after the handler succeeds. A task that still fails
// after its retries stops the consumer without committing, so the group redelivers
// it once a worker restarts.
func (k *Kafka) Consume(ctx context.Context, handle Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.cfg.Brokers,
		Topic:   k.cfg.Topic,
		GroupID: k.cfg.GroupID,
	})
	defer reader.Close()

	return k.consume(ctx, reader, handle)
}

func (k *Kafka) consume(ctx context.Context, reader messageReader, handle Handler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			slog.Error("error reading message", "err", err)
			continue
		}

		task, err := decode(msg.Value)
		if err != nil {
			slog.Error("dropping malformed task", "offset", msg.Offset, "err", err)
		} else if err := k.handleWithRetry(ctx, handle, task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("task failed after retries, leaving offset uncommitted",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"task", string(msg.Value),
				"err", err)
			return fmt.Errorf("failed to handle task at offset %d: %w", msg.Offset, err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to commit offset", "offset", msg.Offset, "err", err)
		}
	}
}

// handleWithRetry backs off between deliveries. Failures count against MaxRetries;
// ErrNotReady only against RetryWindow.
func (k *Kafka) handleWithRetry(ctx context.Context, handle Handler, task Task) error {
	backoff := retry.WithMaxDuration(k.cfg.RetryWindow,
		retry.WithCappedDuration(30*time.Second, retry.NewExponential(k.base)))

	var failures uint64
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := handle(ctx, task)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotReady) {
			slog.Debug("task not ready, retrying", "kind", task.Kind, "batch_id", task.BatchID, "photo_id", task.PhotoID)
			return retry.RetryableError(err)
		}
		failures++
		if failures > k.cfg.MaxRetries {
			return err
		}
		slog.Warn("task failed, retrying", "kind", task.Kind, "batch_id", task.BatchID, "attempt", failures, "err", err)
		return retry.RetryableError(err)
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
