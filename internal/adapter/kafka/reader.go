package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-alert-pipeline/internal/ingest"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
)

// Ingestor processes one provider batch. Implemented by ingest.Coordinator.
type Ingestor interface {
	IngestBatch(ctx context.Context, provider string, payloads [][]byte) (ingest.BatchResult, error)
}

// messageFetcher is the subset of kafkago.Reader the consumer uses.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads raw provider payloads from Kafka and feeds them to the
// ingestor in batches. The provider is carried in a "provider" message
// header, falling back to the message key.
type Consumer struct {
	reader    messageFetcher
	ingestor  Ingestor
	metrics   *observability.Metrics
	logger    *slog.Logger
	batchSize int
	batchWait time.Duration
}

// NewConsumer creates a consumer-group reader for the raw payload topic.
func NewConsumer(brokers []string, topic, groupID string, batchSize int, ingestor Ingestor, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:    r,
		ingestor:  ingestor,
		metrics:   metrics,
		logger:    logger,
		batchSize: batchSize,
		batchWait: 250 * time.Millisecond,
	}
}

// Run consumes until the context is cancelled. Offsets commit only after
// the ingestor accepted the batch; storage outages retry the same batch
// with backoff instead of dropping it.
func (c *Consumer) Run(ctx context.Context) error {
	c.metrics.PipelineRunning.Set(1)
	defer c.metrics.PipelineRunning.Set(0)
	c.logger.Info("kafka consumer started", "batch_size", c.batchSize)

	for {
		msgs, err := c.fetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("fetch batch failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if !c.processBatch(ctx, msgs) {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// fetchBatch blocks for the first message, then drains up to batchSize with
// a short deadline so a slow topic still makes progress.
func (c *Consumer) fetchBatch(ctx context.Context) ([]kafkago.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []kafkago.Message{first}

	drainCtx, cancel := context.WithTimeout(ctx, c.batchWait)
	defer cancel()
	for len(msgs) < c.batchSize {
		msg, err := c.reader.FetchMessage(drainCtx)
		if err != nil {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// processBatch groups messages by provider, ingests each group, and commits
// offsets. Returns false when the consumer should stop.
func (c *Consumer) processBatch(ctx context.Context, msgs []kafkago.Message) bool {
	byProvider := make(map[string][][]byte)
	for _, msg := range msgs {
		p := providerOf(msg)
		byProvider[p] = append(byProvider[p], msg.Value)
	}

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for provider, payloads := range byProvider {
		for {
			result, err := c.ingestor.IngestBatch(ctx, provider, payloads)
			if err == nil {
				if len(result.Skipped) > 0 {
					c.logger.Warn("batch had skipped records",
						"batch_id", result.BatchID, "provider", provider, "skipped", len(result.Skipped))
				}
				break
			}
			if ctx.Err() != nil {
				return false
			}
			c.logger.Error("ingest batch failed, retrying", "provider", provider, "error", err)
			if !sleepWithContext(ctx, backoff) {
				return false
			}
			backoff = nextBackoff(backoff, maxBackoff)
		}
	}

	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		c.logger.Warn("commit offsets failed", "error", err)
	}
	return true
}

func providerOf(msg kafkago.Message) string {
	for _, h := range msg.Headers {
		if h.Key == "provider" {
			return string(h.Value)
		}
	}
	return string(msg.Key)
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
