package feed

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrRejected is returned by KafkaSource.Start when the handler refuses an
// event. The source stops without committing it, so the group redelivers it.
var ErrRejected = errors.New("event rejected by handler")

// messageReader is the part of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads encoded events from a Kafka topic in a consumer group.
// An offset is committed only after its event was accepted.
type KafkaSource struct {
	reader messageReader
	log    *slog.Logger
}

func NewKafkaSource(cfg config.KafkaConfig) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return &KafkaSource{
		reader: r,
		log:    logger.WithComponent("kafka-source").With("topic", cfg.Topic),
	}
}

// Start enters the consume loop until ctx is cancelled. A rejected event
// ends the loop with ErrRejected: committing any later offset on the same
// partition would silently skip it.
func (s *KafkaSource) Start(ctx context.Context, handle Handler) error {
	s.log.Info("consumer started")
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			s.log.Error("failed to fetch message", "error", err)
			continue
		}

		received := msg.Time
		if received.IsZero() {
			received = time.Now()
		}
		ev, err := Decode(msg.Value, received)
		if err != nil {
			// A malformed message will never decode; commit it so the group
			// moves on.
			s.log.Warn("dropping malformed event", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		} else if err := handle(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("event not accepted, stopping consumer", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			return fmt.Errorf("%w at partition %d offset %d: %w", ErrRejected, msg.Partition, msg.Offset, err)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.log.Error("failed to commit message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// KafkaProducer writes encoded events keyed by item, so all events of one
// item land on one partition.
type KafkaProducer struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{
		writer: w,
		log:    logger.WithComponent("kafka-producer").With("topic", cfg.Topic),
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, ev model.Event) error {
	return p.PublishBatch(ctx, []model.Event{ev})
}

// PublishBatch writes events in a single call.
func (p *KafkaProducer) PublishBatch(ctx context.Context, events []model.Event) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := Encode(ev)
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{Key: []byte(ev.Item), Value: value})
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.log.Error("failed to publish batch", "count", len(messages), "error", err)
		return fmt.Errorf("%w: publishing to kafka: %w", model.ErrTransientUnavailable, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
