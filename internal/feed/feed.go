package feed

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"context"
	"fmt"
)

// Handler receives every decoded event. A non-nil error tells the source the
// event was not accepted; sources log it and, where the transport allows,
// leave the message unacknowledged.
type Handler func(ctx context.Context, ev model.Event) error

// Source consumes events from a broker. Start blocks until ctx is done or the
// source fails.
type Source interface {
	Start(ctx context.Context, handle Handler) error
	Close() error
}

// Producer publishes events to a broker.
type Producer interface {
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

// NewSource builds the source selected by cfg.Type. It returns nil for
// type "none".
func NewSource(cfg config.FeedConfig) (Source, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "nats":
		src, err := NewNATSSource(cfg.NATS)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "kafka":
		return NewKafkaSource(cfg.Kafka), nil
	default:
		return nil, fmt.Errorf("%w: unknown feed type %q", model.ErrInvalidParameters, cfg.Type)
	}
}

// NewProducer builds the producer selected by cfg.Type.
func NewProducer(cfg config.FeedConfig) (Producer, error) {
	switch cfg.Type {
	case "nats":
		p, err := NewNATSProducer(cfg.NATS)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "kafka":
		return NewKafkaProducer(cfg.Kafka), nil
	default:
		return nil, fmt.Errorf("%w: feed type %q cannot publish", model.ErrInvalidParameters, cfg.Type)
	}
}
