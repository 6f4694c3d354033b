package feed

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSource subscribes to a NATS subject carrying encoded events.
type NATSSource struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNATSSource connects to the configured NATS server.
func NewNATSSource(cfg config.NATSConfig) (*NATSSource, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("hh-engine"))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to NATS at %s: %w", model.ErrTransientUnavailable, cfg.URL, err)
	}
	log := logger.WithComponent("nats-source").With("subject", cfg.Subject)
	log.Info("connected to NATS", "url", cfg.URL)
	return &NATSSource{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Start subscribes and hands every message to handle until ctx is done.
// Malformed messages are logged and dropped.
func (s *NATSSource) Start(ctx context.Context, handle Handler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data, time.Now())
		if err != nil {
			s.log.Warn("dropping malformed event", "error", err)
			return
		}
		if err := handle(ctx, ev); err != nil {
			s.log.Warn("event not accepted", "item", ev.Item, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}
	s.log.Info("subscribed, waiting for events")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.log.Warn("draining subscription", "error", err)
	}
	return nil
}

// Close closes the NATS connection.
func (s *NATSSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed")
	}
	return nil
}

// NATSProducer publishes encoded events on a subject.
type NATSProducer struct {
	nc      *nats.Conn
	subject string
}

func NewNATSProducer(cfg config.NATSConfig) (*NATSProducer, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("hh-feed"))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to NATS at %s: %w", model.ErrTransientUnavailable, cfg.URL, err)
	}
	logger.WithComponent("nats-producer").Info("connected to NATS", "url", cfg.URL, "subject", cfg.Subject)
	return &NATSProducer{nc: nc, subject: cfg.Subject}, nil
}

// Publish encodes ev and publishes it. The context is not used by core NATS
// publishes, which are fire-and-forget.
func (p *NATSProducer) Publish(_ context.Context, ev model.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains pending publishes and closes the connection.
func (p *NATSProducer) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
