package sink

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS publishes every snapshot as JSON on a subject.
type NATS struct {
	nc      *nats.Conn
	subject string
}

func NewNATS(cfg config.NATSSinkConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("hh-engine-sink"))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to NATS at %s: %w", model.ErrTransientUnavailable, cfg.URL, err)
	}
	return &NATS{nc: nc, subject: cfg.Subject}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Publish(_ context.Context, s *model.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("Hh-Generation", fmt.Sprint(s.Generation))
	msg.Header.Set("Hh-Source", s.Source.String())
	return n.nc.PublishMsg(msg)
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
