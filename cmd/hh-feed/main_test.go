package main

import (
	"HeavySpectra/internal/model"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	events []model.Event
}

func (p *recordingProducer) Publish(_ context.Context, ev model.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestPublishStopsAtCount(t *testing.T) {
	p := &recordingProducer{}
	sent, err := publish(context.Background(), p, newGenerator(50, 1.2, 3), 0, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, sent)
	require.Len(t, p.events, 500)

	counts := make(map[string]int)
	for _, ev := range p.events {
		assert.NotEmpty(t, ev.Item)
		assert.GreaterOrEqual(t, ev.Weight, uint64(1))
		assert.LessOrEqual(t, ev.Weight, uint64(3))
		counts[ev.Item]++
	}
	assert.LessOrEqual(t, len(counts), 50)
	assert.Greater(t, counts["item-0"], counts["item-40"], "rank 0 dominates a Zipf stream")
}

func TestPublishStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := publish(ctx, &recordingProducer{}, newGenerator(10, 1.5, 1), 100, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sent)
}
