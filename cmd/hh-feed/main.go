// hh-feed publishes a synthetic Zipf-distributed event stream to the
// configured feed so an engine can be exercised end to end.
package main

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/feed"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	items := flag.Uint64("items", 10000, "Number of distinct items.")
	skew := flag.Float64("skew", 1.1, "Zipf exponent, must be greater than 1.")
	rate := flag.Int("rate", 1000, "Events per second, 0 for as fast as possible.")
	total := flag.Int("count", 0, "Stop after this many events, 0 to run until interrupted.")
	maxWeight := flag.Uint64("max-weight", 1, "Weights are drawn uniformly from [1, max-weight].")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("feed")

	if *skew <= 1 || *items == 0 || *maxWeight == 0 {
		log.Error("invalid generator parameters", "skew", *skew, "items", *items, "max_weight", *maxWeight)
		os.Exit(1)
	}

	producer, err := feed.NewProducer(cfg.Feed)
	if err != nil {
		log.Error("failed to open producer", "type", cfg.Feed.Type, "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := newGenerator(*items, *skew, *maxWeight)
	sent, err := publish(ctx, producer, gen, *rate, *total)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("publishing stopped", "sent", sent, "error", err)
		os.Exit(1)
	}
	log.Info("done", "sent", sent)
}

type generator struct {
	rng       *rand.Rand
	zipf      *rand.Zipf
	maxWeight uint64
}

func newGenerator(items uint64, skew float64, maxWeight uint64) *generator {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	return &generator{
		rng:       rng,
		zipf:      rand.NewZipf(rng, skew, 1, items-1),
		maxWeight: maxWeight,
	}
}

func (g *generator) next() model.Event {
	return model.Event{
		Item:      fmt.Sprintf("item-%d", g.zipf.Uint64()),
		Weight:    1 + g.rng.Uint64N(g.maxWeight),
		Timestamp: time.Now(),
	}
}

// publish sends events at the given rate until ctx is done or total events
// have been sent.
func publish(ctx context.Context, p feed.Producer, g *generator, rate, total int) (int, error) {
	var tick <-chan time.Time
	if rate > 0 {
		ticker := time.NewTicker(max(time.Second/time.Duration(rate), time.Microsecond))
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
	for total == 0 || sent < total {
		if tick != nil {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := p.Publish(ctx, g.next()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
