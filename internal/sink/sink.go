package sink

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"errors"
)

// Open connects every enabled sink. On failure, sinks opened so far are
// closed again.
func Open(cfg config.SinksConfig) ([]model.Sink, error) {
	var sinks []model.Sink
	fail := func(err error) ([]model.Sink, error) {
		for _, s := range sinks {
			err = errors.Join(err, s.Close())
		}
		return nil, err
	}

	if cfg.Redis.Enabled {
		r, err := NewRedis(cfg.Redis)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, r)
	}
	if cfg.NATS.Enabled {
		n, err := NewNATS(cfg.NATS)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, n)
	}
	return sinks, nil
}
