package model

import "context"

// Sink mirrors published leaderboard snapshots to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, snapshot *Snapshot) error
	Close() error
}
