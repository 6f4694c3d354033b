package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single (item, weight, timestamp) observation from the inbound feed.
// A weight greater than one carries a pre-aggregated batch.
type Event struct {
	Item      string    `json:"item"`
	Weight    uint64    `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// Normalize applies the feed defaults: weight 0 becomes 1 and a zero
// timestamp becomes now.
func (e *Event) Normalize(now time.Time) {
	if e.Weight == 0 {
		e.Weight = 1
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}

// Source tells where the counts of a leaderboard entry came from.
type Source uint8

const (
	SourceApproximate Source = iota
	SourceExact
)

func (s Source) String() string {
	switch s {
	case SourceApproximate:
		return "approximate"
	case SourceExact:
		return "exact"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "approximate":
		*s = SourceApproximate
	case "exact":
		*s = SourceExact
	default:
		return fmt.Errorf("unknown leaderboard source %q", str)
	}
	return nil
}

// Entry is one ranked leaderboard row.
type Entry struct {
	Item   string `json:"item"`
	Count  uint64 `json:"count"`
	Source Source `json:"source"`
}

// Snapshot is an immutable, versioned leaderboard. Once published it is never
// mutated; consumers may keep a reference for as long as they like.
type Snapshot struct {
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	Source     Source    `json:"source"`
	K          int       `json:"k"`
	Entries    []Entry   `json:"entries"`
}

// Validate reports ErrCorruptSnapshot if the snapshot has more than k entries,
// is not sorted by count descending, or lists an item twice.
func (s *Snapshot) Validate(k int) error {
	if len(s.Entries) > k {
		return fmt.Errorf("%w: %d entries exceed k=%d", ErrCorruptSnapshot, len(s.Entries), k)
	}
	seen := make(map[string]struct{}, len(s.Entries))
	for i, e := range s.Entries {
		if i > 0 && e.Count > s.Entries[i-1].Count {
			return fmt.Errorf("%w: entry %d (%s=%d) above entry %d (%s=%d)",
				ErrCorruptSnapshot, i, e.Item, e.Count, i-1, s.Entries[i-1].Item, s.Entries[i-1].Count)
		}
		if _, dup := seen[e.Item]; dup {
			return fmt.Errorf("%w: duplicate item %q", ErrCorruptSnapshot, e.Item)
		}
		seen[e.Item] = struct{}{}
	}
	return nil
}

// Window holds the exact counts accumulated between two rotations.
type Window struct {
	ID      string
	Start   time.Time
	End     time.Time
	Counts  map[string]uint64
	Records uint64 // number of record calls
	Weight  uint64 // sum of recorded weights
}

// WindowResult is what gets persisted for a closed window.
type WindowResult struct {
	WindowID   string            `json:"window_id"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Generation uint64            `json:"generation"`
	Records    uint64            `json:"records"`
	Weight     uint64            `json:"weight"`
	TopK       []Entry           `json:"top_k"`
	Counts     map[string]uint64 `json:"-"`
}

// ItemStats is the point view of one item across both paths.
type ItemStats struct {
	Item        string  `json:"item"`
	Estimate    uint64  `json:"estimate"`
	ErrorBound  float64 `json:"error_bound"`
	WindowCount uint64  `json:"window_count"`
	Rank        int     `json:"rank,omitempty"` // 1-based position in the current leaderboard, 0 if absent
}
