package sink

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembersAndMeta(t *testing.T) {
	s := &model.Snapshot{
		Generation: 12,
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Source:     model.SourceExact,
		K:          2,
		Entries: []model.Entry{
			{Item: "a", Count: 9},
			{Item: "b", Count: 3},
		},
	}
	assert.Equal(t, []redis.Z{{Score: 9, Member: "a"}, {Score: 3, Member: "b"}}, members(s.Entries))

	m := meta(s)
	assert.Equal(t, "12", m["generation"])
	assert.Equal(t, "exact", m["source"])
	assert.Equal(t, "2024-01-02T03:04:05Z", m["timestamp"])
	assert.Equal(t, "9", m["count:a"])
	assert.Equal(t, "2", m["rank:b"])
}

func TestRedisDefaultKey(t *testing.T) {
	r := newRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer r.Close()
	assert.Equal(t, "hh:leaderboard", r.key)
	assert.Equal(t, "hh:leaderboard:meta", r.metaKey())
	assert.Equal(t, "redis", r.Name())
}

func TestOpenNothingEnabled(t *testing.T) {
	sinks, err := Open(config.SinksConfig{})
	require.NoError(t, err)
	assert.Empty(t, sinks)
}
