package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ev := Event{Item: "a"}
	ev.Normalize(now)
	assert.Equal(t, uint64(1), ev.Weight)
	assert.Equal(t, now, ev.Timestamp)

	ts := now.Add(-time.Hour)
	ev = Event{Item: "a", Weight: 7, Timestamp: ts}
	ev.Normalize(now)
	assert.Equal(t, uint64(7), ev.Weight)
	assert.Equal(t, ts, ev.Timestamp)
}

func TestSourceJSON(t *testing.T) {
	b, err := json.Marshal(Entry{Item: "a", Count: 2, Source: SourceExact})
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":"a","count":2,"source":"exact"}`, string(b))

	var e Entry
	require.NoError(t, json.Unmarshal([]byte(`{"item":"b","count":1,"source":"approximate"}`), &e))
	assert.Equal(t, SourceApproximate, e.Source)

	assert.Error(t, json.Unmarshal([]byte(`{"source":"guess"}`), &e))
	assert.Equal(t, "source(9)", Source(9).String())
}

func TestSnapshotValidate(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
		k       int
		ok      bool
	}{
		{"empty", nil, 3, true},
		{"sorted with ties", []Entry{{Item: "a", Count: 5}, {Item: "b", Count: 3}, {Item: "c", Count: 3}}, 3, true},
		{"too many", []Entry{{Item: "a", Count: 2}, {Item: "b", Count: 1}}, 1, false},
		{"unsorted", []Entry{{Item: "a", Count: 1}, {Item: "b", Count: 2}}, 3, false},
		{"duplicate", []Entry{{Item: "a", Count: 2}, {Item: "a", Count: 1}}, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := (&Snapshot{Entries: tc.entries}).Validate(tc.k)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCorruptSnapshot)
			}
		})
	}
}
