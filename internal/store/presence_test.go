package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

func TestMark_UpsertKeepsSingleRecord(t *testing.T) {
	gdb := openTestDB(t)
	p := NewPresenceTracker(gdb)
	ctx := context.Background()

	// Two processes marking the same (room, identity) in quick succession.
	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", true))
	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", true))

	var rows []models.Presence
	require.NoError(t, gdb.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Online)
}

func TestMark_FirstSeenOnlyOnInsert(t *testing.T) {
	gdb := openTestDB(t)
	p := NewPresenceTracker(gdb)
	ctx := context.Background()

	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", true))
	var first models.Presence
	require.NoError(t, gdb.First(&first).Error)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", false))

	var second models.Presence
	require.NoError(t, gdb.First(&second).Error)
	assert.Equal(t, first.FirstSeen.Unix(), second.FirstSeen.Unix(), "first_seen is written once")
	assert.False(t, second.Online)
	assert.True(t, second.LastSeen.After(second.FirstSeen) || second.LastSeen.Equal(second.FirstSeen))
}

func TestMark_NormalizesEmail(t *testing.T) {
	gdb := openTestDB(t)
	p := NewPresenceTracker(gdb)
	ctx := context.Background()

	require.NoError(t, p.Mark(ctx, "general", "A@X.Com", "Alice", true))
	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", true))

	var count int64
	gdb.Model(&models.Presence{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestCount_OnlineOnly(t *testing.T) {
	gdb := openTestDB(t)
	p := NewPresenceTracker(gdb)
	ctx := context.Background()

	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", true))
	require.NoError(t, p.Mark(ctx, "general", "b@x.com", "Bob", true))
	require.NoError(t, p.Mark(ctx, "general", "c@x.com", "Cara", false))

	n, err := p.Count(ctx, "general")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCountsByRoom_SingleAggregation(t *testing.T) {
	gdb := openTestDB(t)
	p := NewPresenceTracker(gdb)
	ctx := context.Background()

	require.NoError(t, p.Mark(ctx, "general", "a@x.com", "Alice", true))
	require.NoError(t, p.Mark(ctx, "general", "b@x.com", "Bob", true))
	require.NoError(t, p.Mark(ctx, "h1b", "c@x.com", "Cara", true))
	require.NoError(t, p.Mark(ctx, "f1", "d@x.com", "Dan", false))

	counts, err := p.CountsByRoom(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts["general"])
	assert.EqualValues(t, 1, counts["h1b"])
	_, ok := counts["f1"]
	assert.False(t, ok, "rooms with nobody online are absent from the aggregation")
}
