package periodic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/job"
	"reliable-queue/internal/queue"
	"reliable-queue/internal/store/memory"
)

func TestParseEntries(t *testing.T) {
	entries, err := ParseEntries(`email=@every 1m|{"to":"ops@example.com"}; reports = 0 6 * * 1,3 ;`)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "email", entries[0].Topic)
	assert.Equal(t, "@every 1m", entries[0].Spec)
	assert.JSONEq(t, `{"to":"ops@example.com"}`, string(entries[0].Payload))
	assert.Equal(t, "reports", entries[1].Topic)
	assert.Equal(t, "0 6 * * 1,3", entries[1].Spec)

	for _, bad := range []string{"email", "=@every 1m", "email=not a cron", `email=@every 1m|{oops`} {
		_, err := ParseEntries(bad)
		assert.Error(t, err, bad)
	}
}

func TestTickFiresWhenDueAndDeduplicatesAcrossSchedulers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := memory.New().WithClock(clock)
	q := queue.New(st, queue.WithClock(clock), queue.WithKV(st, time.Hour))
	entries := []Entry{{Topic: "email", Spec: "@every 1m", Payload: []byte(`{"to":"a@b.com"}`)}}

	a, err := New(q, entries, WithClock(clock))
	require.NoError(t, err)
	b, err := New(q, entries, WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Zero(t, a.Tick(ctx), "not due yet")

	now = now.Add(time.Minute)
	assert.Equal(t, 1, a.Tick(ctx))
	assert.Zero(t, b.Tick(ctx), "same fire from another process")
	assert.Zero(t, a.Tick(ctx), "already fired")

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 1, a.Tick(ctx), "missed fires collapse")

	stats, err := q.Stats(ctx, "email")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats[job.StatusPending])
}

func TestNewRejectsEmptyAndBadSpecs(t *testing.T) {
	q := queue.New(memory.New())
	_, err := New(q, nil)
	assert.Error(t, err)
	_, err = New(q, []Entry{{Topic: "email", Spec: "every minute"}})
	assert.Error(t, err)
}
