package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/blob"
	"reliable-queue/internal/events"
	"reliable-queue/internal/job"
)

func TestArchiverWritesDeadLetters(t *testing.T) {
	dir := t.TempDir()
	a := New(blob.Local{BaseDir: dir}, "dlq", 4, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return at }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	env := job.Envelope{
		ID:      "job-1",
		Topic:   "email",
		Payload: json.RawMessage(`{"to":"a@b.com"}`),
		Status:  job.StatusDeadLettered,
		Attempt: 3,
	}
	a.Emit(ctx, events.Event{Kind: events.Completed, JobID: "ignored", Envelope: &env})
	a.Emit(ctx, events.Event{Kind: events.DeadLettered, JobID: env.ID, Topic: env.Topic, Error: "smtp down", Envelope: &env})

	want := filepath.Join(dir, "dlq", "email", "2026", "03", "01", "job-1.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(want)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "smtp down", rec.Error)
	assert.Equal(t, 3, rec.Envelope.Attempt)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(rec.Envelope.Payload))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	a := New(blob.Local{BaseDir: dir}, "", 4, nil)
	env := job.Envelope{ID: "job-2", Topic: "email", Status: job.StatusDeadLettered}
	a.Emit(context.Background(), events.Event{Kind: events.DeadLettered, JobID: env.ID, Envelope: &env})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	matches, err := filepath.Glob(filepath.Join(dir, "email", "*", "*", "*", "job-2.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
